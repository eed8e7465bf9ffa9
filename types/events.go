package types

import "fmt"

// Chase identifies a notification on the node event bus. Values carry either
// a height or a header link depending on the event.
type Chase uint8

const (
	ChaseStart Chase = iota
	ChaseStop

	// ChaseHeader reports a candidate chain extension or reorganization;
	// the value is the branch point height.
	ChaseHeader

	// ChaseDownload reports newly dispatchable hashes; the value is the
	// count added.
	ChaseDownload

	// ChasePurge reports that all outstanding hash maps were dropped; the
	// value is the confirmed top.
	ChasePurge

	// ChaseChecked reports a block stored and checked at a candidate
	// height.
	ChaseChecked

	// ChaseUnchecked, ChaseUnpreconfirmable and ChaseUnconfirmable carry
	// the offending header link and trigger disorganization.
	ChaseUnchecked
	ChaseUnpreconfirmable
	ChaseUnconfirmable

	// ChasePreconfirmable and ChaseConfirmable carry the advanced height.
	ChasePreconfirmable
	ChaseConfirmable

	// ChaseRegressed reports a reorganization that popped candidates; the
	// value is the new branch point.
	ChaseRegressed

	// ChaseDisorganized reports a candidate chain reset; the value is the
	// confirmed top.
	ChaseDisorganized

	// ChaseMalleated carries the link of a block whose stored form admits
	// a distinct equally-linking variant.
	ChaseMalleated

	// ChaseBump pokes the in-order chasers to re-scan without new input.
	ChaseBump
)

var chaseNames = [...]string{
	"start", "stop", "header", "download", "purge", "checked", "unchecked",
	"unpreconfirmable", "unconfirmable", "preconfirmable", "confirmable",
	"regressed", "disorganized", "malleated", "bump",
}

func (c Chase) String() string {
	if int(c) >= len(chaseNames) {
		return fmt.Sprintf("chase(%d)", c)
	}
	return chaseNames[c]
}
