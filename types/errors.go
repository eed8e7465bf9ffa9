package types

import (
	"errors"
	"fmt"
)

// Classification of failures crossing component boundaries. Protocol errors
// stop a channel, validation errors mark archive entries, store errors close
// the subsystem.
var (
	ErrDuplicateHeader    = errors.New("duplicate header")
	ErrOrphanHeader       = errors.New("orphan header")
	ErrCheckpointConflict = errors.New("checkpoint conflict")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrStoreIntegrity     = errors.New("store integrity failure")
	ErrServiceStopped     = errors.New("service stopped")
	ErrOperationCanceled  = errors.New("operation canceled")
	ErrChannelTimeout     = errors.New("channel timed out")
	ErrSlowChannel        = errors.New("slow channel")
	ErrStalledChannel     = errors.New("stalled channel")
	ErrUnknownBlock       = errors.New("unrequested block")

	// Validation shortcuts surfaced by the preconfirm chaser. The first three
	// advance the validated height like success, without validation
	// metadata; ErrBlockUnconfirmable does not advance it.
	ErrValidationBypass    = errors.New("validation bypassed")
	ErrBlockConfirmable    = errors.New("block already confirmable")
	ErrBlockPreconfirmable = errors.New("block already preconfirmable")
	ErrBlockUnconfirmable  = errors.New("block unconfirmable")

	ErrMissingPreviousOutput = errors.New("missing previous output")
)

// HeightError attaches the computed height to a header organization failure.
type HeightError struct {
	Err    error
	Height uint64
}

func (e *HeightError) Error() string {
	return fmt.Sprintf("%v at height %d", e.Err, e.Height)
}

func (e *HeightError) Unwrap() error { return e.Err }

// IsAdvanceable reports whether a validation result still advances the
// in-order validated height.
func IsAdvanceable(err error) bool {
	return err == nil ||
		errors.Is(err, ErrValidationBypass) ||
		errors.Is(err, ErrBlockConfirmable) ||
		errors.Is(err, ErrBlockPreconfirmable)
}
