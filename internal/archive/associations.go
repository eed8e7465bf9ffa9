package archive

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bitchase/bitchase/types"
)

// Association binds a candidate height to its expected block hash and the
// validation context the block will be checked against.
type Association struct {
	Height  uint64
	Hash    chainhash.Hash
	Context types.Context
}

// Associations is a download unit: an ordered, height-tagged set of
// unassociated candidate heights. A unit is owned by at most one channel at
// a time, so it carries no locking; ownership returns to the check chaser
// when the channel stops, splits or purges.
type Associations struct {
	order []Association
	live  map[chainhash.Hash]Association
}

// NewAssociations builds a unit from height-ascending entries.
func NewAssociations(items []Association) *Associations {
	a := &Associations{
		order: items,
		live:  make(map[chainhash.Hash]Association, len(items)),
	}
	for _, item := range items {
		a.live[item.Hash] = item
	}
	return a
}

// EmptyAssociations returns a unit with no entries.
func EmptyAssociations() *Associations { return NewAssociations(nil) }

// Size returns the number of live entries.
func (a *Associations) Size() int { return len(a.live) }

// Empty reports whether no live entries remain.
func (a *Associations) Empty() bool { return len(a.live) == 0 }

// Top returns the live entry with the greatest height.
func (a *Associations) Top() (Association, bool) {
	for i := len(a.order) - 1; i >= 0; i-- {
		if item, ok := a.live[a.order[i].Hash]; ok {
			return item, true
		}
	}
	return Association{}, false
}

// Find returns the live entry for the hash.
func (a *Associations) Find(hash chainhash.Hash) (Association, bool) {
	item, ok := a.live[hash]
	return item, ok
}

// Erase removes the entry for the hash, reporting whether it was live.
func (a *Associations) Erase(hash chainhash.Hash) bool {
	if _, ok := a.live[hash]; !ok {
		return false
	}
	delete(a.live, hash)
	return true
}

// Items returns the live entries in height order.
func (a *Associations) Items() []Association {
	out := make([]Association, 0, len(a.live))
	for _, item := range a.order {
		if _, ok := a.live[item.Hash]; ok {
			out = append(out, item)
		}
	}
	return out
}

// SplitTail removes the upper half of the live entries and returns them as
// a new unit. The receiver keeps the lower half.
func (a *Associations) SplitTail() *Associations {
	items := a.Items()
	half := len(items) / 2
	tail := items[len(items)-half:]

	for _, item := range tail {
		delete(a.live, item.Hash)
	}

	return NewAssociations(tail)
}

// Merge absorbs the other unit's live entries.
func (a *Associations) Merge(other *Associations) {
	for _, item := range other.Items() {
		if _, ok := a.live[item.Hash]; ok {
			continue
		}
		a.order = append(a.order, item)
		a.live[item.Hash] = item
	}
}
