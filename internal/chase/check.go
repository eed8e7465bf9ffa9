package chase

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/internal/archive"
	"github.com/bitchase/bitchase/types"
)

// CheckChaser owns the ordered list of download units covering every
// currently-unassociated candidate height above the fork point. Units are
// handed to channels FIFO and returned on stop, split or purge; the chaser
// is the system's backpressure point.
type CheckChaser struct {
	core *Core

	inventory int
	maps      []*archive.Associations

	metrics *Metrics
}

// NewCheckChaser creates the check chaser.
func NewCheckChaser(core *Core, cfg *config.Config, metrics *Metrics) *CheckChaser {
	inventory := cfg.Node.MaximumInventory
	if inventory > wire.MaxInvPerMsg {
		inventory = wire.MaxInvPerMsg
	}

	return &CheckChaser{
		core:      core,
		inventory: inventory,
		metrics:   metrics,
	}
}

// Start seeds the unit list from the fork point and subscribes to chain
// events. Must be called on the node strand.
func (c *CheckChaser) Start() error {
	fork := c.core.Query.GetFork()
	added := c.getUnassociated(fork)
	c.core.Logger.Info("check chaser started",
		"fork_point", fork, "unassociated", added)

	c.core.Bus.AddListener("check", func(event types.Chase, value uint64) {
		switch event {
		case types.ChaseHeader:
			c.doAddHeaders(value)
		case types.ChaseDisorganized:
			c.doPurgeHeaders(value)
		}
	})

	return nil
}

// Outstanding returns the number of undispatched hashes. Node strand only.
func (c *CheckChaser) Outstanding() int {
	total := 0
	for _, m := range c.maps {
		total += m.Size()
	}
	return total
}

func (c *CheckChaser) doAddHeaders(branchPoint uint64) {
	if c.core.Closed() {
		return
	}

	// Extend from the highest associated height above the branch point.
	start := c.core.Query.GetLastAssociatedFrom(branchPoint)
	added := c.getUnassociated(start)
	if added == 0 {
		return
	}

	c.core.Notify(types.ChaseDownload, uint64(added))
}

func (c *CheckChaser) doPurgeHeaders(top uint64) {
	if c.core.Closed() {
		return
	}

	// The candidate chain has been reset to the confirmed top; all
	// outstanding hashes are stale. Channels observe the purge before any
	// subsequent download notification and return their maps.
	c.maps = nil
	c.metrics.OutstandingHashes.Set(0)
	c.core.Notify(types.ChasePurge, top)
}

// GetHashes pops the front unit and passes ownership to the caller on the
// node strand. An empty unit means the caller should wait for the next
// download event.
func (c *CheckChaser) GetHashes(handler func(*archive.Associations)) {
	if !c.core.Strand.Post(func() { handler(c.getMap()) }) {
		handler(archive.EmptyAssociations())
	}
}

// PutHashes returns a unit to the back of the list; non-empty returns are
// re-announced as downloadable.
func (c *CheckChaser) PutHashes(m *archive.Associations, handler func(error)) {
	if !c.core.Strand.Post(func() {
		if !m.Empty() {
			c.maps = append(c.maps, m)
			c.metrics.OutstandingHashes.Set(float64(c.Outstanding()))
			c.core.Notify(types.ChaseDownload, uint64(m.Size()))
		}
		handler(nil)
	}) {
		handler(types.ErrServiceStopped)
	}
}

func (c *CheckChaser) getMap() *archive.Associations {
	if len(c.maps) == 0 {
		return archive.EmptyAssociations()
	}

	m := c.maps[0]
	c.maps = c.maps[1:]
	c.metrics.OutstandingHashes.Set(float64(c.Outstanding()))
	return m
}

// getUnassociated pulls batches of up to the inventory limit until empty.
// The tail unit is topped up first when it is still undispatched, so
// header-at-a-time extension does not fragment units into singletons.
// Returns the number of hashes added.
func (c *CheckChaser) getUnassociated(start uint64) int {
	added := 0

	if n := len(c.maps); n > 0 && c.maps[n-1].Size() < c.inventory {
		// Only a pure extension tops up the tail: after a reorganization
		// the outstanding units may cover the popped branch's heights with
		// stale hashes, and the replacement heights must land in fresh
		// units instead.
		tail := c.maps[n-1]
		if top, ok := tail.Top(); ok && top.Height <= start {
			m := c.core.Query.GetUnassociatedAbove(start, c.inventory-tail.Size())
			if !m.Empty() {
				tail.Merge(m)
				top, _ := m.Top()
				start = top.Height
				added += m.Size()
			}
		}
	}

	for {
		m := c.core.Query.GetUnassociatedAbove(start, c.inventory)
		if m.Empty() {
			break
		}

		c.maps = append(c.maps, m)
		top, _ := m.Top()
		start = top.Height
		added += m.Size()
	}

	c.metrics.OutstandingHashes.Set(float64(c.Outstanding()))
	return added
}
