// Package chase implements the single-threaded chaser state machines that
// cache, order, reorganize and promote entries through the stages
// header -> checked -> preconfirmable -> confirmable. All chaser state is
// confined to the shared node strand; channels communicate with chasers
// exclusively through posted messages and the event switch.
package chase

import (
	"sync/atomic"

	"github.com/bitchase/bitchase/internal/archive"
	"github.com/bitchase/bitchase/libs/events"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

// Core bundles the resources every chaser shares: the node strand, the
// event switch, the archive and the subsystem fault path.
type Core struct {
	Logger log.Logger
	Strand *strand.Strand
	Bus    *events.Switch
	Query  archive.Query

	closed  uint32 // atomic
	faultFn func(error)
}

// NewCore creates the shared chaser context. The fault function is invoked
// at most once, on the node strand, when a store integrity failure closes
// the subsystem.
func NewCore(logger log.Logger, s *strand.Strand, bus *events.Switch,
	query archive.Query, faultFn func(error)) *Core {

	return &Core{
		Logger:  logger,
		Strand:  s,
		Bus:     bus,
		Query:   query,
		faultFn: faultFn,
	}
}

// Closed reports whether the subsystem has been closed.
func (c *Core) Closed() bool { return atomic.LoadUint32(&c.closed) == 1 }

// Close marks the subsystem closed without faulting.
func (c *Core) Close() { atomic.StoreUint32(&c.closed, 1) }

// Fault closes the subsystem with the given error. In-flight handlers
// observe Closed and short-circuit with a service-stopped reply.
func (c *Core) Fault(err error) {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}

	c.Logger.Error("subsystem fault", "err", err)
	if c.faultFn != nil {
		c.faultFn(err)
	}
}

// Notify publishes a chase event. Publications after close are dropped.
func (c *Core) Notify(event types.Chase, value uint64) {
	if c.Closed() {
		return
	}
	c.Bus.Fire(event, value)
}
