// Package governor measures per-channel byte rates, signals slow and
// stalled channels for stop, and arbitrates work splitting when channels go
// idle.
package governor

import (
	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/libs/flowrate"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

// Splitter surrenders half of a channel's outstanding work back to the
// check chaser. Implemented by the block-in protocol; invoked from the node
// strand and expected to post to the channel strand itself.
type Splitter interface {
	SplitWork()

	// OutstandingApprox returns a racy but monotonic-enough count of hashes
	// the channel still owes, for victim selection.
	OutstandingApprox() int
}

type channelState struct {
	id          uint64
	meter       *flowrate.Meter
	slowWindows int
	zeroWindows int
	splitter    Splitter
}

// Governor holds the per-channel rate registry on the node strand.
type Governor struct {
	logger log.Logger
	strand *strand.Strand
	cfg    *config.NodeConfig

	channels map[uint64]*channelState
}

// New creates a governor dispatching on the node strand.
func New(logger log.Logger, s *strand.Strand, cfg *config.NodeConfig) *Governor {
	return &Governor{
		logger:   logger,
		strand:   s,
		cfg:      cfg,
		channels: make(map[uint64]*channelState),
	}
}

// Register adds a channel to the registry.
func (g *Governor) Register(id uint64, splitter Splitter) {
	g.strand.Post(func() {
		g.channels[id] = &channelState{
			id:       id,
			meter:    flowrate.NewMeter(g.cfg.RateAlpha),
			splitter: splitter,
		}
	})
}

// Unregister removes a channel from the registry.
func (g *Governor) Unregister(id uint64) {
	g.strand.Post(func() {
		delete(g.channels, id)
	})
}

// Report folds a measured rate (bytes per second over the last window) into
// the channel's moving average and calls back with a verdict: nil,
// ErrSlowChannel or ErrStalledChannel. The verdict is delivered on the node
// strand; the caller posts to its own strand.
func (g *Governor) Report(id uint64, rate float64, outstanding int,
	verdict func(error)) {

	if !g.strand.Post(func() {
		verdict(g.doReport(id, rate, outstanding))
	}) {
		verdict(types.ErrServiceStopped)
	}
}

func (g *Governor) doReport(id uint64, rate float64, outstanding int) error {
	st, ok := g.channels[id]
	if !ok {
		return nil
	}

	smoothed := st.meter.Update(rate)
	g.logger.Debug("channel rate",
		"channel", id, "rate", rate, "smoothed", smoothed,
		"outstanding", outstanding)

	// Rates only count against a channel that owes us work.
	if outstanding == 0 {
		st.zeroWindows = 0
		st.slowWindows = 0
		return nil
	}

	if rate == 0 {
		st.zeroWindows++
	} else {
		st.zeroWindows = 0
	}
	if st.zeroWindows >= g.cfg.StallWindows {
		return types.ErrStalledChannel
	}

	if smoothed < g.cfg.MinimumByteRate {
		st.slowWindows++
	} else {
		st.slowWindows = 0
	}
	if st.slowWindows >= g.cfg.SlowWindows {
		return types.ErrSlowChannel
	}

	return nil
}

// Starved reports an idle channel looking for work. With enough registered
// peers the governor picks the weakest loaded channel and asks it to split
// half of its outstanding map to the check chaser, where the starved
// channel will pick it up.
func (g *Governor) Starved(id uint64) {
	g.strand.Post(func() { g.doStarved(id) })
}

func (g *Governor) doStarved(id uint64) {
	if len(g.channels) < g.cfg.MinimumForStallDivide {
		return
	}

	var victim *channelState
	for _, st := range g.channels {
		if st.id == id || st.splitter.OutstandingApprox() < 2 {
			continue
		}
		if victim == nil || st.meter.Rate() < victim.meter.Rate() {
			victim = st
		}
	}

	if victim == nil {
		return
	}

	g.logger.Debug("splitting channel work",
		"victim", victim.id, "starved", id,
		"outstanding", victim.splitter.OutstandingApprox())
	victim.splitter.SplitWork()
}
