package protocol

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/internal/archive"
	"github.com/bitchase/bitchase/internal/chase"
	"github.com/bitchase/bitchase/internal/governor"
	"github.com/bitchase/bitchase/libs/events"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

// BlockIn obtains a hash-range map from the check chaser, requests the
// blocks, validates each on receipt and reports back. It is the
// headers-first variant: a single persistent block subscription per channel
// and never more than one outstanding map.
type BlockIn struct {
	logger  log.Logger
	channel Channel
	strand  *strand.Strand

	query  archive.Query
	check  *chase.CheckChaser
	gov    *governor.Governor
	bus    *events.Switch
	busKey string

	blockType    wire.InvType
	reportPerf   bool
	perfInterval time.Duration
	sendHeaders  bool

	outstanding *archive.Associations

	// Mirror of the outstanding size, readable off-strand by the governor.
	outstandingCount int64

	// Hashes split away to another channel; blocks that still arrive for
	// them are dropped rather than treated as unrequested.
	surrendered map[chainhash.Hash]struct{}

	bytes     uint64
	window    time.Time
	perfTimer *time.Timer

	started bool
}

// NewBlockIn creates the block-in protocol for one channel.
func NewBlockIn(logger log.Logger, ch Channel, s *strand.Strand,
	query archive.Query, check *chase.CheckChaser, gov *governor.Governor,
	bus *events.Switch, cfg *config.Config) *BlockIn {

	blockType := wire.InvTypeBlock
	if cfg.Node.WitnessRelay && ch.Witness() {
		blockType = wire.InvTypeWitnessBlock
	}

	return &BlockIn{
		logger:       logger.With("channel", ch.ID(), "proto", "block_in"),
		channel:      ch,
		strand:       s,
		query:        query,
		check:        check,
		gov:          gov,
		bus:          bus,
		busKey:       fmt.Sprintf("block_in/%d", ch.ID()),
		blockType:    blockType,
		reportPerf:   cfg.Node.ReportPerformance,
		perfInterval: cfg.Node.PerformanceInterval(),
		sendHeaders:  ch.Version() >= cfg.Node.SendHeadersVersion,
		outstanding:  archive.EmptyAssociations(),
		surrendered:  make(map[chainhash.Hash]struct{}),
	}
}

// Start subscribes for chaser events, starts the performance timer and asks
// the check chaser for work.
func (p *BlockIn) Start() {
	p.strand.Post(func() {
		if p.started || p.channel.Stopped() {
			return
		}
		p.started = true

		if p.sendHeaders {
			// Ask the peer to announce with headers rather than invs.
			if err := p.channel.Send(wire.NewMsgSendHeaders()); err != nil {
				p.stop(err)
				return
			}
		}

		p.bus.AddListener(p.busKey, func(event types.Chase, value uint64) {
			// Delivered on the node strand; bounce to the channel strand.
			switch event {
			case types.ChaseDownload:
				p.strand.Post(p.handleDownload)
			case types.ChasePurge:
				p.strand.Post(p.handlePurge)
			}
		})

		if p.reportPerf {
			p.window = time.Now()
			p.schedulePerf()
		}

		p.getHashes()
	})
}

// Receive dispatches an inbound message onto the channel strand.
func (p *BlockIn) Receive(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgBlock:
		p.strand.Post(func() { p.handleBlock(m) })
	case *wire.MsgNotFound:
		// Peers at 31800+ track their own outstanding set; nothing to do.
	}
}

// Stopping returns outstanding work to the check chaser. Invoked on the
// channel strand by the stop subscription.
func (p *BlockIn) Stopping() {
	if p.perfTimer != nil {
		p.perfTimer.Stop()
	}
	p.bus.RemoveListener(p.busKey)

	p.restore(p.outstanding)
	p.outstanding = archive.EmptyAssociations()
	p.syncOutstanding()
}

// IsIdle reports whether the channel holds no outstanding work. Channel
// strand only.
func (p *BlockIn) IsIdle() bool { return p.outstanding.Empty() }

// OutstandingApprox implements governor.Splitter.
func (p *BlockIn) OutstandingApprox() int {
	return int(atomic.LoadInt64(&p.outstandingCount))
}

func (p *BlockIn) syncOutstanding() {
	atomic.StoreInt64(&p.outstandingCount, int64(p.outstanding.Size()))
}

// SplitWork surrenders the tail half of the outstanding map back to the
// check chaser, where an idle channel will pick it up. Invoked by the
// governor from the node strand.
func (p *BlockIn) SplitWork() {
	p.strand.Post(func() {
		if p.channel.Stopped() || p.outstanding.Size() < 2 {
			return
		}

		tail := p.outstanding.SplitTail()
		p.syncOutstanding()
		for _, item := range tail.Items() {
			p.surrendered[item.Hash] = struct{}{}
		}

		p.logger.Debug("work split",
			"kept", p.outstanding.Size(), "given", tail.Size())
		p.restore(tail)
	})
}

// Inbound blocks.

func (p *BlockIn) handleBlock(msg *wire.MsgBlock) {
	if p.channel.Stopped() {
		return
	}

	block := types.NewBlock(msg)
	hash := block.BlockHash()

	if _, ok := p.surrendered[hash]; ok {
		delete(p.surrendered, hash)
		return
	}

	item, ok := p.outstanding.Find(hash)
	if !ok {
		p.logger.Error("unrequested block",
			"hash", hash, "peer", p.channel.Authority())
		p.stop(types.ErrUnknownBlock)
		return
	}

	if err := block.Check(); err != nil {
		p.logger.Error("invalid block (check)",
			"hash", hash, "peer", p.channel.Authority(), "err", err)
		p.stop(err)
		return
	}

	if err := block.CheckContext(item.Context); err != nil {
		p.logger.Error("invalid block (context)",
			"hash", hash, "peer", p.channel.Authority(), "err", err)
		p.stop(err)
		return
	}

	if p.query.SetLinkBlock(block).IsTerminal() {
		p.logger.Error("failure storing block", "hash", hash)
		p.stop(types.ErrStoreIntegrity)
		return
	}

	// Block check accounted for.
	p.outstanding.Erase(hash)
	p.syncOutstanding()
	p.bytes += uint64(block.CachedSize())
	p.bus.Fire(types.ChaseChecked, item.Height)

	// Get more work from the chaser.
	if p.outstanding.Empty() {
		p.logger.Debug("getting more block hashes",
			"peer", p.channel.Authority())
		p.getHashes()
	}
}

// Work acquisition.

func (p *BlockIn) getHashes() {
	p.check.GetHashes(func(m *archive.Associations) {
		// Delivered on the node strand; bounce to the channel strand.
		p.strand.Post(func() { p.handleGetHashes(m) })
	})
}

func (p *BlockIn) handleGetHashes(m *archive.Associations) {
	if p.channel.Stopped() {
		p.restore(m)
		return
	}

	if m.Empty() {
		p.logger.Debug("exhausted block hashes",
			"peer", p.channel.Authority())
		p.gov.Starved(p.channel.ID())
		return
	}

	if !p.outstanding.Empty() {
		// A download raced our own refill; keep both.
		p.outstanding.Merge(m)
	} else {
		p.outstanding = m
	}
	p.syncOutstanding()

	p.sendGetData(m)
}

func (p *BlockIn) handleDownload() {
	if p.channel.Stopped() || !p.started {
		return
	}

	if p.IsIdle() {
		p.getHashes()
	}
}

func (p *BlockIn) handlePurge() {
	if p.channel.Stopped() {
		return
	}

	// All outstanding hashes are stale; drop them and re-request.
	p.outstanding = archive.EmptyAssociations()
	p.syncOutstanding()
	p.surrendered = make(map[chainhash.Hash]struct{})
	p.getHashes()
}

func (p *BlockIn) restore(m *archive.Associations) {
	p.check.PutHashes(m, func(err error) {
		if err != nil && err != types.ErrServiceStopped {
			p.logger.Error("error restoring block hashes", "err", err)
		}
	})
}

func (p *BlockIn) sendGetData(m *archive.Associations) {
	msg := wire.NewMsgGetData()
	for _, item := range m.Items() {
		hash := item.Hash
		_ = msg.AddInvVect(wire.NewInvVect(p.blockType, &hash))
	}

	if err := p.channel.Send(msg); err != nil {
		p.stop(err)
	}
}

// Performance polling.

func (p *BlockIn) schedulePerf() {
	p.perfTimer = time.AfterFunc(p.perfInterval, func() {
		p.strand.Post(p.handlePerfTimer)
	})
}

func (p *BlockIn) handlePerfTimer() {
	if p.channel.Stopped() {
		return
	}

	elapsed := time.Since(p.window).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	rate := float64(p.bytes) / elapsed

	p.logger.Debug("rate", "bytes", p.bytes, "seconds", elapsed, "rate", rate,
		"peer", p.channel.Authority())

	p.bytes = 0
	p.window = time.Now()

	// The channel keeps processing blocks while the governor deliberates;
	// the timer restarts only when the verdict arrives.
	p.gov.Report(p.channel.ID(), rate, p.outstanding.Size(), func(err error) {
		p.strand.Post(func() { p.handlePerformance(err) })
	})
}

func (p *BlockIn) handlePerformance(err error) {
	if p.channel.Stopped() {
		return
	}

	// Stalled or slow channel: the disconnect is the recovery.
	if err != nil {
		p.stop(err)
		return
	}

	p.schedulePerf()
}

func (p *BlockIn) stop(err error) {
	p.logger.Info("stopping channel", "reason", err,
		"peer", p.channel.Authority())
	p.channel.Stop(err)
}
