package protocol

import (
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/internal/archive"
	"github.com/bitchase/bitchase/internal/chase"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

// HeaderIn solicits headers from one peer and feeds them to the organizer.
// Header sync is always from the candidate chain; the protocol rolls its
// own chain state forward so continuity and contextual checks never touch
// the store.
type HeaderIn struct {
	logger  log.Logger
	channel Channel
	strand  *strand.Strand

	query     archive.Query
	organizer *chase.Organizer

	fs             types.ForkSchedule
	powLimit       *big.Int
	timestampLimit time.Duration
	checkpoints    []config.Checkpoint
	maxAdvertised  int

	state      *types.ChainState
	advertised int
	started    bool
}

// NewHeaderIn creates the header-in protocol for one channel. The strand is
// the channel strand shared with the block-in protocol.
func NewHeaderIn(logger log.Logger, ch Channel, s *strand.Strand,
	query archive.Query, organizer *chase.Organizer,
	cfg *config.Config) (*HeaderIn, error) {

	checkpoints, err := cfg.Bitcoin.CheckpointList()
	if err != nil {
		return nil, err
	}

	return &HeaderIn{
		logger:         logger.With("channel", ch.ID(), "proto", "header_in"),
		channel:        ch,
		strand:         s,
		query:          query,
		organizer:      organizer,
		fs:             cfg.Bitcoin.ForkSchedule(),
		powLimit:       cfg.Bitcoin.PowLimit(),
		timestampLimit: cfg.Bitcoin.TimestampLimit(),
		checkpoints:    checkpoints,
		maxAdvertised:  cfg.Node.MaximumAdvertisement,
	}, nil
}

// Start loads the candidate-top chain state and sends the initial
// getheaders.
func (p *HeaderIn) Start() {
	p.strand.Post(func() {
		if p.started || p.channel.Stopped() {
			return
		}
		p.started = true

		p.state = p.query.GetCandidateChainState(p.fs, p.query.GetTopCandidate())
		if p.state == nil {
			p.stop(types.ErrStoreIntegrity)
			return
		}

		p.sendGetHeaders(p.createLocator())
	})
}

// Receive dispatches an inbound message onto the channel strand.
func (p *HeaderIn) Receive(msg wire.Message) {
	if headers, ok := msg.(*wire.MsgHeaders); ok {
		p.strand.Post(func() { p.handleHeaders(headers) })
	}
}

func (p *HeaderIn) handleHeaders(msg *wire.MsgHeaders) {
	if p.channel.Stopped() {
		return
	}

	p.logger.Debug("headers received", "count", len(msg.Headers),
		"peer", p.channel.Authority())

	for _, bh := range msg.Headers {
		if p.channel.Stopped() {
			return
		}

		header := types.NewHeader(*bh)
		hash := header.Hash()

		if header.PrevHash() != p.state.Hash() {
			// Out of order or an unsolicited announcement. Tolerate a few
			// before treating the channel as broken.
			p.advertised++
			if p.advertised < p.maxAdvertised {
				p.logger.Debug("orphan header",
					"hash", hash, "peer", p.channel.Authority())
				return
			}

			p.stop(types.ErrProtocolViolation)
			return
		}

		if err := header.Check(p.timestampLimit, p.powLimit); err != nil {
			p.logger.Error("invalid header (check)",
				"hash", hash, "peer", p.channel.Authority(), "err", err)
			p.stop(types.ErrProtocolViolation)
			return
		}

		// Checkpoints are chain, not header validation.
		if config.IsCheckpointConflict(p.checkpoints, hash, p.state.Height()+1) {
			p.logger.Error("invalid header (checkpoint)",
				"hash", hash, "peer", p.channel.Authority())
			p.stop(types.ErrProtocolViolation)
			return
		}

		// Rolling forward the chain state eliminates store cost.
		p.state = p.state.Roll(header, p.fs)

		if err := header.Accept(p.state.Context()); err != nil {
			p.logger.Error("invalid header (accept)",
				"hash", hash, "peer", p.channel.Authority(), "err", err)
			p.stop(types.ErrProtocolViolation)
			return
		}

		p.organizer.Organize(header, p.handleOrganize)
	}

	// The protocol presumes a maximal response unless complete.
	if len(msg.Headers) == wire.MaxBlockHeadersPerMsg {
		last := msg.Headers[len(msg.Headers)-1].BlockHash()
		p.sendGetHeaders([]chainhash.Hash{last})
	} else {
		p.complete()
	}
}

// handleOrganize observes organization results on the node strand. A
// duplicate is benign; anything else from a header this protocol validated
// indicates a store or subsystem failure, not a peer failure.
func (p *HeaderIn) handleOrganize(err error, height uint64) {
	switch {
	case err == nil, errors.Is(err, types.ErrDuplicateHeader):
	case errors.Is(err, types.ErrServiceStopped):
	default:
		p.logger.Error("header organization failed", "height", height, "err", err)
		p.stop(err)
	}
}

// This could be the end of a catch-up sequence or a singleton announcement;
// either way it signals peer completeness.
func (p *HeaderIn) complete() {
	p.logger.Info("headers complete",
		"peer", p.channel.Authority(), "height", p.state.Height())
}

func (p *HeaderIn) createLocator() []chainhash.Hash {
	return p.query.GetCandidateHashes(locatorHeights(p.query.GetTopCandidate()))
}

func (p *HeaderIn) sendGetHeaders(locator []chainhash.Hash) {
	if len(locator) != 0 {
		p.logger.Debug("requesting headers",
			"after", locator[0], "peer", p.channel.Authority())
	}

	// The stop hash is always zero; no locator-termination policy is
	// defined.
	msg := &wire.MsgGetHeaders{ProtocolVersion: p.channel.Version()}
	for i := range locator {
		hash := locator[i]
		msg.BlockLocatorHashes = append(msg.BlockLocatorHashes, &hash)
	}

	if err := p.channel.Send(msg); err != nil {
		p.stop(err)
	}
}

func (p *HeaderIn) stop(err error) {
	p.logger.Info("stopping channel", "reason", err,
		"peer", p.channel.Authority())
	p.channel.Stop(err)
}

// locatorHeights returns the block locator heights for the top: dense for
// the most recent ten, then doubling gaps back to genesis.
func locatorHeights(top uint64) []uint64 {
	var heights []uint64
	step := uint64(1)

	for height := top; ; {
		heights = append(heights, height)
		if height == 0 {
			break
		}

		if len(heights) >= 10 {
			step *= 2
		}
		if height < step {
			height = 0
		} else {
			height -= step
		}
	}

	return heights
}
