package chase

import (
	"errors"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/types"
)

// PreconfirmChaser advances the in-order validated height by running
// accept and connect on each newly-associated candidate block above it.
// Checked events arrive out of order; the bump routine advances strictly in
// order.
type PreconfirmChaser struct {
	core *Core

	subsidyInterval uint64
	initialSubsidy  int64
	bypassHeight    uint64

	validated uint64

	metrics *Metrics
}

// NewPreconfirmChaser creates the preconfirm chaser.
func NewPreconfirmChaser(core *Core, cfg *config.Config, metrics *Metrics) (*PreconfirmChaser, error) {
	checkpoints, err := cfg.Bitcoin.CheckpointList()
	if err != nil {
		return nil, err
	}

	// The bypass window covers the locked-in early chain: everything at or
	// under the milestone and the top checkpoint.
	var bypass uint64
	if milestone, ok := cfg.Bitcoin.Milestone(); ok {
		bypass = milestone.Height
	}
	for _, cp := range checkpoints {
		if cp.Height > bypass {
			bypass = cp.Height
		}
	}

	return &PreconfirmChaser{
		core:            core,
		subsidyInterval: cfg.Bitcoin.SubsidyIntervalBlocks,
		initialSubsidy:  cfg.Bitcoin.InitialSubsidy,
		bypassHeight:    bypass,
		metrics:         metrics,
	}, nil
}

// Start initializes the validated height from the fork point and
// subscribes. Must be called on the node strand.
func (p *PreconfirmChaser) Start() error {
	p.validated = p.core.Query.GetFork()

	p.core.Bus.AddListener("preconfirm", func(event types.Chase, value uint64) {
		// These come out of order; advance in order.
		switch event {
		case types.ChaseStart, types.ChaseBump:
			p.doBump()
		case types.ChaseChecked:
			p.doChecked(value)
		case types.ChaseRegressed:
			p.doRegressed(value)
		case types.ChaseDisorganized:
			p.doDisorganized(value)
		}
	})

	return nil
}

// Validated returns the validated height. Node strand only.
func (p *PreconfirmChaser) Validated() uint64 { return p.validated }

func (p *PreconfirmChaser) doRegressed(branchPoint uint64) {
	// A branch point at or above the last validated height changes nothing.
	if branchPoint < p.validated {
		p.validated = branchPoint
	}
	p.doBump()
}

func (p *PreconfirmChaser) doDisorganized(top uint64) {
	// The candidate chain was fully reverted to the confirmed top.
	p.validated = top
	p.doBump()
}

func (p *PreconfirmChaser) doChecked(height uint64) {
	// A candidate block was checked and archived at the given height.
	if height == p.validated+1 {
		p.doBump()
	}
}

func (p *PreconfirmChaser) doBump() {
	query := p.core.Query

	// Validate checked blocks starting immediately after the last
	// validated.
	for height := p.validated + 1; !p.core.Closed(); height++ {
		link := query.ToCandidate(height)
		if !query.IsAssociated(link) {
			// A malleated store reads as unassociated; surface it so a
			// distinct re-download can supersede the stored form.
			if !link.IsTerminal() && query.IsMalleable(link) {
				p.core.Notify(types.ChaseMalleated, uint64(link))
			}
			return
		}

		if err := p.validate(link, height); err != nil {
			if types.IsAdvanceable(err) {
				p.advance(height)
				continue
			}

			if errors.Is(err, types.ErrStoreIntegrity) {
				p.core.Fault(types.ErrStoreIntegrity)
				return
			}

			if query.IsMalleable(link) {
				// Await a distinct re-download before advancing.
				p.core.Notify(types.ChaseMalleated, uint64(link))
			} else {
				if !errors.Is(err, types.ErrBlockUnconfirmable) &&
					!query.SetBlockUnconfirmable(link) {
					p.core.Fault(types.ErrStoreIntegrity)
					return
				}
				p.core.Notify(types.ChaseUnpreconfirmable, uint64(link))
			}

			p.core.Logger.Error("unpreconfirmed block",
				"height", height, "err", err)
			return
		}

		// Commit validation metadata. Tx states are tracked independently
		// of the block state.
		if !query.SetTxsConnected(link) || !query.SetBlockPreconfirmable(link) {
			p.core.Fault(types.ErrStoreIntegrity)
			return
		}

		p.advance(height)
	}
}

func (p *PreconfirmChaser) advance(height uint64) {
	p.validated = height
	p.metrics.TopValidated.Set(float64(height))
	p.core.Notify(types.ChasePreconfirmable, height)
}

func (p *PreconfirmChaser) validate(link types.Link, height uint64) error {
	query := p.core.Query

	if height <= p.bypassHeight && !query.IsMalleable(link) {
		return types.ErrValidationBypass
	}

	if err := query.GetBlockState(link); err != nil &&
		(errors.Is(err, types.ErrBlockConfirmable) ||
			errors.Is(err, types.ErrBlockUnconfirmable) ||
			errors.Is(err, types.ErrBlockPreconfirmable)) {
		return err
	}

	block := query.GetBlock(link)
	ctx, ok := query.GetContext(link)
	if block == nil || !ok {
		return types.ErrStoreIntegrity
	}

	if !query.Populate(block) {
		return types.ErrMissingPreviousOutput
	}

	if err := block.Accept(ctx, p.subsidyInterval, p.initialSubsidy); err != nil {
		return err
	}

	return block.Connect(ctx)
}
