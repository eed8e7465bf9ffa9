package chase

import (
	"errors"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/types"
)

// ConfirmChaser advances the in-order confirmed height by finalizing blocks
// already marked preconfirmable, promoting the candidate prefix to the
// confirmed chain. Invariant: confirmed <= validated <= top candidate.
type ConfirmChaser struct {
	core *Core

	confirmed uint64

	metrics  *Metrics
	progress *Progress
}

// NewConfirmChaser creates the confirm chaser.
func NewConfirmChaser(core *Core, _ *config.Config, metrics *Metrics) *ConfirmChaser {
	return &ConfirmChaser{
		core:     core,
		metrics:  metrics,
		progress: NewProgress(core.Logger),
	}
}

// Start initializes the confirmed height and subscribes. Must be called on
// the node strand.
func (c *ConfirmChaser) Start() error {
	c.confirmed = c.core.Query.GetTopConfirmed()

	c.core.Bus.AddListener("confirm", func(event types.Chase, value uint64) {
		switch event {
		case types.ChaseStart, types.ChaseBump:
			c.doBump()
		case types.ChasePreconfirmable:
			if value == c.confirmed+1 {
				c.doBump()
			}
		case types.ChaseDisorganized:
			// The candidate chain was reset to the confirmed top; nothing
			// above it survives.
			c.confirmed = value
		}
	})

	return nil
}

// Confirmed returns the confirmed height. Node strand only.
func (c *ConfirmChaser) Confirmed() uint64 { return c.confirmed }

func (c *ConfirmChaser) doBump() {
	query := c.core.Query

	for height := c.confirmed + 1; !c.core.Closed(); height++ {
		link := query.ToCandidate(height)
		if link.IsTerminal() {
			return
		}

		state := query.GetBlockState(link)
		switch {
		case errors.Is(state, types.ErrBlockUnconfirmable):
			c.core.Notify(types.ChaseUnconfirmable, uint64(link))
			return

		case errors.Is(state, types.ErrBlockConfirmable),
			errors.Is(state, types.ErrBlockPreconfirmable):
			// Preconfirmed and ready to finalize.

		default:
			// Not yet validated in order; await the next preconfirmable.
			return
		}

		if err := c.finalize(link); err != nil {
			if errors.Is(err, types.ErrStoreIntegrity) {
				c.core.Fault(types.ErrStoreIntegrity)
				return
			}

			if !query.SetBlockUnconfirmable(link) {
				c.core.Fault(types.ErrStoreIntegrity)
				return
			}

			c.core.Logger.Error("unconfirmed block", "height", height, "err", err)
			c.core.Notify(types.ChaseUnconfirmable, uint64(link))
			return
		}

		if !query.SetBlockConfirmable(link) || !query.PushConfirmed(link) {
			c.core.Fault(types.ErrStoreIntegrity)
			return
		}

		c.confirmed = height
		c.metrics.TopConfirmed.Set(float64(height))

		block := query.GetBlock(link)
		txs := 0
		if block != nil {
			txs = block.TxCount()
		}
		c.progress.Block(height, txs, query.Size())

		c.core.Notify(types.ChaseConfirmable, height)
	}
}

// finalize runs the deferred consensus-finalization steps: the stored form
// must still be present, unmalleated and spendable against the archived
// transaction index.
func (c *ConfirmChaser) finalize(link types.Link) error {
	query := c.core.Query

	if query.IsMalleable(link) {
		return types.ErrBlockUnconfirmable
	}

	block := query.GetBlock(link)
	if block == nil {
		return types.ErrStoreIntegrity
	}

	// Double-spend and deferred script checks resolve against previous
	// outputs; a population failure here means neither the archived
	// transaction index nor an earlier transaction of the block supplies
	// them.
	if !query.Populate(block) {
		return types.ErrBlockUnconfirmable
	}

	return nil
}
