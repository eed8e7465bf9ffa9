package chase

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/types"
)

// treeNode pairs a cached header with its rolled chain state. Every entry's
// previous hash resolves either to another tree entry or to an archive
// header; there is exactly one owner per header at a time.
type treeNode struct {
	header *types.Header
	state  *types.ChainState
}

// Organizer accepts headers, places them in the tree or promotes them onto
// the candidate chain, and reorganizes the candidate chain when a competing
// branch gains strictly more work. It also owns the disorganize path driven
// by validation failures downstream.
type Organizer struct {
	core *Core

	fs             types.ForkSchedule
	powLimit       *big.Int
	timestampLimit time.Duration
	minimumWork    *big.Int
	milestone      config.Checkpoint
	useMilestone   bool
	checkpoints    []config.Checkpoint
	currencyWindow time.Duration
	useCurrency    bool

	tree     map[chainhash.Hash]treeNode
	topState *types.ChainState

	metrics  *Metrics
	progress *Progress
}

// NewOrganizer creates the header organizer.
func NewOrganizer(core *Core, cfg *config.Config, metrics *Metrics) (*Organizer, error) {
	minWork, err := cfg.Bitcoin.MinWork()
	if err != nil {
		return nil, err
	}
	checkpoints, err := cfg.Bitcoin.CheckpointList()
	if err != nil {
		return nil, err
	}
	milestone, useMilestone := cfg.Bitcoin.Milestone()

	return &Organizer{
		core:            core,
		fs:              cfg.Bitcoin.ForkSchedule(),
		powLimit:        cfg.Bitcoin.PowLimit(),
		timestampLimit:  cfg.Bitcoin.TimestampLimit(),
		minimumWork:     minWork,
		milestone:       milestone,
		useMilestone:    useMilestone,
		checkpoints:     checkpoints,
		currencyWindow:  cfg.Node.CurrencyWindow(),
		useCurrency:     cfg.Node.UseCurrencyWindow(),
		tree:            make(map[chainhash.Hash]treeNode),
		metrics:         metrics,
		progress:        NewProgress(core.Logger),
	}, nil
}

// Start initializes the hot top-candidate snapshot and subscribes to the
// disorganize triggers. Must be called before any organize.
func (o *Organizer) Start() error {
	query := o.core.Query

	// Spans the full candidate chain to obtain cumulative work; this start
	// scan runs once.
	o.topState = query.GetCandidateChainState(o.fs, query.GetTopCandidate())
	if o.topState == nil {
		return types.ErrStoreIntegrity
	}

	o.core.Bus.AddListener("organizer", func(event types.Chase, value uint64) {
		switch event {
		case types.ChaseUnchecked, types.ChaseUnpreconfirmable,
			types.ChaseUnconfirmable:
			o.doDisorganize(types.Link(value))
		case types.ChaseStop:
			o.tree = make(map[chainhash.Hash]treeNode)
		}
	})

	return nil
}

// TopState returns the cached top-candidate snapshot, for protocol startup.
// Must be read on the node strand.
func (o *Organizer) TopState() *types.ChainState { return o.topState }

// TreeSize returns the number of cached weak-branch headers.
func (o *Organizer) TreeSize() int { return len(o.tree) }

// ForkSchedule exposes the opaque flag/version schedule.
func (o *Organizer) ForkSchedule() types.ForkSchedule { return o.fs }

// Organize accepts a header on the node strand and replies on it. The
// handler receives the computed height alongside any error.
func (o *Organizer) Organize(header *types.Header, handler func(error, uint64)) {
	if !o.core.Strand.Post(func() { o.doOrganize(header, handler) }) {
		handler(types.ErrServiceStopped, 0)
	}
}

func (o *Organizer) doOrganize(header *types.Header, handler func(error, uint64)) {
	query := o.core.Query
	hash := header.Hash()

	// Skip existing/orphan, get state.

	if o.core.Closed() {
		handler(types.ErrServiceStopped, 0)
		return
	}

	if _, ok := o.tree[hash]; ok || query.IsHeader(hash) {
		handler(types.ErrDuplicateHeader, 0)
		return
	}

	parent := o.getChainState(header.PrevHash())
	if parent == nil {
		handler(types.ErrOrphanHeader, 0)
		return
	}

	// Roll chain state forward from previous to current header.
	state := parent.Roll(header, o.fs)
	height := state.Height()
	o.logTransitions(parent, state)

	// Validate header. Header validations are not bypassed when under
	// checkpoint or milestone.

	if config.IsCheckpointConflict(o.checkpoints, hash, height) {
		handler(&types.HeightError{Err: types.ErrCheckpointConflict, Height: height}, height)
		return
	}

	if err := header.Check(o.timestampLimit, o.powLimit); err != nil {
		handler(&types.HeightError{Err: err, Height: height}, height)
		return
	}

	if err := header.Accept(state.Context()); err != nil {
		handler(&types.HeightError{Err: err, Height: height}, height)
		return
	}

	// A checkpointed or milestoned branch always gets disk stored.
	// Otherwise the branch must be both current and of sufficient chain
	// work to be stored.
	if !config.IsUnderCheckpoint(o.checkpoints, height) &&
		!o.isMilestone(hash, height) &&
		!(o.isCurrent(header) && state.CumulativeWork().Cmp(o.minimumWork) >= 0) {

		o.cache(header, state)
		handler(nil, height)
		return
	}

	// Compute relative work.

	work, point, treeBranch, storeBranch, ok := o.getBranchWork(header)
	if !ok {
		handler(&types.HeightError{Err: types.ErrStoreIntegrity, Height: height}, height)
		return
	}

	strong, ok := o.getIsStrong(work, point)
	if !ok {
		handler(&types.HeightError{Err: types.ErrStoreIntegrity, Height: height}, height)
		return
	}

	if !strong {
		// Header is the new top of a current weak branch.
		o.cache(header, state)
		handler(nil, height)
		return
	}

	// Reorganize the candidate chain.

	top := o.topState.Height()
	if top < point {
		o.core.Fault(types.ErrStoreIntegrity)
		handler(types.ErrStoreIntegrity, height)
		return
	}
	regressed := top > point

	// Pop down to the branch point.
	for h := top; h > point; h-- {
		if !query.PopCandidate() {
			o.core.Fault(types.ErrStoreIntegrity)
			handler(types.ErrStoreIntegrity, height)
			return
		}
	}

	// Push stored strong headers to the candidate chain.
	for i := len(storeBranch) - 1; i >= 0; i-- {
		if !query.PushCandidate(storeBranch[i]) {
			o.core.Fault(types.ErrStoreIntegrity)
			handler(types.ErrStoreIntegrity, height)
			return
		}
	}

	// Store strong tree headers and push to the candidate chain.
	for i := len(treeBranch) - 1; i >= 0; i-- {
		if !o.pushTree(treeBranch[i]) {
			o.core.Fault(types.ErrStoreIntegrity)
			handler(types.ErrStoreIntegrity, height)
			return
		}
	}

	// Push the new header as the top of the candidate chain.
	if o.push(header, state.Context()).IsTerminal() {
		o.core.Fault(types.ErrStoreIntegrity)
		handler(types.ErrStoreIntegrity, height)
		return
	}

	o.topState = state
	o.metrics.TopCandidate.Set(float64(height))
	o.metrics.TreeSize.Set(float64(len(o.tree)))
	o.progress.Header(height, query.Size())

	if regressed {
		o.core.Notify(types.ChaseRegressed, point)
	}
	o.core.Notify(types.ChaseHeader, point)
	handler(nil, height)
}

// getChainState resolves the parent state: the hot top snapshot first, then
// the tree, then re-derivation from the archive (the expensive path,
// acceptable only on branch formation).
func (o *Organizer) getChainState(hash chainhash.Hash) *types.ChainState {
	if o.topState == nil {
		return nil
	}

	if o.topState.Hash() == hash {
		return o.topState
	}

	if node, ok := o.tree[hash]; ok {
		return node.state
	}

	query := o.core.Query
	if height, ok := query.GetHeight(query.ToHeader(hash)); ok {
		return query.GetCandidateChainState(o.fs, height)
	}

	return nil
}

func (o *Organizer) isMilestone(hash chainhash.Hash, height uint64) bool {
	return o.useMilestone && o.milestone.Height == height &&
		o.milestone.Hash == hash
}

func (o *Organizer) isCurrent(header *types.Header) bool {
	if !o.useCurrency {
		return true
	}
	return header.Timestamp.After(time.Now().Add(-o.currencyWindow))
}

// getBranchWork walks from the new header's parent back through the tree,
// then through the archive until a candidate ancestor is reached, summing
// proof. The branch point is the height of that candidate ancestor.
func (o *Organizer) getBranchWork(header *types.Header) (*big.Int, uint64,
	[]chainhash.Hash, []types.Link, bool) {

	query := o.core.Query
	work := header.Proof()
	previous := header.PrevHash()

	var treeBranch []chainhash.Hash
	for {
		node, ok := o.tree[previous]
		if !ok {
			break
		}
		treeBranch = append(treeBranch, node.header.Hash())
		work.Add(work, node.header.Proof())
		previous = node.header.PrevHash()
	}

	var storeBranch []types.Link
	link := query.ToHeader(previous)
	for !query.IsCandidateHeader(link) {
		bits, ok := query.GetBits(link)
		if link.IsTerminal() || !ok {
			return nil, 0, nil, nil, false
		}
		storeBranch = append(storeBranch, link)
		work.Add(work, blockchain.CalcWork(bits))
		link = query.ToParent(link)
	}

	point, ok := query.GetHeight(link)
	return work, point, treeBranch, storeBranch, ok
}

// getIsStrong accumulates candidate work from the top down toward the
// branch point; the branch is strong iff it strictly exceeds the incumbent.
// The tie goes to the incumbent.
func (o *Organizer) getIsStrong(work *big.Int, point uint64) (bool, bool) {
	query := o.core.Query
	candidateWork := new(big.Int)

	for height := query.GetTopCandidate(); height > point; height-- {
		bits, ok := query.GetBits(query.ToCandidate(height))
		if !ok {
			return false, false
		}

		candidateWork.Add(candidateWork, blockchain.CalcWork(bits))
		if candidateWork.Cmp(work) >= 0 {
			return false, true
		}
	}

	return true, true
}

func (o *Organizer) cache(header *types.Header, state *types.ChainState) {
	o.tree[header.Hash()] = treeNode{header: header, state: state}
	o.metrics.TreeSize.Set(float64(len(o.tree)))
}

func (o *Organizer) push(header *types.Header, ctx types.Context) types.Link {
	query := o.core.Query
	link := query.SetLinkHeader(header, ctx)
	if link.IsTerminal() || !query.PushCandidate(link) {
		return types.LinkTerminal
	}
	return link
}

func (o *Organizer) pushTree(key chainhash.Hash) bool {
	node, ok := o.tree[key]
	if !ok {
		return false
	}
	delete(o.tree, key)

	return !o.push(node.header, node.state.Context()).IsTerminal()
}

func (o *Organizer) logTransitions(parent, state *types.ChainState) {
	if parent.Flags() != state.Flags() {
		o.core.Logger.Info("fork flag transition",
			"height", state.Height(),
			"from", parent.Flags(), "to", state.Flags())
	}
	if parent.MinimumBlockVersion() != state.MinimumBlockVersion() {
		o.core.Logger.Info("minimum block version transition",
			"height", state.Height(),
			"from", parent.MinimumBlockVersion(),
			"to", state.MinimumBlockVersion())
	}
}

// Disorganize path: triggered by an unchecked / unpreconfirmable /
// unconfirmable event carrying the offending header link. Pops the
// candidate chain to the fork point, marking the offender and everything
// above it unconfirmable and returning the still-valid suffix to the tree,
// then restores the confirmed suffix and republishes the top.
func (o *Organizer) doDisorganize(offender types.Link) {
	if o.core.Closed() {
		return
	}

	query := o.core.Query
	height, ok := query.GetHeight(offender)
	if !ok {
		o.core.Fault(types.ErrStoreIntegrity)
		return
	}

	fork := query.GetFork()
	for h := query.GetTopCandidate(); h > fork; h-- {
		link := query.ToCandidate(h)
		if h >= height {
			if !query.SetBlockUnconfirmable(link) {
				o.core.Fault(types.ErrStoreIntegrity)
				return
			}
		} else if hdr := query.GetHeader(link); hdr != nil {
			if state := query.GetCandidateChainState(o.fs, h); state != nil {
				o.tree[hdr.Hash()] = treeNode{header: hdr, state: state}
			}
		}

		if !query.PopCandidate() {
			o.core.Fault(types.ErrStoreIntegrity)
			return
		}
	}

	// Push the confirmed suffix back onto the candidate chain.
	for h := fork + 1; h <= query.GetTopConfirmed(); h++ {
		if !query.PushCandidate(query.ToConfirmed(h)) {
			o.core.Fault(types.ErrStoreIntegrity)
			return
		}
	}

	o.topState = query.GetCandidateChainState(o.fs, query.GetTopCandidate())
	if o.topState == nil {
		o.core.Fault(types.ErrStoreIntegrity)
		return
	}

	top := query.GetTopConfirmed()
	o.metrics.TopCandidate.Set(float64(query.GetTopCandidate()))
	o.metrics.TreeSize.Set(float64(len(o.tree)))
	o.core.Logger.Info("disorganized candidate chain",
		"offender_height", height, "top", top)
	o.core.Notify(types.ChaseDisorganized, top)
}
