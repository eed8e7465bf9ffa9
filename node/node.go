// Package node assembles the acquisition-and-organization pipeline: the
// archive, the node strand, the event switch, the chasers, the governor and
// the per-channel protocol attachments.
package node

import (
	"context"
	"errors"
	"fmt"

	dbm "github.com/tendermint/tm-db"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/internal/archive"
	"github.com/bitchase/bitchase/internal/chase"
	"github.com/bitchase/bitchase/internal/governor"
	"github.com/bitchase/bitchase/internal/protocol"
	"github.com/bitchase/bitchase/libs/events"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/service"
	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

// Node is the coordination core of the full node. It owns the node strand
// serializing all chaser state; channels attach and detach dynamically.
type Node struct {
	service.BaseService

	cfg    *config.Config
	logger log.Logger

	db     dbm.DB
	query  *archive.KV
	strand *strand.Strand
	bus    *events.Switch
	core   *chase.Core

	organizer  *chase.Organizer
	check      *chase.CheckChaser
	preconfirm *chase.PreconfirmChaser
	confirm    *chase.ConfirmChaser
	gov        *governor.Governor
}

// New creates a node over the database, initializing the archive with the
// genesis block when empty.
func New(logger log.Logger, cfg *config.Config, db dbm.DB,
	genesis *types.Block) (*Node, error) {

	query, err := archive.NewKV(db)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	fs := cfg.Bitcoin.ForkSchedule()
	if err := query.Initialize(genesis, fs); err != nil {
		return nil, fmt.Errorf("initializing archive: %w", err)
	}

	nodeStrand := strand.New(logger, "node")
	bus := events.NewSwitch(nodeStrand)

	n := &Node{
		cfg:    cfg,
		logger: logger,
		db:     db,
		query:  query,
		strand: nodeStrand,
		bus:    bus,
	}
	n.core = chase.NewCore(logger, nodeStrand, bus, query, n.fault)

	metrics := chase.NopMetrics()
	n.organizer, err = chase.NewOrganizer(n.core, cfg, metrics)
	if err != nil {
		return nil, err
	}
	n.check = chase.NewCheckChaser(n.core, cfg, metrics)
	n.preconfirm, err = chase.NewPreconfirmChaser(n.core, cfg, metrics)
	if err != nil {
		return nil, err
	}
	n.confirm = chase.NewConfirmChaser(n.core, cfg, metrics)
	n.gov = governor.New(logger, nodeStrand, cfg.Node)

	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// SetMetrics replaces the chaser metrics provider; call before Start.
func (n *Node) SetMetrics(metrics *chase.Metrics) error {
	var err error
	n.organizer, err = chase.NewOrganizer(n.core, n.cfg, metrics)
	if err != nil {
		return err
	}
	n.check = chase.NewCheckChaser(n.core, n.cfg, metrics)
	n.preconfirm, err = chase.NewPreconfirmChaser(n.core, n.cfg, metrics)
	if err != nil {
		return err
	}
	n.confirm = chase.NewConfirmChaser(n.core, n.cfg, metrics)
	return nil
}

// OnStart starts the chasers on the node strand and fires the start event.
func (n *Node) OnStart(context.Context) error {
	errCh := make(chan error, 1)
	ok := n.strand.Post(func() {
		for _, start := range []func() error{
			n.organizer.Start,
			n.check.Start,
			n.preconfirm.Start,
			n.confirm.Start,
		} {
			if err := start(); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	})
	if !ok {
		return types.ErrServiceStopped
	}

	if err := <-errCh; err != nil {
		return err
	}

	n.bus.Fire(types.ChaseStart, 0)
	return nil
}

// OnStop fires the stop event, closes the core and drains the node strand.
func (n *Node) OnStop() {
	n.bus.Fire(types.ChaseStop, 0)
	n.core.Close()
	n.strand.Stop()
	n.strand.Wait()

	if err := n.db.Close(); err != nil {
		n.logger.Error("error closing archive database", "err", err)
	}
}

// AttachChannel wires the headers-first protocol pair for the channel and
// starts it. Channels below the headers-first version are rejected.
func (n *Node) AttachChannel(ch protocol.Channel) (*protocol.Peer, error) {
	if !n.IsRunning() {
		return nil, types.ErrServiceStopped
	}

	if ch.Version() < protocol.HeadersFirstVersion {
		return nil, errors.New("peer below headers-first version")
	}

	peer, err := protocol.NewPeer(n.logger, ch, n.query, n.organizer,
		n.check, n.gov, n.bus, n.cfg)
	if err != nil {
		return nil, err
	}

	peer.Start()
	return peer, nil
}

// Query exposes the archive, primarily for inspection and tests.
func (n *Node) Query() archive.Query { return n.query }

// EventBus exposes the chase switch.
func (n *Node) EventBus() *events.Switch { return n.bus }

// fault closes the subsystem on a store integrity failure; the process is
// expected to exit.
func (n *Node) fault(err error) {
	n.logger.Error("closing node", "err", err)
	go func() {
		if stopErr := n.Stop(); stopErr != nil &&
			!errors.Is(stopErr, service.ErrAlreadyStopped) {
			n.logger.Error("error stopping node", "err", stopErr)
		}
	}()
}
