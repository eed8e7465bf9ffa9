package chase_test

import (
	"sync"
	"testing"
	"time"

	dbm "github.com/tendermint/tm-db"

	"github.com/stretchr/testify/require"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/internal/archive"
	"github.com/bitchase/bitchase/internal/chase"
	"github.com/bitchase/bitchase/internal/test/factory"
	"github.com/bitchase/bitchase/libs/events"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

// env carries one assembled chaser test bed.
type env struct {
	t       *testing.T
	cfg     *config.Config
	query   *archive.KV
	strand  *strand.Strand
	bus     *events.Switch
	core    *chase.Core
	genesis *types.Block

	mtx    sync.Mutex
	events []recordedEvent
	faults []error
}

type recordedEvent struct {
	event types.Chase
	value uint64
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()

	if cfg == nil {
		cfg = factory.TestConfig()
	}

	kv, err := archive.NewKV(dbm.NewMemDB())
	require.NoError(t, err)

	genesis := factory.Genesis()
	require.NoError(t, kv.Initialize(genesis, cfg.Bitcoin.ForkSchedule()))

	s := strand.New(log.TestingLogger(t), "node")
	bus := events.NewSwitch(s)

	e := &env{
		t:       t,
		cfg:     cfg,
		query:   kv,
		strand:  s,
		bus:     bus,
		genesis: genesis,
	}
	e.core = chase.NewCore(log.TestingLogger(t), s, bus, kv, func(err error) {
		e.mtx.Lock()
		e.faults = append(e.faults, err)
		e.mtx.Unlock()
	})

	bus.AddListener("test-recorder", func(event types.Chase, value uint64) {
		e.mtx.Lock()
		e.events = append(e.events, recordedEvent{event, value})
		e.mtx.Unlock()
	})

	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})

	return e
}

// run executes f on the node strand and waits for it.
func (e *env) run(f func()) {
	e.t.Helper()
	done := make(chan struct{})
	require.True(e.t, e.strand.Post(func() {
		defer close(done)
		f()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.t.Fatal("strand stalled")
	}
}

// settle waits until all previously posted strand work has drained.
func (e *env) settle() { e.run(func() {}) }

func (e *env) recorded(event types.Chase) []uint64 {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	var out []uint64
	for _, rec := range e.events {
		if rec.event == event {
			out = append(out, rec.value)
		}
	}
	return out
}

func (e *env) faulted() bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return len(e.faults) > 0
}

// organize pushes one header through the organizer synchronously.
func organize(e *env, o *chase.Organizer, header *types.Header) (error, uint64) {
	var gotErr error
	var gotHeight uint64
	done := make(chan struct{})

	o.Organize(header, func(err error, height uint64) {
		gotErr = err
		gotHeight = height
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.t.Fatal("organize stalled")
	}
	e.settle()
	return gotErr, gotHeight
}

func newOrganizer(e *env) *chase.Organizer {
	e.t.Helper()

	o, err := chase.NewOrganizer(e.core, e.cfg, chase.NopMetrics())
	require.NoError(e.t, err)
	e.run(func() { require.NoError(e.t, o.Start()) })
	return o
}

// associate stores block bodies for the given candidate blocks.
func associate(e *env, blocks ...*types.Block) {
	for _, b := range blocks {
		require.False(e.t, e.query.SetLinkBlock(b).IsTerminal())
	}
}
