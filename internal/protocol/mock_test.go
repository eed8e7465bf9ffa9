package protocol_test

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	dbm "github.com/tendermint/tm-db"

	"github.com/stretchr/testify/require"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/internal/archive"
	"github.com/bitchase/bitchase/internal/chase"
	"github.com/bitchase/bitchase/internal/governor"
	"github.com/bitchase/bitchase/internal/protocol"
	"github.com/bitchase/bitchase/internal/test/factory"
	"github.com/bitchase/bitchase/libs/events"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

// mockChannel is a test double for the session framework's channel.
type mockChannel struct {
	id      uint64
	version uint32
	witness bool

	mtx      sync.Mutex
	sent     []wire.Message
	stopped  bool
	stopErr  error
	stopSubs []func(error)
}

var _ protocol.Channel = (*mockChannel)(nil)

func newMockChannel(id uint64) *mockChannel {
	return &mockChannel{id: id, version: 70016, witness: true}
}

func (m *mockChannel) ID() uint64        { return m.id }
func (m *mockChannel) Authority() string { return "127.0.0.1:8333" }
func (m *mockChannel) Version() uint32   { return m.version }
func (m *mockChannel) Witness() bool     { return m.witness }

func (m *mockChannel) Send(msg wire.Message) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.stopped {
		return types.ErrChannelTimeout
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChannel) Stop(err error) {
	m.mtx.Lock()
	if m.stopped {
		m.mtx.Unlock()
		return
	}
	m.stopped = true
	m.stopErr = err
	subs := m.stopSubs
	m.mtx.Unlock()

	for _, sub := range subs {
		sub(err)
	}
}

func (m *mockChannel) Stopped() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.stopped
}

func (m *mockChannel) SubscribeStop(cb func(error)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.stopSubs = append(m.stopSubs, cb)
}

func (m *mockChannel) stopReason() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.stopErr
}

func (m *mockChannel) sentMessages() []wire.Message {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]wire.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// sentOf filters sent messages by command.
func (m *mockChannel) sentOf(command string) []wire.Message {
	var out []wire.Message
	for _, msg := range m.sentMessages() {
		if msg.Command() == command {
			out = append(out, msg)
		}
	}
	return out
}

// protoEnv assembles the node-side collaborators for protocol tests.
type protoEnv struct {
	t       *testing.T
	cfg     *config.Config
	query   *archive.KV
	strand  *strand.Strand
	bus     *events.Switch
	core    *chase.Core
	org     *chase.Organizer
	check   *chase.CheckChaser
	gov     *governor.Governor
	genesis *types.Block
}

func newProtoEnv(t *testing.T, cfg *config.Config) *protoEnv {
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
	core := chase.NewCore(log.TestingLogger(t), s, bus, kv, nil)

	org, err := chase.NewOrganizer(core, cfg, chase.NopMetrics())
	require.NoError(t, err)
	check := chase.NewCheckChaser(core, cfg, chase.NopMetrics())

	e := &protoEnv{
		t:       t,
		cfg:     cfg,
		query:   kv,
		strand:  s,
		bus:     bus,
		core:    core,
		org:     org,
		check:   check,
		gov:     governor.New(log.TestingLogger(t), s, cfg.Node),
		genesis: genesis,
	}

	e.run(func() {
		require.NoError(t, org.Start())
		require.NoError(t, check.Start())
	})

	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})

	return e
}

func (e *protoEnv) run(f func()) {
	e.t.Helper()
	done := make(chan struct{})
	require.True(e.t, e.strand.Post(func() {
		defer close(done)
		f()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.t.Fatal("node strand stalled")
	}
}

// organizeChain pushes blocks' headers into the candidate chain.
func (e *protoEnv) organizeChain(blocks []*types.Block) {
	for _, b := range blocks {
		done := make(chan struct{})
		e.org.Organize(b.Header(), func(err error, _ uint64) {
			require.NoError(e.t, err)
			close(done)
		})
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.t.Fatal("organize stalled")
		}
	}
	e.run(func() {})
}

// eventually asserts a condition with the protocol strands settling.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

// headersMsg wraps block headers in a wire headers message.
func headersMsg(blocks []*types.Block) *wire.MsgHeaders {
	msg := wire.NewMsgHeaders()
	for _, b := range blocks {
		bh := b.MsgBlock().Header
		_ = msg.AddBlockHeader(&bh)
	}
	return msg
}
