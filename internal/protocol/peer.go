package protocol

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/internal/archive"
	"github.com/bitchase/bitchase/internal/chase"
	"github.com/bitchase/bitchase/internal/governor"
	"github.com/bitchase/bitchase/libs/events"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/strand"
)

// HeadersFirstVersion is the minimum negotiated protocol version for the
// headers-first protocol pair.
const HeadersFirstVersion uint32 = 31800

// Peer binds one channel to its protocol instances and their shared channel
// strand.
type Peer struct {
	channel  Channel
	strand   *strand.Strand
	headerIn *HeaderIn
	blockIn  *BlockIn
	gov      *governor.Governor
}

// NewPeer wires the headers-first protocol pair for a channel. The caller
// starts it with Start; the peer tears itself down when the channel stops.
func NewPeer(logger log.Logger, ch Channel, query archive.Query,
	organizer *chase.Organizer, check *chase.CheckChaser,
	gov *governor.Governor, bus *events.Switch,
	cfg *config.Config) (*Peer, error) {

	s := strand.New(logger, ch.Authority())

	headerIn, err := NewHeaderIn(logger, ch, s, query, organizer, cfg)
	if err != nil {
		s.Stop()
		return nil, err
	}

	blockIn := NewBlockIn(logger, ch, s, query, check, gov, bus, cfg)

	p := &Peer{
		channel:  ch,
		strand:   s,
		headerIn: headerIn,
		blockIn:  blockIn,
		gov:      gov,
	}

	ch.SubscribeStop(p.handleStop)
	return p, nil
}

// Start registers with the governor and starts both protocols.
func (p *Peer) Start() {
	p.gov.Register(p.channel.ID(), p.blockIn)
	p.headerIn.Start()
	p.blockIn.Start()
}

// Receive routes an inbound message to the interested protocols.
func (p *Peer) Receive(msg wire.Message) {
	switch msg.(type) {
	case *wire.MsgHeaders:
		p.headerIn.Receive(msg)
	case *wire.MsgBlock, *wire.MsgNotFound:
		p.blockIn.Receive(msg)
	}
}

// BlockIn exposes the block protocol, primarily for the governor.
func (p *Peer) BlockIn() *BlockIn { return p.blockIn }

func (p *Peer) handleStop(error) {
	p.gov.Unregister(p.channel.ID())
	p.strand.Post(p.blockIn.Stopping)
	p.strand.Stop()
}
