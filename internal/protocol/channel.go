// Package protocol implements the per-channel inbound state machines that
// solicit headers and blocks from peers and feed them into the chasers.
// Each channel has its own serial strand; no chaser state is touched from a
// channel strand and vice versa.
package protocol

import (
	"github.com/btcsuite/btcd/wire"
)

// Channel is the narrow surface of the peer session framework consumed by
// the protocols. Send and Stop must be safe for use from any goroutine;
// inbound messages are delivered by the framework to Receive on the
// protocol, which serializes them on the channel strand.
type Channel interface {
	// ID returns the framework's channel identifier.
	ID() uint64

	// Authority returns the peer address for logging.
	Authority() string

	// Version returns the negotiated protocol version.
	Version() uint32

	// Witness reports whether witness relay is negotiated.
	Witness() bool

	// Send writes a message to the peer.
	Send(msg wire.Message) error

	// Stop closes the channel with the given reason. Subsequent handler
	// invocations observe Stopped and drop their work.
	Stop(err error)

	// Stopped reports whether the channel has been stopped.
	Stopped() bool

	// SubscribeStop registers a callback invoked once when the channel
	// stops, with the stop reason.
	SubscribeStop(func(error))
}
