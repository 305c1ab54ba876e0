package net

import (
	"errors"

	"github.com/blinknet/blinkd/src/crypto"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrNoRoute is returned when a strong send has no address to dial.
	ErrNoRoute = errors.New("no route to peer")
)

// Message is an inbound command delivered to a registered handler.
type Message struct {
	// Cmd is the command name the sender tagged the payload with.
	Cmd string

	// Pubkey is the sender's authenticated x25519 key.
	Pubkey crypto.X25519PubKey

	// SN is true when the sender's x25519 key belongs to a registered
	// service node.
	SN bool

	// Data holds the serialized payload parts.
	Data [][]byte

	reply func(cmd string, data [][]byte) error
}

// Reply sends a command back over the connection the message arrived on.
func (m *Message) Reply(cmd string, data ...[]byte) error {
	if m.reply == nil {
		return errors.New("message has no reply channel")
	}
	return m.reply(cmd, data)
}

// Handler processes one inbound message. Handlers run on transport worker
// goroutines and may run concurrently for distinct messages.
type Handler func(*Message)

// SendOpts control delivery of an outbound command.
type SendOpts struct {
	// Optional drops the send when there is no connection already open to
	// the target.
	Optional bool

	// Hint is a dialable address for the target, used when a new connection
	// must be opened.
	Hint string
}

// Transport is an authenticated command channel between nodes. Commands are
// registered as public (any remote may send them) or quorum-only (accepted
// only from registered service nodes).
type Transport interface {

	// LocalPubKey returns the x25519 key this transport authenticates as.
	LocalPubKey() crypto.X25519PubKey

	// Send delivers a command with serialized payload parts to a peer.
	Send(to crypto.X25519PubKey, cmd string, opts SendOpts, data ...[]byte) error

	// RegisterPublic registers a handler any remote may trigger.
	RegisterPublic(cmd string, h Handler)

	// RegisterSN registers a handler only service nodes may trigger.
	RegisterSN(cmd string, h Handler)

	// Listen starts accepting inbound connections.
	Listen()

	// Close permanently closes the transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
