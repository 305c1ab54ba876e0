package net

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/crypto"
)

// InmemNetwork connects InmemTransports together so the full quorum protocol
// can be exercised in-memory without going over a network. It tracks which
// pairs of endpoints hold an open "connection" so that optional sends behave
// like they do on the wire: dropped unless a connection is already there.
type InmemNetwork struct {
	sync.RWMutex
	endpoints map[crypto.X25519PubKey]*InmemTransport
	connected map[crypto.X25519PubKey]map[crypto.X25519PubKey]bool
}

// NewInmemNetwork creates an empty network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		endpoints: make(map[crypto.X25519PubKey]*InmemTransport),
		connected: make(map[crypto.X25519PubKey]map[crypto.X25519PubKey]bool),
	}
}

// NewTransport registers a new endpoint on the network.
func (n *InmemNetwork) NewTransport(
	pub crypto.X25519PubKey,
	gate func(crypto.X25519PubKey) bool,
	logger *logrus.Entry,
) *InmemTransport {
	if logger == nil {
		log := logrus.New()
		logger = logrus.NewEntry(log)
	}

	trans := &InmemTransport{
		network:    n,
		localPub:   pub,
		gate:       gate,
		dispatcher: newDispatcher(logger),
		logger:     logger,
	}

	n.Lock()
	n.endpoints[pub] = trans
	n.Unlock()

	return trans
}

// Connect marks a connection open between two endpoints.
func (n *InmemNetwork) Connect(a, b crypto.X25519PubKey) {
	n.Lock()
	defer n.Unlock()
	n.link(a, b)
}

func (n *InmemNetwork) link(a, b crypto.X25519PubKey) {
	if n.connected[a] == nil {
		n.connected[a] = make(map[crypto.X25519PubKey]bool)
	}
	if n.connected[b] == nil {
		n.connected[b] = make(map[crypto.X25519PubKey]bool)
	}
	n.connected[a][b] = true
	n.connected[b][a] = true
}

func (n *InmemNetwork) isConnected(a, b crypto.X25519PubKey) bool {
	return n.connected[a][b]
}

// InmemTransport implements the Transport interface for tests.
type InmemTransport struct {
	network    *InmemNetwork
	localPub   crypto.X25519PubKey
	gate       func(crypto.X25519PubKey) bool
	dispatcher *dispatcher
	logger     *logrus.Entry

	shutdownLock sync.Mutex
	shutdown     bool
}

// LocalPubKey implements the Transport interface.
func (t *InmemTransport) LocalPubKey() crypto.X25519PubKey {
	return t.localPub
}

// RegisterPublic implements the Transport interface.
func (t *InmemTransport) RegisterPublic(cmd string, h Handler) {
	t.dispatcher.registerPublic(cmd, h)
}

// RegisterSN implements the Transport interface.
func (t *InmemTransport) RegisterSN(cmd string, h Handler) {
	t.dispatcher.registerSN(cmd, h)
}

// Listen implements the Transport interface. Inmem endpoints are always
// listening.
func (t *InmemTransport) Listen() {}

// Send implements the Transport interface.
func (t *InmemTransport) Send(to crypto.X25519PubKey, cmd string, opts SendOpts, data ...[]byte) error {
	t.shutdownLock.Lock()
	down := t.shutdown
	t.shutdownLock.Unlock()
	if down {
		return ErrTransportShutdown
	}

	n := t.network

	n.Lock()
	target, ok := n.endpoints[to]
	if !ok {
		n.Unlock()
		return fmt.Errorf("unknown peer %s", to)
	}

	if opts.Optional && !n.isConnected(t.localPub, to) {
		n.Unlock()
		t.logger.WithFields(logrus.Fields{
			"cmd":    cmd,
			"pubkey": to,
		}).Debug("Dropping optional send: not connected")
		return nil
	}

	// A strong send establishes the connection for both directions.
	n.link(t.localPub, to)
	n.Unlock()

	target.deliver(t, cmd, data)
	return nil
}

// deliver dispatches an inbound message on a fresh goroutine, the way a real
// transport delivers on worker threads.
func (t *InmemTransport) deliver(from *InmemTransport, cmd string, data [][]byte) {
	m := &Message{
		Cmd:    cmd,
		Pubkey: from.localPub,
		SN:     t.gate != nil && t.gate(from.localPub),
		Data:   data,
		reply: func(replyCmd string, replyData [][]byte) error {
			from.deliver(t, replyCmd, replyData)
			return nil
		},
	}

	go t.dispatcher.dispatch(m)
}

// Close implements the Transport interface.
func (t *InmemTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()
	t.shutdown = true
	return nil
}
