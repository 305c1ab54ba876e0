package net

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/blinknet/blinkd/src/crypto"
)

/*
NetTransport provides a network based transport to communicate with quorum
peers on remote machines. It requires an underlying stream layer to provide a
stream abstraction, which can be simple TCP, TLS, etc.

Each connection starts with a 32-byte hello in each direction carrying the
side's x25519 pubkey; every frame after that is a msgpack-encoded envelope of
command name plus serialized payload parts. One connection is kept per peer
and reused in both directions.
*/
type NetTransport struct {
	logger *logrus.Entry

	localPub crypto.X25519PubKey
	stream   StreamLayer

	// gate classifies an authenticated x25519 key as service node or client.
	gate func(crypto.X25519PubKey) bool

	// lookup resolves an x25519 key to a dialable address when no hint is
	// given.
	lookup func(crypto.X25519PubKey) string

	dispatcher *dispatcher

	connLock sync.Mutex
	conns    map[crypto.X25519PubKey]*netConn

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	timeout time.Duration
}

type frame struct {
	Cmd  string
	Data [][]byte
}

type netConn struct {
	remote crypto.X25519PubKey
	conn   io.ReadWriteCloser

	encLock sync.Mutex
	enc     *codec.Encoder
	dec     *codec.Decoder
	w       *bufio.Writer
}

func (n *netConn) send(cmd string, data [][]byte) error {
	n.encLock.Lock()
	defer n.encLock.Unlock()

	if err := n.enc.Encode(frame{Cmd: cmd, Data: data}); err != nil {
		return err
	}
	return n.w.Flush()
}

// Release closes the underlying connection
func (n *netConn) Release() error {
	return n.conn.Close()
}

// NewNetTransport creates a transport over the given stream layer. The gate
// decides whether an authenticated peer counts as a service node; lookup
// resolves peers to dialable addresses for strong sends without a hint.
func NewNetTransport(
	localPub crypto.X25519PubKey,
	stream StreamLayer,
	gate func(crypto.X25519PubKey) bool,
	lookup func(crypto.X25519PubKey) string,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetTransport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &NetTransport{
		logger:     logger,
		localPub:   localPub,
		stream:     stream,
		gate:       gate,
		lookup:     lookup,
		dispatcher: newDispatcher(logger),
		conns:      make(map[crypto.X25519PubKey]*netConn),
		shutdownCh: make(chan struct{}),
		timeout:    timeout,
	}
}

// LocalPubKey implements the Transport interface.
func (t *NetTransport) LocalPubKey() crypto.X25519PubKey {
	return t.localPub
}

// RegisterPublic implements the Transport interface.
func (t *NetTransport) RegisterPublic(cmd string, h Handler) {
	t.dispatcher.registerPublic(cmd, h)
}

// RegisterSN implements the Transport interface.
func (t *NetTransport) RegisterSN(cmd string, h Handler) {
	t.dispatcher.registerSN(cmd, h)
}

// Listen implements the Transport interface.
func (t *NetTransport) Listen() {
	go t.listen()
}

func (t *NetTransport) listen() {
	for {
		conn, err := t.stream.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.WithError(err).Error("Failed to accept connection")
				return
			}
		}

		t.logger.WithField("node", conn.RemoteAddr()).Debug("Accepted connection")

		go t.handleConn(conn, crypto.X25519PubKey{}, false)
	}
}

// handleConn performs the hello exchange and then reads frames until the
// connection dies. For outgoing connections the remote key is already known
// and verified against the hello.
func (t *NetTransport) handleConn(raw io.ReadWriteCloser, expect crypto.X25519PubKey, outgoing bool) {
	w := bufio.NewWriter(raw)
	r := bufio.NewReader(raw)

	// hello: our key out, their key in
	if _, err := w.Write(t.localPub[:]); err != nil {
		t.logger.WithError(err).Info("Failed to send hello")
		raw.Close()
		return
	}
	if err := w.Flush(); err != nil {
		raw.Close()
		return
	}

	var hello [crypto.X25519PubKeySize]byte
	if _, err := io.ReadFull(r, hello[:]); err != nil {
		t.logger.WithError(err).Info("Failed to read hello")
		raw.Close()
		return
	}

	remote := crypto.X25519PubKey(hello)
	if outgoing && remote != expect {
		t.logger.WithFields(logrus.Fields{
			"expected": expect,
			"got":      remote,
		}).Warn("Peer authenticated with an unexpected key")
		raw.Close()
		return
	}

	handle := new(codec.MsgpackHandle)
	nc := &netConn{
		remote: remote,
		conn:   raw,
		enc:    codec.NewEncoder(w, handle),
		dec:    codec.NewDecoder(r, handle),
		w:      w,
	}

	t.connLock.Lock()
	if old, ok := t.conns[remote]; ok {
		old.Release()
	}
	t.conns[remote] = nc
	t.connLock.Unlock()

	t.readLoop(nc)
}

func (t *NetTransport) readLoop(nc *netConn) {
	defer t.dropConn(nc)

	sn := t.gate != nil && t.gate(nc.remote)

	for {
		var f frame
		if err := nc.dec.Decode(&f); err != nil {
			select {
			case <-t.shutdownCh:
			default:
				if err != io.EOF {
					t.logger.WithError(err).Debug("Connection closed")
				}
			}
			return
		}

		m := &Message{
			Cmd:    f.Cmd,
			Pubkey: nc.remote,
			SN:     sn,
			Data:   f.Data,
			reply: func(cmd string, data [][]byte) error {
				return nc.send(cmd, data)
			},
		}

		go t.dispatcher.dispatch(m)
	}
}

func (t *NetTransport) dropConn(nc *netConn) {
	t.connLock.Lock()
	if cur, ok := t.conns[nc.remote]; ok && cur == nc {
		delete(t.conns, nc.remote)
	}
	t.connLock.Unlock()
	nc.Release()
}

// Send implements the Transport interface. Strong sends dial the peer if
// there is no open connection; optional sends are dropped instead.
func (t *NetTransport) Send(to crypto.X25519PubKey, cmd string, opts SendOpts, data ...[]byte) error {
	t.shutdownLock.Lock()
	down := t.shutdown
	t.shutdownLock.Unlock()
	if down {
		return ErrTransportShutdown
	}

	t.connLock.Lock()
	nc := t.conns[to]
	t.connLock.Unlock()

	if nc == nil {
		if opts.Optional {
			t.logger.WithFields(logrus.Fields{
				"cmd":    cmd,
				"pubkey": to,
			}).Debug("Dropping optional send: not connected")
			return nil
		}

		addr := opts.Hint
		if addr == "" && t.lookup != nil {
			addr = t.lookup(to)
		}
		if addr == "" {
			return ErrNoRoute
		}

		var err error
		nc, err = t.dial(to, addr)
		if err != nil {
			return err
		}
	}

	return nc.send(cmd, data)
}

func (t *NetTransport) dial(to crypto.X25519PubKey, addr string) (*netConn, error) {
	raw, err := t.stream.Dial(addr, t.timeout)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		t.handleConn(raw, to, true)
		close(done)
	}()

	// handleConn registers the connection once the hello exchange finishes;
	// wait for it to show up or for the handshake to fail.
	deadline := time.After(t.timeout)
	for {
		t.connLock.Lock()
		nc := t.conns[to]
		t.connLock.Unlock()
		if nc != nil {
			return nc, nil
		}

		select {
		case <-done:
			t.connLock.Lock()
			nc = t.conns[to]
			t.connLock.Unlock()
			if nc != nil {
				return nc, nil
			}
			return nil, ErrNoRoute
		case <-deadline:
			raw.Close()
			return nil, ErrNoRoute
		case <-time.After(time.Millisecond):
		}
	}
}

// Close implements the Transport interface.
func (t *NetTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		close(t.shutdownCh)
		t.stream.Close()
		t.shutdown = true

		t.connLock.Lock()
		for _, nc := range t.conns {
			nc.Release()
		}
		t.conns = make(map[crypto.X25519PubKey]*netConn)
		t.connLock.Unlock()
	}

	return nil
}
