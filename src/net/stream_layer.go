package net

import (
	"net"
	"time"
)

// StreamLayer provides the low level stream abstraction under NetTransport,
// so the same transport works over plain TCP, TLS, etc.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string
}
