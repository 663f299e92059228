// This file implements direct TCP dial/listen for the TcpLocal and
// TcpExternal connection attempt kinds. Unlike C4 (reliable-over-UDP),
// direct TCP needs no custom framing of its own below the encrypted
// stream — package secure's frame header rides directly on the net.Conn.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPConnectTimeout matches §5's authoritative TCP connect timeout.
const TCPConnectTimeout = 30 * time.Second

// TCPListener accepts direct inbound TCP connections on a fixed port,
// typically the same port number advertised as this node's external
// endpoint after UPnP mapping or NAT classification.
type TCPListener struct {
	listener net.Listener
}

// ListenTCP binds a TCP listener on addr (e.g. ":33445").
func ListenTCP(addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp: %w", err)
	}
	return &TCPListener{listener: l}, nil
}

// Accept blocks until an inbound connection arrives or the listener is
// closed.
func (l *TCPListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Addr returns the bound local address.
func (l *TCPListener) Addr() net.Addr { return l.listener.Addr() }

// Close stops accepting new connections.
func (l *TCPListener) Close() error { return l.listener.Close() }

// DialTCP dials a peer's direct TCP endpoint, honoring TCPConnectTimeout
// unless ctx carries a tighter deadline.
func DialTCP(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, TCPConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", endpoint.String(), err)
	}
	return conn, nil
}
