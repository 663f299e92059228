package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/sirupsen/logrus"
)

// stunMessageTypeBinding and stunMessageTypeBindingSuccess are the only two
// STUN message types this demultiplexer needs to recognize: it only has to
// decide "is this STUN or is this ours", not fully parse the packet (that is
// package transport's stun.go's job).
const (
	stunMessageTypeBinding        uint16 = 0x0001
	stunMessageTypeBindingSuccess uint16 = 0x0101
	stunHeaderMinSize                    = 20
	stunMagicCookie               uint32 = 0x2112A442
)

// PacketHandler processes one datagram received from the multiplexer.
type PacketHandler func(data []byte, from Endpoint)

// UDPMux is the single bound UDP socket (C1). Every inbound datagram is
// inspected and routed either to the STUN handler or to the peer-stream
// handler, keyed by the remote endpoint. Sends are serialized by a mutex
// and are non-blocking with respect to the receive loop.
type UDPMux struct {
	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	localAddr *net.UDPAddr

	mu          sync.Mutex
	stunHandler PacketHandler
	peerHandler PacketHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewUDPMux binds a UDP socket on listenAddr (e.g. ":0" for an ephemeral
// port) and starts the receive loop.
func NewUDPMux(listenAddr string) (*UDPMux, error) {
	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve listen addr: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mux := &UDPMux{
		conn:      conn,
		pconn:     ipv4.NewPacketConn(conn),
		localAddr: conn.LocalAddr().(*net.UDPAddr),
		ctx:       ctx,
		cancel:    cancel,
	}

	go mux.receiveLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPMux",
		"addr":     mux.localAddr.String(),
	}).Info("udp socket multiplexer bound")

	return mux, nil
}

// OnSTUN registers the handler invoked for datagrams classified as STUN
// traffic. OnPeer registers the handler invoked for everything else.
func (m *UDPMux) OnSTUN(h PacketHandler) { m.mu.Lock(); m.stunHandler = h; m.mu.Unlock() }
func (m *UDPMux) OnPeer(h PacketHandler) { m.mu.Lock(); m.peerHandler = h; m.mu.Unlock() }

// LocalAddr returns the bound local address.
func (m *UDPMux) LocalAddr() *net.UDPAddr { return m.localAddr }

// Send writes data to the given endpoint with the default TTL.
func (m *UDPMux) Send(data []byte, to Endpoint) error {
	return m.SendWithTTL(data, to, 0)
}

// SendWithTTL writes data to the given endpoint, optionally overriding the
// per-datagram TTL. ttl == 0 leaves the socket's current TTL untouched;
// every caller in this module (Send, the STUN client) passes 0.
func (m *UDPMux) SendWithTTL(data []byte, to Endpoint, ttl int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl > 0 {
		if err := m.pconn.SetTTL(ttl); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UDPMux.SendWithTTL",
				"error":    err,
			}).Warn("failed to set per-datagram TTL")
		}
	}

	_, err := m.conn.WriteToUDP(data, to.UDPAddr())
	return err
}

// Close stops the receive loop and closes the socket.
func (m *UDPMux) Close() error {
	m.cancel()
	return m.conn.Close()
}

func (m *UDPMux) receiveLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		from := EndpointFromUDPAddr(addr)

		m.mu.Lock()
		stunHandler, peerHandler := m.stunHandler, m.peerHandler
		m.mu.Unlock()

		if isSTUNMessage(data) {
			if stunHandler != nil {
				go stunHandler(data, from)
			}
			continue
		}
		if peerHandler != nil {
			go peerHandler(data, from)
		}
	}
}

// isSTUNMessage classifies a datagram per §4.1: the first two bytes hold
// the STUN message type (binding request or binding success response), and
// the packet must be at least a full STUN header with the magic cookie in
// the expected place.
func isSTUNMessage(data []byte) bool {
	if len(data) < stunHeaderMinSize {
		return false
	}
	msgType := binary.BigEndian.Uint16(data[0:2])
	if msgType != stunMessageTypeBinding && msgType != stunMessageTypeBindingSuccess {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == stunMagicCookie
}
