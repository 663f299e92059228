// Package service implements the service multiplexer (C9): a 2-byte
// service ID plus 2-byte subtype header dispatched over each peer's
// secure session, with per-service tick()/receive() callbacks and
// fair-share bandwidth balancing across concurrently active peers.
package service

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/peerid"
	"github.com/filemesh/core/secure"
)

const headerSize = 4 // 2-byte service ID + 2-byte subtype

// ServiceID identifies a registered service (e.g. file transfer, request/offer).
type ServiceID uint16

// Subtype further distinguishes message kinds within a service.
type Subtype uint16

// Message is one dispatched unit: a service-addressed payload.
type Message struct {
	Service ServiceID
	Subtype Subtype
	Payload []byte
}

// Encode serializes the message with its dispatch header.
func (m Message) Encode() []byte {
	buf := make([]byte, headerSize+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Service))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Subtype))
	copy(buf[headerSize:], m.Payload)
	return buf
}

// Decode parses a dispatch header plus payload from raw frame bytes.
func Decode(raw []byte) (Message, error) {
	if len(raw) < headerSize {
		return Message{}, fmt.Errorf("service: frame too short: %d bytes", len(raw))
	}
	return Message{
		Service: ServiceID(binary.BigEndian.Uint16(raw[0:2])),
		Subtype: Subtype(binary.BigEndian.Uint16(raw[2:4])),
		Payload: raw[headerSize:],
	}, nil
}

// Service is implemented by every component that rides the multiplexer
// (transfer scheduler, request/offer service, ...).
type Service interface {
	ID() ServiceID
	// Tick is called once per second to drive internal timers.
	Tick(now time.Time)
	// Receive handles one inbound message from peer.
	Receive(peer peerid.ID, msg Message)
}

// Session is the minimal secure-channel surface the mux needs; satisfied
// by *secure.Session.
type Session interface {
	Peer() peerid.ID
	WriteFrame(w io.Writer, flags secure.Flag, payload []byte) error
	ReadFrame(r io.Reader) (secure.Flag, []byte, error)
}

// peerConn pairs a session with its underlying stream and bandwidth
// bookkeeping for the fair-share balancer.
type peerConn struct {
	session Session
	stream  io.ReadWriter

	mu          sync.Mutex
	bytesThisTick int
	activeServices map[ServiceID]bool
}

// Mux is the service multiplexer shared by every connected peer.
type Mux struct {
	mu       sync.RWMutex
	services map[ServiceID]Service
	peers    map[peerid.ID]*peerConn

	balancer *BandwidthBalancer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMux constructs an empty multiplexer. perTickBudget bounds total bytes
// written across all peers and services per tick (0 disables the cap).
func NewMux(perTickBudget int) *Mux {
	return &Mux{
		services: make(map[ServiceID]Service),
		peers:    make(map[peerid.ID]*peerConn),
		balancer: NewBandwidthBalancer(perTickBudget),
		stopCh:   make(chan struct{}),
	}
}

// RegisterService attaches a service to the multiplexer.
func (m *Mux) RegisterService(s Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID()] = s
}

// AddPeer starts reading frames from session/stream and routing them to
// registered services.
func (m *Mux) AddPeer(session Session, stream io.ReadWriter) {
	pc := &peerConn{session: session, stream: stream, activeServices: make(map[ServiceID]bool)}

	m.mu.Lock()
	m.peers[session.Peer()] = pc
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(session.Peer(), pc)
}

// RemovePeer stops routing for a disconnected peer.
func (m *Mux) RemovePeer(id peerid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

func (m *Mux) readLoop(id peerid.ID, pc *peerConn) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		_, payload, err := pc.session.ReadFrame(pc.stream)
		if err != nil {
			if err != io.EOF {
				logrus.WithFields(logrus.Fields{
					"function": "Mux.readLoop",
					"peer":     id.String(),
					"error":    err,
				}).Warn("session read failed, dropping peer")
			}
			m.RemovePeer(id)
			return
		}

		msg, err := Decode(payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Mux.readLoop",
				"peer":     id.String(),
				"error":    err,
			}).Debug("dropping malformed frame")
			continue
		}

		pc.mu.Lock()
		pc.activeServices[msg.Service] = true
		pc.mu.Unlock()

		m.mu.RLock()
		svc, ok := m.services[msg.Service]
		m.mu.RUnlock()
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "Mux.readLoop",
				"service":  msg.Service,
			}).Debug("no handler registered for service")
			continue
		}
		svc.Receive(id, msg)
	}
}

// Send writes msg to peer id, subject to the fair-share bandwidth
// balancer's per-tick allowance.
func (m *Mux) Send(id peerid.ID, msg Message) error {
	m.mu.RLock()
	pc, ok := m.peers[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("service: no session for peer %s", id)
	}

	encoded := msg.Encode()
	if !m.balancer.Allow(id, len(encoded)) {
		return ErrBandwidthExhausted
	}

	if err := pc.session.WriteFrame(pc.stream, secure.FlagNone, encoded); err != nil {
		return fmt.Errorf("service: write failed: %w", err)
	}

	pc.mu.Lock()
	pc.bytesThisTick += len(encoded)
	pc.mu.Unlock()
	return nil
}

// ErrBandwidthExhausted is returned by Send when the fair-share balancer
// has no remaining allowance for this peer this tick.
var ErrBandwidthExhausted = fmt.Errorf("service: per-tick bandwidth exhausted for peer")

// Run starts the per-second tick loop driving every registered service and
// resetting the bandwidth balancer's window.
func (m *Mux) Run() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case now := <-ticker.C:
				m.tick(now)
			}
		}
	}()
}

func (m *Mux) tick(now time.Time) {
	m.mu.RLock()
	services := make([]Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	peerCount := len(m.peers)
	m.mu.RUnlock()

	m.balancer.ResetWindow(peerCount)

	for _, s := range services {
		s.Tick(now)
	}
}

// Stop shuts down the tick loop and every peer read loop.
func (m *Mux) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
