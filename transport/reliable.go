// This file implements the TCP-over-UDP transport (C4): a reliable,
// ordered byte stream multiplexed over the shared UDP socket. It provides
// a 3-way handshake, MTU-safe segmentation, cumulative ACK with selective
// retransmit, a slow-start congestion window, and idle keepalives.
package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// segment types
const (
	segSyn byte = iota
	segSynAck
	segAck
	segData
	segFin
	segKeepalive
)

// MaxSegmentPayload is the MTU-safe payload ceiling per segment (§4.4).
const MaxSegmentPayload = 8 * 1024

const segHeaderSize = 1 + 4 + 4 + 2 // type + seq + ack + length

const (
	initialCwnd     = 4 * MaxSegmentPayload
	slowStartThresh = 64 * MaxSegmentPayload
	retransmitBase  = 500 * time.Millisecond
	keepaliveIdle   = 15 * time.Second
)

// Errno mirrors the spec's "errno-style field readable by upper layers"
// requirement for distinguishing ICMP-unreachable from ordinary timeouts.
type Errno int

const (
	ErrnoNone Errno = iota
	ErrnoTimeout
	ErrnoUnreachable
	ErrnoPeerClosed
)

var ErrConnClosed = errors.New("transport: reliable connection closed")

type outSegment struct {
	seq     uint32
	data    []byte
	sentAt  time.Time
	acked   bool
}

// ReliableConn is one reliable stream over the shared UDP socket, keyed by
// the remote endpoint. It satisfies io.ReadWriteCloser.
type ReliableConn struct {
	mux    *UDPMux
	remote Endpoint

	mu         sync.Mutex
	sendSeq    uint32
	sendBuf    []outSegment
	cwnd       int
	inFlight   int
	recvSeq    uint32
	recvBuf    map[uint32][]byte // out-of-order segments awaiting the gap to close
	readBuf    bytes.Buffer
	readCond   *sync.Cond
	closed     bool
	lastErrno  Errno
	lastActive time.Time

	incoming chan []byte
	done      chan struct{}
}

// newReliableConn constructs the shared bookkeeping for both the dialing
// and accepting sides; the handshake differs, the steady state does not.
func newReliableConn(mux *UDPMux, remote Endpoint) *ReliableConn {
	c := &ReliableConn{
		mux:        mux,
		remote:     remote,
		cwnd:       initialCwnd,
		recvBuf:    make(map[uint32][]byte),
		incoming:   make(chan []byte, 64),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
	c.readCond = sync.NewCond(&c.mu)
	go c.loop()
	return c
}

// DialReliable performs the 3-way handshake (SYN / SYN-ACK / ACK) to a
// remote endpoint over mux, honoring §5's 30s UDP connect handshake
// timeout.
func DialReliable(ctx context.Context, mux *UDPMux, remote Endpoint) (*ReliableConn, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	c := newReliableConn(mux, remote)

	synSeq := uint32(1)
	c.sendSeq = synSeq
	if err := c.sendSegment(segSyn, synSeq, 0, nil); err != nil {
		return nil, err
	}

	select {
	case seg := <-c.incoming:
		typ, seq, ack, payload, err := decodeSegment(seg)
		if err != nil || typ != segSynAck || ack != synSeq {
			return nil, fmt.Errorf("transport: unexpected handshake response")
		}
		c.recvSeq = seq
		_ = payload
		if err := c.sendSegment(segAck, synSeq+1, seq, nil); err != nil {
			return nil, err
		}
	case <-ctx.Done():
		c.lastErrno = ErrnoTimeout
		return nil, fmt.Errorf("transport: %w: handshake timeout", ErrConnClosed)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialReliable",
		"remote":   remote.String(),
	}).Info("reliable-over-udp handshake completed")

	return c, nil
}

// acceptReliable completes the responder side of the handshake given the
// first inbound SYN segment, which the owning demultiplexer has already
// decoded.
func acceptReliable(mux *UDPMux, remote Endpoint, synSeq uint32) (*ReliableConn, error) {
	c := newReliableConn(mux, remote)
	c.recvSeq = synSeq

	mySeq := uint32(1)
	c.sendSeq = mySeq
	if err := c.sendSegment(segSynAck, mySeq, synSeq, nil); err != nil {
		return nil, err
	}

	select {
	case seg := <-c.incoming:
		typ, _, ack, _, err := decodeSegment(seg)
		if err != nil || typ != segAck || ack != mySeq {
			return nil, fmt.Errorf("transport: unexpected handshake ack")
		}
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("transport: %w: handshake timeout", ErrConnClosed)
	}

	return c, nil
}

func (c *ReliableConn) deliver(data []byte) {
	select {
	case c.incoming <- data:
	case <-c.done:
	}
}

func (c *ReliableConn) loop() {
	retransmitTicker := time.NewTicker(retransmitBase)
	keepaliveTicker := time.NewTicker(keepaliveIdle)
	defer retransmitTicker.Stop()
	defer keepaliveTicker.Stop()

	for {
		select {
		case <-c.done:
			return
		case seg := <-c.incoming:
			c.handleInbound(seg)
		case <-retransmitTicker.C:
			c.retransmitUnacked()
		case <-keepaliveTicker.C:
			c.maybeKeepalive()
		}
	}
}

func (c *ReliableConn) handleInbound(seg []byte) {
	typ, seq, ack, payload, err := decodeSegment(seg)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()

	switch typ {
	case segData:
		c.acceptData(seq, payload)
	case segAck:
		c.ackUpTo(ack)
	case segFin:
		c.mu.Lock()
		c.closed = true
		c.lastErrno = ErrnoPeerClosed
		c.readCond.Broadcast()
		c.mu.Unlock()
	case segKeepalive:
		// no-op, already updated lastActive above
	}
}

// acceptData buffers out-of-order segments and appends any now-contiguous
// run to the read buffer, cumulatively ACKing the highest contiguous
// sequence number seen.
func (c *ReliableConn) acceptData(seq uint32, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq < c.recvSeq {
		// already delivered, duplicate: re-ack
	} else if seq == c.recvSeq {
		c.readBuf.Write(payload)
		c.recvSeq += uint32(len(payload))
		for {
			next, ok := c.recvBuf[c.recvSeq]
			if !ok {
				break
			}
			delete(c.recvBuf, c.recvSeq)
			c.readBuf.Write(next)
			c.recvSeq += uint32(len(next))
		}
		c.readCond.Broadcast()
	} else {
		c.recvBuf[seq] = payload
	}

	_ = c.sendSegment(segAck, 0, c.recvSeq, nil)
}

func (c *ReliableConn) ackUpTo(ack uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acked := 0
	for i := range c.sendBuf {
		if c.sendBuf[i].seq+uint32(len(c.sendBuf[i].data)) <= ack {
			if !c.sendBuf[i].acked {
				c.sendBuf[i].acked = true
				acked++
			}
		}
	}
	if acked > 0 {
		// slow start: grow cwnd by one MSS per ACK until threshold, then
		// grow by one MSS per full window of ACKs (congestion avoidance).
		if c.cwnd < slowStartThresh {
			c.cwnd += MaxSegmentPayload
		} else {
			c.cwnd += MaxSegmentPayload * MaxSegmentPayload / c.cwnd
		}
		c.inFlight -= acked * MaxSegmentPayload
		if c.inFlight < 0 {
			c.inFlight = 0
		}
	}

	kept := c.sendBuf[:0]
	for _, seg := range c.sendBuf {
		if !seg.acked {
			kept = append(kept, seg)
		}
	}
	c.sendBuf = kept
	c.readCond.Broadcast()
}

func (c *ReliableConn) retransmitUnacked() {
	c.mu.Lock()
	now := time.Now()
	var toResend []outSegment
	for i, seg := range c.sendBuf {
		if !seg.acked && now.Sub(seg.sentAt) > retransmitBase*2 {
			c.sendBuf[i].sentAt = now
			toResend = append(toResend, seg)
		}
	}
	c.mu.Unlock()

	for _, seg := range toResend {
		_ = c.sendSegment(segData, seg.seq, 0, seg.data)
	}
}

func (c *ReliableConn) maybeKeepalive() {
	c.mu.Lock()
	idle := time.Since(c.lastActive) >= keepaliveIdle
	c.mu.Unlock()
	if idle {
		_ = c.sendSegment(segKeepalive, 0, 0, nil)
	}
}

// Read implements io.Reader, blocking until data is available or the
// connection closes.
func (c *ReliableConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.readBuf.Len() == 0 && !c.closed {
		c.readCond.Wait()
	}
	if c.readBuf.Len() == 0 && c.closed {
		return 0, io.EOF
	}
	return c.readBuf.Read(p)
}

// Write implements io.Writer, segmenting p into ≤MaxSegmentPayload chunks
// and respecting the congestion window.
func (c *ReliableConn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunkLen := len(p)
		if chunkLen > MaxSegmentPayload {
			chunkLen = MaxSegmentPayload
		}
		chunk := p[:chunkLen]
		p = p[chunkLen:]

		c.mu.Lock()
		for c.inFlight+chunkLen > c.cwnd && !c.closed {
			c.readCond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return written, ErrConnClosed
		}
		seq := c.sendSeq
		c.sendSeq += uint32(chunkLen)
		c.sendBuf = append(c.sendBuf, outSegment{seq: seq, data: append([]byte(nil), chunk...), sentAt: time.Now()})
		c.inFlight += chunkLen
		c.mu.Unlock()

		if err := c.sendSegment(segData, seq, 0, chunk); err != nil {
			return written, err
		}
		written += chunkLen
	}
	return written, nil
}

// Close sends a FIN and tears down local bookkeeping.
func (c *ReliableConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.readCond.Broadcast()
	c.mu.Unlock()

	close(c.done)
	return c.sendSegment(segFin, c.sendSeq, 0, nil)
}

// Errno reports the last distinguished low-level failure reason.
func (c *ReliableConn) Errno() Errno {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErrno
}

func (c *ReliableConn) sendSegment(typ byte, seq, ack uint32, payload []byte) error {
	buf := make([]byte, segHeaderSize+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], seq)
	binary.BigEndian.PutUint32(buf[5:9], ack)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(payload)))
	copy(buf[segHeaderSize:], payload)
	return c.mux.Send(buf, c.remote)
}

func decodeSegment(data []byte) (typ byte, seq, ack uint32, payload []byte, err error) {
	if len(data) < segHeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("transport: short segment")
	}
	typ = data[0]
	seq = binary.BigEndian.Uint32(data[1:5])
	ack = binary.BigEndian.Uint32(data[5:9])
	length := binary.BigEndian.Uint16(data[9:11])
	if int(length) > len(data)-segHeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("transport: segment length out of range")
	}
	payload = data[segHeaderSize : segHeaderSize+int(length)]
	return typ, seq, ack, payload, nil
}

// ReliableListener demultiplexes inbound SYNs on a UDPMux into new
// ReliableConn instances, one per remote endpoint.
type ReliableListener struct {
	mux *UDPMux

	mu    sync.Mutex
	conns map[string]*ReliableConn

	accepted chan *ReliableConn
}

// ListenReliable registers as the peer-stream handler on mux (everything
// C1 does not classify as STUN).
func ListenReliable(mux *UDPMux) *ReliableListener {
	l := &ReliableListener{
		mux:      mux,
		conns:    make(map[string]*ReliableConn),
		accepted: make(chan *ReliableConn, 16),
	}
	mux.OnPeer(l.handleInbound)
	return l
}

func (l *ReliableListener) handleInbound(data []byte, from Endpoint) {
	key := from.String()

	l.mu.Lock()
	conn, exists := l.conns[key]
	l.mu.Unlock()

	if exists {
		conn.deliver(data)
		return
	}

	typ, seq, _, _, err := decodeSegment(data)
	if err != nil || typ != segSyn {
		return // not a handshake opener and no existing conn: drop
	}

	go func() {
		conn, err := acceptReliable(l.mux, from, seq)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ReliableListener.handleInbound",
				"error":    err,
			}).Warn("failed to accept reliable-over-udp connection")
			return
		}
		l.mu.Lock()
		l.conns[key] = conn
		l.mu.Unlock()
		select {
		case l.accepted <- conn:
		default:
		}
	}()
}

// Accept blocks until a new inbound ReliableConn is ready.
func (l *ReliableListener) Accept(ctx context.Context) (*ReliableConn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
