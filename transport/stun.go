package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// attrResponsePort is the non-standard attribute the spec defines for
// asking a STUN server to answer from a second local port, used as the
// distinguishing test between RestrictedCone and FullCone.
const attrResponsePort = stun.AttrType(0x0027)

// Per-step and overall classification timeouts (§4.2).
const (
	StepTimeout          = 10 * time.Second
	ClassificationBudget = 60 * time.Second
)

var (
	ErrSTUNTimeout    = errors.New("transport: stun request timed out")
	ErrNoMappedAddr   = errors.New("transport: stun response carried no mapped address")
	ErrTamperSuspected = errors.New("transport: xor-mapped and mapped addresses disagree, tampering suspected")
)

// PendingSTUN tracks one in-flight transaction awaiting a response, keyed
// by TransactionID in STUNClient.pending.
type PendingSTUN struct {
	TransactionID stun.TransactionID
	SentAt        time.Time
	response      chan *BindingResult
}

// BindingResult is the parsed outcome of a STUN binding response.
type BindingResult struct {
	XorMapped     *Endpoint
	LegacyMapped  *Endpoint
	TamperWarning bool
}

// STUNClient implements RFC 5389 binding request/response generation and
// parsing (C2), address-only, no ICE, no authentication. It also acts as a
// server, answering binding requests addressed to us, for peer-as-STUN
// tests.
type STUNClient struct {
	mux *UDPMux

	mu      sync.Mutex
	pending map[stun.TransactionID]*PendingSTUN
	servers []Endpoint
}

// DefaultServers returns no servers (nil); callers supply their STUN
// servers with SetServers.
func DefaultServers() []Endpoint {
	return nil
}

// NewSTUNClient wires a STUN client on top of an already-bound UDPMux; it
// registers itself as the mux's STUN handler.
func NewSTUNClient(mux *UDPMux) *STUNClient {
	c := &STUNClient{
		mux:     mux,
		pending: make(map[stun.TransactionID]*PendingSTUN),
	}
	mux.OnSTUN(c.handleInbound)
	return c
}

// SetServers overrides the known STUN server list.
func (c *STUNClient) SetServers(servers []Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = servers
}

// Bind sends a binding request to server and waits for a response,
// returning the parsed mapped address. XOR-MAPPED-ADDRESS is preferred; if
// both it and the legacy MAPPED-ADDRESS are present and disagree, the XOR
// value is trusted but TamperWarning is set (S4).
func (c *STUNClient) Bind(ctx context.Context, server Endpoint) (*BindingResult, error) {
	tid := stun.NewTransactionID()
	msg := buildBindingRequest(tid)

	result := c.awaitResponse(ctx, tid, server, msg.Raw)
	return result, nil
}

// buildBindingRequest is kept separate from Bind so it can be unit tested
// against S4's round-trip property without a network round trip.
func buildBindingRequest(tid stun.TransactionID) *stun.Message {
	msg := new(stun.Message)
	msg.TransactionID = tid
	msg.Type = stun.BindingRequest
	msg.WriteHeader()
	return msg
}

// buildBindingResponse constructs a binding-success response carrying the
// given mapped address, used both by respondAsServer and by tests.
func buildBindingResponse(tid stun.TransactionID, mapped Endpoint, legacyToo bool) (*stun.Message, error) {
	msg := new(stun.Message)
	msg.TransactionID = tid
	msg.Type = stun.BindingSuccess

	xor := &stun.XORMappedAddress{IP: mapped.IP, Port: mapped.Port}
	if err := xor.AddTo(msg); err != nil {
		return nil, fmt.Errorf("transport: add xor-mapped-address: %w", err)
	}
	if legacyToo {
		legacy := &stun.MappedAddress{IP: mapped.IP, Port: mapped.Port}
		if err := legacy.AddTo(msg); err != nil {
			return nil, fmt.Errorf("transport: add mapped-address: %w", err)
		}
	}
	msg.WriteHeader()
	return msg, nil
}

// parseBindingResponse extracts XOR-MAPPED-ADDRESS and, if present,
// legacy MAPPED-ADDRESS, implementing the "XOR wins, warn on disagreement"
// rule from §4.2 and S4.
func parseBindingResponse(data []byte) (*BindingResult, error) {
	msg := new(stun.Message)
	msg.Raw = data
	if err := msg.Decode(); err != nil {
		return nil, fmt.Errorf("transport: decode stun message: %w", err)
	}

	result := &BindingResult{}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(msg); err == nil {
		ep := Endpoint{IP: xor.IP, Port: xor.Port}
		result.XorMapped = &ep
	}

	var legacy stun.MappedAddress
	if err := legacy.GetFrom(msg); err == nil {
		ep := Endpoint{IP: legacy.IP, Port: legacy.Port}
		result.LegacyMapped = &ep
	}

	if result.XorMapped == nil && result.LegacyMapped == nil {
		return nil, ErrNoMappedAddr
	}

	if result.XorMapped != nil && result.LegacyMapped != nil && !result.XorMapped.Equal(*result.LegacyMapped) {
		result.TamperWarning = true
	}

	return result, nil
}

// ResolvedEndpoint returns the address to trust: XOR-MAPPED-ADDRESS when
// present, else the legacy attribute.
func (r *BindingResult) ResolvedEndpoint() (Endpoint, error) {
	if r.XorMapped != nil {
		return *r.XorMapped, nil
	}
	if r.LegacyMapped != nil {
		return *r.LegacyMapped, nil
	}
	return Endpoint{}, ErrNoMappedAddr
}

func (c *STUNClient) awaitResponse(ctx context.Context, tid stun.TransactionID, server Endpoint, raw []byte) *BindingResult {
	ch := make(chan *BindingResult, 1)

	c.mu.Lock()
	c.pending[tid] = &PendingSTUN{TransactionID: tid, SentAt: time.Now(), response: ch}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, tid)
		c.mu.Unlock()
	}()

	if err := c.mux.SendWithTTL(raw, server, 0); err != nil {
		logrus.WithFields(logrus.Fields{"function": "STUNClient.awaitResponse", "error": err}).Warn("failed to send stun binding request")
		return nil
	}

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return nil
	case <-time.After(StepTimeout):
		return nil
	}
}

func (c *STUNClient) handleInbound(data []byte, from Endpoint) {
	msg := new(stun.Message)
	msg.Raw = data
	if err := msg.Decode(); err != nil {
		return
	}

	switch {
	case msg.Type == stun.BindingSuccess:
		c.mu.Lock()
		pending, ok := c.pending[msg.TransactionID]
		c.mu.Unlock()
		if !ok {
			return
		}
		result, err := parseBindingResponse(data)
		if err != nil {
			return
		}
		if result.TamperWarning {
			logrus.WithFields(logrus.Fields{
				"function": "STUNClient.handleInbound",
				"from":     from.String(),
			}).Warn(ErrTamperSuspected.Error())
		}
		select {
		case pending.response <- result:
		default:
		}
	case msg.Type == stun.BindingRequest:
		c.respondAsServer(msg, from)
	}
}

// respondAsServer answers a binding request addressed to us, supporting
// the "peer-as-STUN-server" role the spec requires for NAT classification
// tests between two friends.
func (c *STUNClient) respondAsServer(req *stun.Message, from Endpoint) {
	resp, err := buildBindingResponse(req.TransactionID, from, true)
	if err != nil {
		return
	}
	_ = c.mux.SendWithTTL(resp.Raw, from, 0)
}

// requestAlternatePortRequest asks server to answer a binding request from a
// second port by setting the non-standard RESPONSE-PORT attribute (§4.2);
// used to distinguish RestrictedCone from FullCone.
func requestAlternatePortRequest(tid stun.TransactionID, altPort int) *stun.Message {
	msg := new(stun.Message)
	msg.TransactionID = tid
	msg.Type = stun.BindingRequest

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(altPort))
	msg.Add(attrResponsePort, portBytes)
	msg.WriteHeader()
	return msg
}
