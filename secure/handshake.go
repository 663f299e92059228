// Package secure implements the encrypted framing layer (C5): a mutual
// authentication handshake over an arbitrary byte stream, certificate
// pinning against an expected PeerId, and length-prefixed frame I/O on the
// resulting session.
package secure

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/peerid"
)

// Errors returned by the handshake. ErrCertMismatch is the one the owning
// connection FSM (package connect) watches for to drive the reject/refresh/
// retry sequence required by the spec.
var (
	ErrCertMismatch    = errors.New("secure: peer certificate does not match expected PeerId")
	ErrHandshakeFailed = errors.New("secure: handshake failed")
	ErrNotComplete     = errors.New("secure: handshake has not completed")
)

// Role distinguishes the two sides of a Noise IK handshake. For UDP-tunneled
// connections the spec assigns the role by PeerId comparison: the lower ID
// initiates (Initiator), the higher accepts (Responder). For TCP the role
// follows which side dialed.
type Role int

const (
	Initiator Role = iota
	Responder
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Handshake drives one Noise_IK_25519_ChaChaPoly_SHA256 exchange. IK
// requires the initiator to know the responder's static public key before
// the first message, which is exactly the "certificate pinning" semantics
// the spec requires: a connection can only ever complete against a
// pre-known peer.
type Handshake struct {
	role       Role
	state      *noise.HandshakeState
	expectedID peerid.ID
	localKP    *peerid.KeyPair
	completed  bool
}

// NewInitiatorHandshake builds an Initiator-role handshake when the dialing
// side already has the peer's static public key on hand (the normal case:
// friend lists carry PublicKey alongside PeerId, per §6).
func NewInitiatorHandshake(local *peerid.KeyPair, expectedID peerid.ID, peerStatic [32]byte) (*Handshake, error) {
	cfg := noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: local.Private[:],
			Public:  local.Public[:],
		},
		PeerStatic: peerStatic[:],
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return &Handshake{role: Initiator, state: state, expectedID: expectedID, localKP: local}, nil
}

// NewResponderHandshake builds a Responder-role handshake; the peer's
// static key is learned from message one and checked against expectedID
// inside ReadMessage.
func NewResponderHandshake(local *peerid.KeyPair, expectedID peerid.ID) (*Handshake, error) {
	cfg := noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: local.Private[:],
			Public:  local.Public[:],
		},
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return &Handshake{role: Responder, state: state, expectedID: expectedID, localKP: local}, nil
}

// WriteMessage produces the next outbound handshake message. When the
// handshake completes as a result of this call, the returned Session is
// non-nil.
func (h *Handshake) WriteMessage(payload []byte) (msg []byte, session *Session, err error) {
	out, cs0, cs1, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if cs0 != nil && cs1 != nil {
		h.completed = true
		session, err = h.buildSession(cs0, cs1)
		if err != nil {
			return nil, nil, err
		}
	}
	return out, session, nil
}

// ReadMessage consumes the next inbound handshake message. Once the remote
// static key is known (pattern IK delivers it on the first message the
// responder reads), it is checked against expectedID; a mismatch returns
// ErrCertMismatch immediately and the handshake must not proceed.
func (h *Handshake) ReadMessage(msg []byte) (payload []byte, session *Session, err error) {
	payload, cs0, cs1, err := h.state.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if remote := h.state.PeerStatic(); remote != nil {
		var pub [32]byte
		copy(pub[:], remote)
		if got := peerid.FromPublicKey(pub); got != h.expectedID {
			logrus.WithFields(logrus.Fields{
				"function": "Handshake.ReadMessage",
				"expected": h.expectedID.String(),
				"got":      got.String(),
			}).Warn("peer certificate mismatch")
			return nil, nil, ErrCertMismatch
		}
	}

	if cs0 != nil && cs1 != nil {
		h.completed = true
		session, err = h.buildSession(cs0, cs1)
		if err != nil {
			return nil, nil, err
		}
	}
	return payload, session, nil
}

func (h *Handshake) buildSession(cs0, cs1 *noise.CipherState) (*Session, error) {
	var send, recv *noise.CipherState
	if h.role == Initiator {
		send, recv = cs0, cs1
	} else {
		send, recv = cs1, cs0
	}

	logrus.WithFields(logrus.Fields{
		"function": "Handshake.buildSession",
		"peerId":   h.expectedID.String(),
	}).Info("encrypted session established")

	return &Session{send: send, recv: recv, peer: h.expectedID}, nil
}

// IsCompleted reports whether the handshake has produced a Session.
func (h *Handshake) IsCompleted() bool { return h.completed }
