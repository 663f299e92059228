// Package peerid defines the stable 20-byte peer identifier used throughout
// the connectivity and transfer cores, and the long-lived keypair it is
// derived from.
package peerid

import (
	"crypto/sha1"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/sirupsen/logrus"
)

// Size is the length in bytes of a PeerId.
const Size = 20

// ID is an opaque identifier derived from a peer's long-lived public key.
// It is stable across sessions and is never itself transmitted in place of
// the certificate it was derived from; it is computed locally by both
// sides after a handshake to confirm identity.
type ID [Size]byte

// String returns the lowercase hex encoding of the ID.
func (p ID) String() string {
	return hex.EncodeToString(p[:])
}

// Less reports whether p sorts lexicographically before other. Used for
// the tie-breaking rules in the per-peer connection FSM and for the
// initiator/acceptor role split in UDP-tunneled handshakes.
func (p ID) Less(other ID) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether p is the zero value.
func (p ID) IsZero() bool {
	return p == ID{}
}

// FromHex parses a 40-character hex string into an ID.
func FromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("peerid: invalid hex: %w", err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("peerid: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromPublicKey derives a PeerId from a long-lived Curve25519 public key by
// taking the SHA-1 digest of the raw key bytes, matching the data model's
// "SHA-1 of the public key" derivation.
func FromPublicKey(pub [32]byte) ID {
	sum := sha1.Sum(pub[:])
	var id ID
	copy(id[:], sum[:])
	return id
}

// KeyPair is a long-lived Curve25519 keypair identifying this node to its
// friends. The public half, hashed, is this node's own PeerId.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// ErrKeyGeneration is returned when the underlying random source fails.
var ErrKeyGeneration = errors.New("peerid: key generation failed")

// GenerateKeyPair creates a new long-lived keypair suitable for the Noise
// IK handshake in package secure.
func GenerateKeyPair() (*KeyPair, error) {
	logrus.WithField("function", "GenerateKeyPair").Debug("generating long-lived peer keypair")

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "GenerateKeyPair", "error": err}).Error("key generation failed")
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	kp := &KeyPair{Public: *pub, Private: *priv}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"peerId":   FromPublicKey(kp.Public).String(),
	}).Info("long-lived keypair generated")

	return kp, nil
}

// ID returns the PeerId derived from this keypair's public key.
func (kp *KeyPair) ID() ID {
	return FromPublicKey(kp.Public)
}

// DerivePublic recomputes the Curve25519 public key for a private key, used
// when only the private scalar is persisted.
func DerivePublic(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}
