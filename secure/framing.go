package secure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"

	"github.com/filemesh/core/peerid"
)

// frameMagic identifies a frame header; version is bumped if the wire
// format ever changes incompatibly.
const (
	frameMagic      uint16 = 0xF17E
	frameVersion    byte   = 1
	frameHeaderSize        = 8 // 2 magic + 1 version + 1 flags + 4 length
	maxFrameLength         = 16 * 1024 * 1024
)

// Flag bits carried in the frame header's flags byte. FlagControl marks a
// frame that belongs to a low-level control service rather than a payload
// service (see package service).
type Flag byte

const (
	FlagNone    Flag = 0
	FlagControl Flag = 1 << 0
)

// ErrFrameTooLarge guards against a corrupt or malicious length field.
var ErrFrameTooLarge = errors.New("secure: frame exceeds maximum length")

// ErrBadMagic indicates the stream has desynchronized.
var ErrBadMagic = errors.New("secure: frame magic mismatch")

// Session is an established, mutually authenticated encrypted channel to a
// single confirmed peer. It rate-balances nothing itself — package service
// does that across sessions — but it does serialize writes with a mutex
// since the underlying noise CipherState is not safe for concurrent use.
type Session struct {
	mu   sync.Mutex
	send *noise.CipherState
	recv *noise.CipherState
	peer peerid.ID
}

// Peer returns the PeerId this session was pinned to at handshake time.
func (s *Session) Peer() peerid.ID { return s.peer }

// WriteFrame encrypts payload, prefixes it with an 8-byte frame header, and
// writes the result to w. Frames are never split across writes: w.Write is
// called at most once per frame's header+ciphertext.
func (s *Session) WriteFrame(w io.Writer, flags Flag, payload []byte) error {
	if len(payload) > maxFrameLength {
		return ErrFrameTooLarge
	}

	s.mu.Lock()
	ciphertext, err := s.send.Encrypt(nil, nil, payload)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("secure: encrypt failed: %w", err)
	}

	header := make([]byte, frameHeaderSize+len(ciphertext))
	binary.BigEndian.PutUint16(header[0:2], frameMagic)
	header[2] = frameVersion
	header[3] = byte(flags)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(ciphertext)))
	copy(header[frameHeaderSize:], ciphertext)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("secure: write failed: %w", err)
	}
	return nil
}

// ReadFrame reads and decrypts one frame from r.
func (s *Session) ReadFrame(r io.Reader) (flags Flag, payload []byte, err error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	if binary.BigEndian.Uint16(header[0:2]) != frameMagic {
		return 0, nil, ErrBadMagic
	}
	flags = Flag(header[3])
	length := binary.BigEndian.Uint32(header[4:8])
	if length > maxFrameLength {
		return 0, nil, ErrFrameTooLarge
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return 0, nil, fmt.Errorf("secure: short read: %w", err)
	}

	s.mu.Lock()
	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	s.mu.Unlock()
	if err != nil {
		return 0, nil, fmt.Errorf("secure: decrypt failed: %w", err)
	}
	return flags, plaintext, nil
}
