package transfer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/peerid"
)

// Tuning constants for the per-file chunk scheduler (§4.10).
const (
	FastStartRate   = 8 * 1024
	MinChunkSize    = 4 * 1024
	MaxChunkSize    = 64 * 1024
	DefaultRTT      = 2 * time.Second
	ResetThreshold  = 5
	rttEWMAAlpha    = 0.25
	rateEWMAAlpha   = 0.25
)

// SourceState is a per-peer source's eligibility for chunk requests.
type SourceState int

const (
	Eligible SourceState = iota
	IdleSource
	NotOnline
)

// RequestSender hands an outgoing ChunkRequest off to the wire (typically
// the service mux). Decoupling the scheduler from the mux keeps this
// package's logic testable without a live connection.
type RequestSender interface {
	SendChunkRequest(peer peerid.ID, offset, length int64) error
}

// peerSource is the scheduler's per-peer bookkeeping.
type peerSource struct {
	peer  peerid.ID
	state SourceState

	currentSize int64
	actualRate  float64 // EWMA bytes/second
	rtt         time.Duration

	hasOutstanding   bool
	outstandingStart time.Time
	outstandingOff   int64
	outstandingLen   int64
	bytesThisRequest int64

	resetCount int
}

// FileChunkScheduler drives chunk requests for one in-progress file
// download across all of its known sources (C10).
type FileChunkScheduler struct {
	mu      sync.Mutex
	creator *FileCreator
	sender  RequestSender

	sources []*peerSource
	rrIndex int

	windowBytes int64 // set to FastStartRate; not read or updated, so bytes in flight are not bounded by it
	paused      bool
	cancelled   bool
}

// NewFileChunkScheduler constructs a scheduler for creator, sending
// requests through sender.
func NewFileChunkScheduler(creator *FileCreator, sender RequestSender) *FileChunkScheduler {
	return &FileChunkScheduler{
		creator:     creator,
		sender:      sender,
		windowBytes: FastStartRate,
	}
}

// AddSource registers peer as a candidate chunk source.
func (s *FileChunkScheduler) AddSource(peer peerid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.peer == peer {
			return
		}
	}
	s.sources = append(s.sources, &peerSource{
		peer:        peer,
		state:       Eligible,
		currentSize: FastStartRate,
		rtt:         DefaultRTT,
	})
}

// SetPeerState changes peer's eligibility without removing it as a source.
func (s *FileChunkScheduler) SetPeerState(peer peerid.ID, state SourceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.peer == peer {
			src.state = state
			return
		}
	}
}

// Tick emits at most one request per eligible peer without an outstanding
// request, and detects per-peer stalls (RTT * 4 elapsed with no bytes).
func (s *FileChunkScheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || s.cancelled || len(s.sources) == 0 {
		return
	}

	for _, src := range s.sources {
		if src.state != NotOnline && src.hasOutstanding {
			if now.Sub(src.outstandingStart) > src.rtt*4 && src.bytesThisRequest == 0 {
				s.markIdle(src)
			}
		}
	}

	n := len(s.sources)
	for i := 0; i < n; i++ {
		idx := (s.rrIndex + i) % n
		src := s.sources[idx]
		if src.state == NotOnline || src.hasOutstanding {
			continue
		}

		offset, length, err := s.creator.AllocateRemainingChunk(src.peer, src.currentSize, now)
		if err != nil {
			if err == ErrFullyDownloaded {
				return
			}
			continue
		}

		if err := s.sender.SendChunkRequest(src.peer, offset, length); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "FileChunkScheduler.Tick",
				"peer":     src.peer.String(),
				"error":    err,
			}).Warn("failed to send chunk request")
			continue
		}

		src.hasOutstanding = true
		src.outstandingStart = now
		src.outstandingOff = offset
		src.outstandingLen = length
		src.bytesThisRequest = 0
		s.rrIndex = (idx + 1) % n
	}
}

func (s *FileChunkScheduler) markIdle(src *peerSource) {
	src.state = IdleSource
	src.hasOutstanding = false
	src.resetCount++
	logrus.WithFields(logrus.Fields{
		"function":   "FileChunkScheduler.markIdle",
		"peer":       src.peer.String(),
		"resetCount": src.resetCount,
	}).Debug("source stalled, marking idle")

	if src.resetCount > ResetThreshold {
		src.state = NotOnline
		s.creator.InvalidateChunksRequestedFrom(src.peer)
		logrus.WithFields(logrus.Fields{
			"function": "FileChunkScheduler.markIdle",
			"peer":     src.peer.String(),
		}).Info("source exceeded reset threshold, marked not online")
	}
}

// ReceiveChunk hands arrived data to the FileCreator and updates the
// source's RTT and rate estimates. buf is owned by the caller on entry
// and by transfer on return if accepted.
func (s *FileChunkScheduler) ReceiveChunk(peer peerid.ID, offset, length int64, buf []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creator.AddFileData(peer, offset, length, buf)

	for _, src := range s.sources {
		if src.peer != peer || !src.hasOutstanding {
			continue
		}
		src.bytesThisRequest += length
		src.state = Eligible

		if offset+length >= src.outstandingOff+src.outstandingLen {
			sample := now.Sub(src.outstandingStart)
			if src.rtt == 0 {
				src.rtt = sample
			} else {
				src.rtt = time.Duration(float64(src.rtt)*(1-rttEWMAAlpha) + float64(sample)*rttEWMAAlpha)
			}

			elapsed := sample.Seconds()
			var instantRate float64
			if elapsed > 0 {
				instantRate = float64(src.bytesThisRequest) / elapsed
			}
			prevRate := src.actualRate
			src.actualRate = src.actualRate*(1-rateEWMAAlpha) + instantRate*rateEWMAAlpha

			rateIncrease := 0.0
			if prevRate > 0 {
				rateIncrease = (src.actualRate - prevRate) / prevRate
			} else if instantRate > 0 {
				rateIncrease = 1
			}
			rateIncrease = clamp(rateIncrease, -1, 1)

			newSize := int64(float64(src.currentSize) * (1 + rateIncrease))
			src.currentSize = clampInt64(newSize, MinChunkSize, MaxChunkSize)

			src.hasOutstanding = false
			src.resetCount = 0
		}
		return
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Pause suspends request emission without losing scheduler state.
func (s *FileChunkScheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables request emission.
func (s *FileChunkScheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Cancel stops the scheduler and deletes the partial file.
func (s *FileChunkScheduler) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return s.creator.Cancel()
}
