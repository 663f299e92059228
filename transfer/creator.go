// Package transfer implements the file-transfer core: the per-file chunk
// scheduler (C10), the file creator (C11), the file provider (C12), and
// the data demultiplexer (C13).
package transfer

import (
	"errors"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/peerid"
)

// ChunkMaxAge is how long a requested-but-unfulfilled chunk may sit before
// it becomes eligible for re-request from a different source.
const ChunkMaxAge = 20 * time.Second

// ErrFullyDownloaded is returned by AllocateRemainingChunk once every byte
// has been written to disk.
var ErrFullyDownloaded = errors.New("transfer: file is fully downloaded")

// ErrNoWorkAvailable is returned when nothing can be carved or re-requested
// right now (every byte is either saved, received-pending-write, or
// requested-and-still-fresh).
var ErrNoWorkAvailable = errors.New("transfer: no allocatable chunk right now")

// RequestedChunk is a byte range currently out for delivery from a peer.
type RequestedChunk struct {
	StartOffset int64
	Length      int64
	RequestedAt time.Time
	FromPeer    peerid.ID
}

func (r RequestedChunk) end() int64 { return r.StartOffset + r.Length }

// ReceivedChunk is data that has arrived but not yet been flushed to disk.
type ReceivedChunk struct {
	StartOffset int64
	Length      int64
	Data        []byte
}

func (r ReceivedChunk) end() int64 { return r.StartOffset + r.Length }

// FileCreator owns the partial file on disk and the bookkeeping of which
// byte ranges have been requested, received, and saved (§4.11).
type FileCreator struct {
	path string
	file *os.File
	size int64

	savedBytes      int64
	nextOffset      int64 // first byte never part of any requested/received range
	requestedChunks []RequestedChunk
	receivedChunks  []ReceivedChunk
	fullyDownloaded bool
}

// NewFileCreator opens (creating if absent) the partial file at path sized
// for a transfer of the given total size. A zero-byte file is created,
// closed, and marked fully downloaded immediately.
func NewFileCreator(path string, size int64) (*FileCreator, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	fc := &FileCreator{path: path, file: f, size: size}
	if size == 0 {
		fc.fullyDownloaded = true
		if err := f.Close(); err != nil {
			return nil, err
		}
		fc.file = nil
	}
	return fc, nil
}

// AllocateRemainingChunk returns the next byte range to request from peer:
// a timed-out requested chunk if one exists (re-request), else a fresh
// carve of up to maxLen bytes starting at the first never-requested byte.
func (fc *FileCreator) AllocateRemainingChunk(peer peerid.ID, maxLen int64, now time.Time) (int64, int64, error) {
	if fc.fullyDownloaded {
		return 0, 0, ErrFullyDownloaded
	}

	for i := range fc.requestedChunks {
		if now.Sub(fc.requestedChunks[i].RequestedAt) > ChunkMaxAge {
			fc.requestedChunks[i].RequestedAt = now
			fc.requestedChunks[i].FromPeer = peer
			logrus.WithFields(logrus.Fields{
				"function": "FileCreator.AllocateRemainingChunk",
				"offset":   fc.requestedChunks[i].StartOffset,
				"peer":     peer.String(),
			}).Debug("re-requesting aged chunk")
			return fc.requestedChunks[i].StartOffset, fc.requestedChunks[i].Length, nil
		}
	}

	if fc.nextOffset >= fc.size {
		return 0, 0, ErrNoWorkAvailable
	}

	remaining := fc.size - fc.nextOffset
	length := maxLen
	if length > remaining {
		length = remaining
	}
	offset := fc.nextOffset
	fc.requestedChunks = append(fc.requestedChunks, RequestedChunk{
		StartOffset: offset,
		Length:      length,
		RequestedAt: now,
		FromPeer:    peer,
	})
	fc.nextOffset += length
	return offset, length, nil
}

// AddFileData accepts data received from peer into receivedChunks,
// updating requestedChunks per removeFromRequestedChunks. Duplicate
// ranges (already fully covered by an existing receivedChunk) are
// dropped; ranges extending past the file's end are truncated.
func (fc *FileCreator) AddFileData(peer peerid.ID, offset, length int64, data []byte) {
	if offset+length > fc.size {
		length = fc.size - offset
		if length <= 0 {
			return
		}
		data = data[:length]
	}

	for _, existing := range fc.receivedChunks {
		if existing.StartOffset <= offset && existing.end() >= offset+length {
			return // duplicate, fully covered already
		}
	}

	fc.receivedChunks = append(fc.receivedChunks, ReceivedChunk{StartOffset: offset, Length: length, Data: data})
	sort.Slice(fc.receivedChunks, func(i, j int) bool {
		return fc.receivedChunks[i].StartOffset < fc.receivedChunks[j].StartOffset
	})

	fc.requestedChunks = removeFromRequestedChunks(fc.requestedChunks, offset, offset+length)
}

// removeFromRequestedChunks applies the five overlap cases between an
// arriving [recvStart, recvEnd) range and each existing requested chunk.
func removeFromRequestedChunks(chunks []RequestedChunk, recvStart, recvEnd int64) []RequestedChunk {
	result := make([]RequestedChunk, 0, len(chunks))
	for _, req := range chunks {
		reqStart, reqEnd := req.StartOffset, req.end()

		switch {
		case recvStart <= reqStart && recvEnd >= reqEnd:
			// received fully encloses requested: drop it
			continue

		case reqStart < recvStart && recvEnd < reqEnd:
			// requested fully encloses received with room both sides: split
			head := req
			head.Length = recvStart - reqStart
			tail := req
			tail.StartOffset = recvEnd
			tail.Length = reqEnd - recvEnd
			result = append(result, head, tail)

		case recvStart > reqStart && recvStart < reqEnd && recvEnd >= reqEnd:
			// overlap consumes the tail: shrink length, keep start
			shrunk := req
			shrunk.Length = recvStart - reqStart
			result = append(result, shrunk)

		case recvStart <= reqStart && recvEnd > reqStart && recvEnd < reqEnd:
			// overlap consumes the head: move start forward
			shrunk := req
			shrunk.StartOffset = recvEnd
			shrunk.Length = reqEnd - recvEnd
			result = append(result, shrunk)

		default:
			// no overlap
			result = append(result, req)
		}
	}
	return result
}

// Tick walks receivedChunks in offset order, writing each contiguous run
// starting at savedBytes to disk, stopping at the first gap or write
// failure.
func (fc *FileCreator) Tick() error {
	for len(fc.receivedChunks) > 0 && fc.receivedChunks[0].StartOffset == fc.savedBytes {
		chunk := fc.receivedChunks[0]
		if _, err := fc.file.WriteAt(chunk.Data, chunk.StartOffset); err != nil {
			return err
		}
		fc.savedBytes += chunk.Length
		fc.receivedChunks = fc.receivedChunks[1:]
	}

	if fc.savedBytes >= fc.size && !fc.fullyDownloaded {
		fc.fullyDownloaded = true
		if fc.file != nil {
			if err := fc.file.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// InvalidateChunksRequestedFrom removes every requestedChunk attributed to
// peer, typically called when a source is marked NotOnline. Received
// chunks record no source peer, so receivedChunks is left unchanged.
func (fc *FileCreator) InvalidateChunksRequestedFrom(peer peerid.ID) {
	kept := fc.requestedChunks[:0]
	for _, r := range fc.requestedChunks {
		if r.FromPeer != peer {
			kept = append(kept, r)
		}
	}
	fc.requestedChunks = kept
}

// FullyDownloaded reports whether every byte has been written to disk.
func (fc *FileCreator) FullyDownloaded() bool { return fc.fullyDownloaded }

// SavedBytes returns the current disk write watermark.
func (fc *FileCreator) SavedBytes() int64 { return fc.savedBytes }

// RequestedChunks returns a copy of the current requested-chunk list, for
// inspection and tests.
func (fc *FileCreator) RequestedChunks() []RequestedChunk {
	out := make([]RequestedChunk, len(fc.requestedChunks))
	copy(out, fc.requestedChunks)
	return out
}

// ReceivedChunks returns a copy of the current received-but-unwritten
// chunk list, for inspection and tests.
func (fc *FileCreator) ReceivedChunks() []ReceivedChunk {
	out := make([]ReceivedChunk, len(fc.receivedChunks))
	copy(out, fc.receivedChunks)
	return out
}

// ReadSavedRange serves bytes already flushed to disk (offsets below
// SavedBytes), letting a partial download also act as an upload source.
func (fc *FileCreator) ReadSavedRange(offset, maxLen int64, outBuf []byte) ([]byte, error) {
	if offset >= fc.savedBytes {
		return nil, ErrNoWorkAvailable
	}
	length := maxLen
	if remaining := fc.savedBytes - offset; length > remaining {
		length = remaining
	}
	if int64(len(outBuf)) < length {
		length = int64(len(outBuf))
	}
	n, err := fc.file.ReadAt(outBuf[:length], offset)
	if err != nil {
		return nil, err
	}
	return outBuf[:n], nil
}

// Close releases the underlying file handle.
func (fc *FileCreator) Close() error {
	if fc.file == nil {
		return nil
	}
	return fc.file.Close()
}

// Cancel frees chunk buffers and deletes the partial file from disk.
func (fc *FileCreator) Cancel() error {
	fc.requestedChunks = nil
	fc.receivedChunks = nil
	if fc.file != nil {
		fc.file.Close()
		fc.file = nil
	}
	return os.Remove(fc.path)
}
