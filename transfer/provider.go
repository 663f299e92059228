package transfer

import (
	"os"
	"sync"
	"time"

	"github.com/filemesh/core/peerid"
)

// rateWindow is the span over which FileProvider estimates its upload
// byte rate (§4.12).
const rateWindow = 3 * time.Second

// FileProvider is a read-only view over a completed local file, used to
// serve ChunkRequests once we hold the whole file (C12).
type FileProvider struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64

	lastRequestor peerid.ID
	lastRequestAt time.Time

	windowStart time.Time
	windowBytes int64
	byteRate    float64
}

// NewFileProvider opens path read-only.
func NewFileProvider(path string) (*FileProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileProvider{path: path, file: f, size: info.Size(), windowStart: time.Now()}, nil
}

// GetFileData seeks to offset and reads up to maxLen bytes (clipped to the
// remaining file size) into outBuf, returning the slice actually filled.
func (fp *FileProvider) GetFileData(requestor peerid.ID, offset, maxLen int64, outBuf []byte, now time.Time) ([]byte, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if offset >= fp.size {
		return nil, nil
	}
	length := maxLen
	if remaining := fp.size - offset; length > remaining {
		length = remaining
	}
	if int64(len(outBuf)) < length {
		length = int64(len(outBuf))
	}

	n, err := fp.file.ReadAt(outBuf[:length], offset)
	if err != nil {
		return nil, err
	}

	fp.lastRequestor = requestor
	fp.lastRequestAt = now
	fp.recordThroughput(int64(n), now)

	return outBuf[:n], nil
}

func (fp *FileProvider) recordThroughput(n int64, now time.Time) {
	if now.Sub(fp.windowStart) > rateWindow {
		fp.byteRate = float64(fp.windowBytes) / rateWindow.Seconds()
		fp.windowStart = now
		fp.windowBytes = 0
	}
	fp.windowBytes += n
}

// ByteRate returns the most recently computed bytes/second estimate over
// the trailing rateWindow.
func (fp *FileProvider) ByteRate() float64 {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.byteRate
}

// LastRequestor returns the peer that most recently requested data, and
// when.
func (fp *FileProvider) LastRequestor() (peerid.ID, time.Time) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.lastRequestor, fp.lastRequestAt
}

// Size returns the total file size.
func (fp *FileProvider) Size() int64 { return fp.size }

// Close releases the underlying file handle.
func (fp *FileProvider) Close() error { return fp.file.Close() }
