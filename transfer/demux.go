package transfer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/peerid"
)

// Hash identifies a file's content for routing purposes.
type Hash [20]byte

// ChunkData is inbound data for a file we are currently downloading.
type ChunkData struct {
	FileHash Hash
	Peer     peerid.ID
	Offset   int64
	Length   int64
	Data     []byte
}

// ChunkRequest is an inbound request for a byte range of a file, either
// one we are uploading from a partial download or serving in full.
type ChunkRequest struct {
	FileHash Hash
	Peer     peerid.ID
	Offset   int64
	Length   int64
	SpecOnly bool
}

// ResponseSender delivers a served chunk back over the wire.
type ResponseSender interface {
	SendChunkData(peer peerid.ID, hash Hash, offset int64, data []byte) error
}

// FileMethod is one way of locating a local path for a hash: temp-share
// list, catalog-linked files, or off-catalog shares. The first method in
// the configured chain to return a path wins, unless the request names
// SpecOnly, in which case only methods reporting IsSpec are consulted
// (catalog-linked files are the canonical "spec" source; temp-share and
// off-catalog shares are not).
type FileMethod interface {
	Name() string
	IsSpec() bool
	Find(hash Hash) (path string, ok bool)
}

type queuedItem struct {
	data    *ChunkData
	request *ChunkRequest
}

// DataDemux routes inbound chunk data/requests to the right creator or
// provider (C13).
type DataDemux struct {
	mu sync.Mutex

	requestQueue []queuedItem
	searchQueue  []ChunkRequest

	creators  map[Hash]*FileChunkScheduler
	providers map[Hash]*FileProvider
	methods   []FileMethod

	sender ResponseSender
	clock  TimeProvider
}

// NewDataDemux constructs an empty demultiplexer.
func NewDataDemux(sender ResponseSender, methods []FileMethod) *DataDemux {
	return &DataDemux{
		creators:  make(map[Hash]*FileChunkScheduler),
		providers: make(map[Hash]*FileProvider),
		methods:   methods,
		sender:    sender,
		clock:     DefaultClock,
	}
}

// SetClock overrides the TimeProvider used for dispatch timestamps; tests
// use this for exact, deterministic throughput/staleness assertions.
func (d *DataDemux) SetClock(c TimeProvider) {
	d.clock = c
}

// RegisterCreator associates hash with an in-progress download's
// scheduler, so inbound ChunkData for it can be routed.
func (d *DataDemux) RegisterCreator(hash Hash, sched *FileChunkScheduler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creators[hash] = sched
}

// RegisterProvider associates hash with a completed local file.
func (d *DataDemux) RegisterProvider(hash Hash, provider *FileProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[hash] = provider
}

// EnqueueChunkData queues inbound chunk data for processing on the next
// drain.
func (d *DataDemux) EnqueueChunkData(cd ChunkData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestQueue = append(d.requestQueue, queuedItem{data: &cd})
}

// EnqueueChunkRequest queues an inbound chunk request.
func (d *DataDemux) EnqueueChunkRequest(cr ChunkRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestQueue = append(d.requestQueue, queuedItem{request: &cr})
}

// Tick drains requestQueue completely, then handles at most one
// searchQueue item.
func (d *DataDemux) Tick() {
	d.mu.Lock()
	items := d.requestQueue
	d.requestQueue = nil
	d.mu.Unlock()

	for _, item := range items {
		switch {
		case item.data != nil:
			d.dispatchChunkData(*item.data)
		case item.request != nil:
			d.dispatchChunkRequest(*item.request)
		}
	}

	d.mu.Lock()
	var next *ChunkRequest
	if len(d.searchQueue) > 0 {
		req := d.searchQueue[0]
		d.searchQueue = d.searchQueue[1:]
		next = &req
	}
	d.mu.Unlock()

	if next != nil {
		d.runSearch(*next)
	}
}

func (d *DataDemux) dispatchChunkData(cd ChunkData) {
	d.mu.Lock()
	sched, ok := d.creators[cd.FileHash]
	d.mu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "DataDemux.dispatchChunkData",
			"hash":     cd.FileHash,
		}).Debug("no creator for inbound chunk data, dropping")
		return
	}
	sched.ReceiveChunk(cd.Peer, cd.Offset, cd.Length, cd.Data, d.clock.Now())
}

func (d *DataDemux) dispatchChunkRequest(cr ChunkRequest) {
	d.mu.Lock()
	sched, hasCreator := d.creators[cr.FileHash]
	provider, hasProvider := d.providers[cr.FileHash]
	d.mu.Unlock()

	if hasCreator {
		buf := make([]byte, cr.Length)
		data, err := sched.creator.ReadSavedRange(cr.Offset, cr.Length, buf)
		if err == nil {
			d.reply(cr, data)
			return
		}
	}

	if hasProvider {
		buf := make([]byte, cr.Length)
		data, err := provider.GetFileData(cr.Peer, cr.Offset, cr.Length, buf, d.clock.Now())
		if err == nil && len(data) > 0 {
			d.reply(cr, data)
			return
		}
	}

	d.mu.Lock()
	d.searchQueue = append(d.searchQueue, cr)
	d.mu.Unlock()
}

func (d *DataDemux) reply(cr ChunkRequest, data []byte) {
	if err := d.sender.SendChunkData(cr.Peer, cr.FileHash, cr.Offset, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DataDemux.reply",
			"peer":     cr.Peer.String(),
			"error":    err,
		}).Warn("failed to send chunk data response")
	}
}

func (d *DataDemux) runSearch(cr ChunkRequest) {
	for _, method := range d.methods {
		if cr.SpecOnly && !method.IsSpec() {
			continue
		}
		if path, ok := method.Find(cr.FileHash); ok {
			provider, err := NewFileProvider(path)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "DataDemux.runSearch",
					"method":   method.Name(),
					"error":    err,
				}).Warn("search method resolved a path that could not be opened")
				continue
			}
			d.RegisterProvider(cr.FileHash, provider)
			d.dispatchChunkRequest(cr)
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "DataDemux.runSearch",
		"hash":     cr.FileHash,
	}).Debug("no file method resolved a path for request")
}
