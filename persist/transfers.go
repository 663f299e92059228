package persist

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChunkRecord is one persisted requested-chunk range, enough to resume a
// transfer's bookkeeping after a restart (received-but-unwritten data is
// not persisted; it is re-requested).
type ChunkRecord struct {
	StartOffset int64  `yaml:"start_offset"`
	Length      int64  `yaml:"length"`
	FromPeer    string `yaml:"from_peer"`
}

// TransferEntry is one persisted in-progress file transfer.
type TransferEntry struct {
	FileHash        string        `yaml:"file_hash"`
	Path            string        `yaml:"path"`
	Size            int64         `yaml:"size"`
	SavedBytes      int64         `yaml:"saved_bytes"`
	RequestedChunks []ChunkRecord `yaml:"requested_chunks"`
	StartedAt       time.Time     `yaml:"started_at"`
}

// TransfersState is the full contents of transfers.state.
type TransfersState struct {
	Transfers []TransferEntry `yaml:"transfers"`
}

// LoadTransfersState reads and parses path, returning an empty state if
// the file does not yet exist.
func LoadTransfersState(path string) (*TransfersState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &TransfersState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: reading %s: %w", path, err)
	}
	var ts TransfersState
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("persist: parsing %s: %w", path, err)
	}
	return &ts, nil
}

// Save writes ts to path, overwriting any existing contents.
func (ts *TransfersState) Save(path string) error {
	data, err := yaml.Marshal(ts)
	if err != nil {
		return fmt.Errorf("persist: marshaling transfers state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("persist: writing %s: %w", path, err)
	}
	return nil
}
