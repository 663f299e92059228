// Package persist handles the two on-disk state files the core keeps
// between runs: friends.list (the roster cache) and transfers.state
// (in-progress transfer bookkeeping), both plain YAML.
package persist

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/filemesh/core/peerid"
)

// FriendEntry is one persisted roster row.
type FriendEntry struct {
	PeerID           string    `yaml:"peer_id"`
	DisplayName      string    `yaml:"display_name"`
	LastExternalIP   string    `yaml:"last_external_ip"`
	LastExternalPort int       `yaml:"last_external_port"`
	LastContactTime  time.Time `yaml:"last_contact_time"`
}

// FriendsList is the full contents of friends.list.
type FriendsList struct {
	Friends []FriendEntry `yaml:"friends"`
}

// LoadFriendsList reads and parses path, returning an empty list if the
// file does not yet exist.
func LoadFriendsList(path string) (*FriendsList, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &FriendsList{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: reading %s: %w", path, err)
	}
	var fl FriendsList
	if err := yaml.Unmarshal(data, &fl); err != nil {
		return nil, fmt.Errorf("persist: parsing %s: %w", path, err)
	}
	return &fl, nil
}

// Save writes fl to path, overwriting any existing contents.
func (fl *FriendsList) Save(path string) error {
	data, err := yaml.Marshal(fl)
	if err != nil {
		return fmt.Errorf("persist: marshaling friends list: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("persist: writing %s: %w", path, err)
	}
	return nil
}

// ParsePeerID is a small convenience wrapper used when loading entries
// back into peerid.ID values.
func ParsePeerID(s string) (peerid.ID, error) {
	return peerid.FromHex(s)
}
