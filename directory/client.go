// Package directory defines the boundary to the external directory
// service: an out-of-module HTTP collaborator that records each node's
// reachable endpoints and hands back a friend roster. Only the interface
// lives here; the wire encoding and transport are external collaborators
// per the project's non-goals.
package directory

import (
	"context"
	"time"

	"github.com/filemesh/core/peerid"
	"github.com/filemesh/core/transport"
)

// FriendRecord is one roster entry as published by a friend.
type FriendRecord struct {
	PeerID           peerid.ID
	DisplayName      string
	LocalEndpoint    transport.Endpoint
	ExternalEndpoint transport.Endpoint
	NatClass         transport.NATClass
	PublishedAt      time.Time
}

// Client is the full directory-service surface used by the connectivity
// core: publishing this node's own endpoints (connect.DirectoryPublisher)
// and fetching the current friend roster.
type Client interface {
	PublishEndpoints(ctx context.Context, local, external transport.Endpoint, nat transport.NATClass) error
	PublishBestEffort(ctx context.Context) error
	FetchRoster(ctx context.Context) ([]FriendRecord, error)
}

// unavailableError marks an error returned by implementations when the
// directory service cannot be reached at all (used to decide whether to
// fall back to a cached roster from persist); WrapUnavailable builds one.
type unavailableError struct{ cause error }

func (e *unavailableError) Error() string { return "directory: service unavailable: " + e.cause.Error() }
func (e *unavailableError) Unwrap() error { return e.cause }

// WrapUnavailable marks err as a directory-unavailable condition.
func WrapUnavailable(err error) error { return &unavailableError{cause: err} }
