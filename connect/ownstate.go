package connect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/filemesh/core/transport"
)

// Readiness is the own-connectivity manager's linear progression state.
type Readiness int

const (
	Initializing Readiness = iota
	UpdatingDirectory
	Requesting
	Ready
)

func (r Readiness) String() string {
	switch r {
	case UpdatingDirectory:
		return "UpdatingDirectory"
	case Requesting:
		return "Requesting"
	case Ready:
		return "Ready"
	default:
		return "Initializing"
	}
}

// step names the linear FSM's stages, §4.7: PickInterface → OpenPorts →
// (OptionalUpnp) → StunDiscoverServers → StunClassifyNat →
// PublishToDirectory → Ready.
type step int

const (
	stepPickInterface step = iota
	stepOpenPorts
	stepOptionalUpnp
	stepStunDiscoverServers
	stepStunClassifyNat
	stepPublishToDirectory
	stepReady
)

const stepTimeout = 15 * time.Second

// DirectoryPublisher is the external directory-service collaborator (§1's
// out-of-scope HTTP client): given our discovered endpoints, record them.
type DirectoryPublisher interface {
	PublishEndpoints(ctx context.Context, local, external transport.Endpoint, nat transport.NATClass) error
	// PublishBestEffort is the §4.7 fallback invoked when
	// PublishToDirectory's normal call fails: it asks the directory to
	// record whatever public address it observed the request arrive from,
	// without our own classification.
	PublishBestEffort(ctx context.Context) error
}

// OwnState is the §3 OwnState record plus the manager driving it through
// its linear startup FSM.
type OwnState struct {
	mu sync.Mutex

	LocalEndpoint    transport.Endpoint
	ExternalEndpoint *transport.Endpoint
	NatClass         transport.NATClass
	Readiness        Readiness

	mux        *transport.UDPMux
	upnp       *transport.UPnPClient
	classifier *transport.NATClassifier
	directory  DirectoryPublisher
	useUpnp    bool
}

// NewOwnState constructs the manager. useUpnp lets the caller skip C3
// entirely on networks where UPnP is known to be unavailable.
func NewOwnState(mux *transport.UDPMux, classifier *transport.NATClassifier, directory DirectoryPublisher, useUpnp bool) *OwnState {
	return &OwnState{
		mux:        mux,
		classifier: classifier,
		directory:  directory,
		useUpnp:    useUpnp,
		upnp:       transport.NewUPnPClient(),
		Readiness:  Initializing,
	}
}

// Run drives the linear FSM once to completion (startup, or re-run on
// network-interface change / wake from long sleep). Each step gets its own
// stepTimeout; PublishToDirectory failing falls back to PublishBestEffort
// rather than aborting readiness.
func (o *OwnState) Run(ctx context.Context, serverA, serverB transport.Endpoint) error {
	cur := stepPickInterface

	for cur != stepReady {
		stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		err := o.runStep(stepCtx, cur, serverA, serverB)
		cancel()

		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OwnState.Run",
				"step":     cur,
				"error":    err,
			}).Warn("own-connectivity step failed")
			if cur == stepPublishToDirectory {
				if fbErr := o.directory.PublishBestEffort(ctx); fbErr != nil {
					return fmt.Errorf("connect: publish fallback failed: %w", fbErr)
				}
			} else if cur != stepOptionalUpnp {
				return fmt.Errorf("connect: step %d failed: %w", cur, err)
			}
		}

		cur++
	}

	o.mu.Lock()
	o.Readiness = Ready
	o.mu.Unlock()

	logrus.WithField("function", "OwnState.Run").Info("own connectivity ready")
	return nil
}

func (o *OwnState) runStep(ctx context.Context, s step, serverA, serverB transport.Endpoint) error {
	switch s {
	case stepPickInterface:
		o.mu.Lock()
		o.LocalEndpoint = transport.Endpoint{IP: o.mux.LocalAddr().IP, Port: o.mux.LocalAddr().Port}
		o.mu.Unlock()
		return nil

	case stepOpenPorts:
		return nil // the UDP socket is already bound by the time OwnState exists

	case stepOptionalUpnp:
		if !o.useUpnp {
			return nil
		}
		if err := o.upnp.DiscoverGateway(ctx); err != nil {
			return err
		}
		mapping := transport.UPnPMapping{
			ExternalPort: o.mux.LocalAddr().Port,
			InternalPort: o.mux.LocalAddr().Port,
			InternalIP:   o.mux.LocalAddr().IP.String(),
			Protocol:     "UDP",
			Description:  "filemesh",
			Duration:     time.Hour,
		}
		if err := o.upnp.AddPortMapping(ctx, mapping); err != nil {
			return err
		}
		o.upnp.StartMaintenance(ctx)
		return nil

	case stepStunDiscoverServers:
		return nil // server addresses are supplied by the caller

	case stepStunClassifyNat:
		class, ext, err := o.classifier.Classify(ctx, serverA, serverB)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.NatClass = class
		o.ExternalEndpoint = ext
		o.mu.Unlock()
		return nil

	case stepPublishToDirectory:
		o.mu.Lock()
		ext := o.ExternalEndpoint
		local, nat := o.LocalEndpoint, o.NatClass
		o.mu.Unlock()
		extVal := local
		if ext != nil {
			extVal = *ext
		}
		return o.directory.PublishEndpoints(ctx, local, extVal, nat)
	}
	return nil
}

// Snapshot returns a copy of the current own-state fields for inspection.
func (o *OwnState) Snapshot() (local transport.Endpoint, external *transport.Endpoint, nat transport.NATClass, readiness Readiness) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.LocalEndpoint, o.ExternalEndpoint, o.NatClass, o.Readiness
}

// Shutdown tears down UPnP mappings created during Run.
func (o *OwnState) Shutdown(ctx context.Context) {
	if o.useUpnp {
		o.upnp.Shutdown(ctx)
	}
}
