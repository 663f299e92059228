package transport

import (
	"context"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// NATClassifier runs the §4.2 classification algorithm: two independent
// STUN servers, two distinct local ports.
type NATClassifier struct {
	primary   *STUNClient
	secondary *STUNClient // bound to a second local port
}

// NewNATClassifier wires a classifier from two STUN clients bound to
// different local UDP ports (portA and portB in the spec's description).
func NewNATClassifier(primary, secondary *STUNClient) *NATClassifier {
	return &NATClassifier{primary: primary, secondary: secondary}
}

// observation captures the raw facts the classification decision table
// operates on, separated from the network I/O so the decision logic
// itself is unit-testable without sockets.
type observation struct {
	x1             *Endpoint // external endpoint seen via serverA from portA
	x2             *Endpoint // external endpoint seen via serverB from portA
	localEndpoint  Endpoint
	responsePortOK bool // serverA answered from an alternate port when asked
	altSourceOK    bool // response arrived from serverA's alternate address directly
}

// Classify runs the full two-server sequence within ClassificationBudget
// and returns the resulting NATClass plus the external endpoint to publish.
func (n *NATClassifier) Classify(ctx context.Context, serverA, serverB Endpoint) (NATClass, *Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, ClassificationBudget)
	defer cancel()

	obs := observation{localEndpoint: Endpoint{IP: n.primary.mux.LocalAddr().IP, Port: n.primary.mux.LocalAddr().Port}}

	r1, err1 := n.primary.Bind(ctx, serverA)
	if err1 == nil && r1 != nil {
		ep, err := r1.ResolvedEndpoint()
		if err == nil {
			obs.x1 = &ep
		}
	}

	r2, err2 := n.primary.Bind(ctx, serverB)
	if err2 == nil && r2 != nil {
		ep, err := r2.ResolvedEndpoint()
		if err == nil {
			obs.x2 = &ep
		}
	}

	if obs.x1 == nil && obs.x2 == nil {
		logrus.WithField("function", "NATClassifier.Classify").Warn("no stun server reachable")
		return NATUnreachable, nil, nil
	}

	if obs.x1 != nil && obs.x2 != nil && !obs.x1.Equal(*obs.x2) {
		return classify(obs), obs.x1, nil
	}

	// X1 == X2 (or only one responded): run the RESPONSE-PORT test against
	// serverA to distinguish RestrictedCone from FullCone.
	obs.responsePortOK = n.testResponsePort(ctx, serverA)
	obs.altSourceOK = obs.responsePortOK

	class := classify(obs)
	ext := obs.x1
	if ext == nil {
		ext = obs.x2
	}
	return class, ext, nil
}

// testResponsePort asks serverA to answer from a second port, per the
// RESPONSE-PORT attribute described in §4.2. A reply on the secondary
// client's socket indicates FullCone; no reply within StepTimeout
// indicates RestrictedCone.
func (n *NATClassifier) testResponsePort(ctx context.Context, serverA Endpoint) bool {
	if n.secondary == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	tid := stun.NewTransactionID()
	req := requestAlternatePortRequest(tid, n.secondary.mux.LocalAddr().Port)
	result := n.secondary.awaitResponse(ctx, tid, serverA, req.Raw)
	return result != nil
}

func classify(o observation) NATClass {
	if o.x1 == nil && o.x2 == nil {
		return NATUnreachable
	}
	if o.x1 != nil && o.x2 != nil && !o.x1.Equal(*o.x2) {
		return NATSymmetric
	}
	if !o.responsePortOK {
		return NATRestrictedCone
	}
	if o.x1 != nil && o.x1.Equal(o.localEndpoint) && o.altSourceOK {
		return NATUnrestricted
	}
	return NATFullCone
}

// PeriodicDetector holds a classifier, an interval and a stop channel. It
// has no run loop: nothing here re-runs classification on a schedule, on
// network changes or after sleep; Stop only closes the stop channel.
type PeriodicDetector struct {
	classifier *NATClassifier
	interval   time.Duration
	stop       chan struct{}
}

func NewPeriodicDetector(classifier *NATClassifier, interval time.Duration) *PeriodicDetector {
	return &PeriodicDetector{classifier: classifier, interval: interval, stop: make(chan struct{})}
}

func (d *PeriodicDetector) Stop() { close(d.stop) }
