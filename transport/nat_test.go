package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ep(ip string, port int) *Endpoint {
	e := Endpoint{IP: net.ParseIP(ip), Port: port}
	return &e
}

func TestClassifySymmetricWhenEndpointsDiffer(t *testing.T) {
	o := observation{
		x1: ep("203.0.113.1", 40000),
		x2: ep("203.0.113.1", 40001),
	}
	assert.Equal(t, NATSymmetric, classify(o))
}

func TestClassifyRestrictedConeWhenResponsePortFails(t *testing.T) {
	o := observation{
		x1:             ep("203.0.113.1", 40000),
		x2:             ep("203.0.113.1", 40000),
		responsePortOK: false,
	}
	assert.Equal(t, NATRestrictedCone, classify(o))
}

func TestClassifyFullConeWhenResponsePortSucceeds(t *testing.T) {
	o := observation{
		x1:             ep("203.0.113.1", 40000),
		x2:             ep("203.0.113.1", 40000),
		responsePortOK: true,
		altSourceOK:    true,
		localEndpoint:  Endpoint{IP: net.ParseIP("192.168.1.5"), Port: 40000},
	}
	assert.Equal(t, NATFullCone, classify(o))
}

func TestClassifyUnrestrictedWhenExternalMatchesLocal(t *testing.T) {
	local := Endpoint{IP: net.ParseIP("203.0.113.1"), Port: 40000}
	o := observation{
		x1:             &local,
		x2:             &local,
		responsePortOK: true,
		altSourceOK:    true,
		localEndpoint:  local,
	}
	assert.Equal(t, NATUnrestricted, classify(o))
}

func TestClassifyUnreachableWhenNeitherServerResponds(t *testing.T) {
	o := observation{}
	assert.Equal(t, NATUnreachable, classify(o))
}
