package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHolePunchSucceedsBetweenTwoLocalMuxes(t *testing.T) {
	muxA, err := NewUDPMux("127.0.0.1:0")
	require.NoError(t, err)
	defer muxA.Close()

	muxB, err := NewUDPMux("127.0.0.1:0")
	require.NoError(t, err)
	defer muxB.Close()

	hpA := NewHolePuncher(muxA)
	hpB := NewHolePuncher(muxB)

	muxA.OnPeer(func(data []byte, from Endpoint) { hpA.HandleCandidate(data, from) })
	muxB.OnPeer(func(data []byte, from Endpoint) { hpB.HandleCandidate(data, from) })

	remoteB := EndpointFromUDPAddr(muxB.LocalAddr())
	remoteB.IP = muxB.LocalAddr().IP

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	attempt, err := hpA.Punch(ctx, remoteB)
	require.NoError(t, err)
	require.Equal(t, HolePunchSuccess, attempt.Result)
}
