package secure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemesh/core/peerid"
)

func completeHandshake(t *testing.T) (*Session, *Session) {
	t.Helper()

	initKP, err := peerid.GenerateKeyPair()
	require.NoError(t, err)
	respKP, err := peerid.GenerateKeyPair()
	require.NoError(t, err)

	init, err := NewInitiatorHandshake(initKP, respKP.ID(), respKP.Public)
	require.NoError(t, err)
	resp, err := NewResponderHandshake(respKP, initKP.ID())
	require.NoError(t, err)

	// IK: -> e, es, s, ss ; <- e, ee, se
	msg1, _, err := init.WriteMessage(nil)
	require.NoError(t, err)
	_, _, err = resp.ReadMessage(msg1)
	require.NoError(t, err)

	msg2, respSession, err := resp.WriteMessage(nil)
	require.NoError(t, err)
	require.NotNil(t, respSession)

	_, initSession, err := init.ReadMessage(msg2)
	require.NoError(t, err)
	require.NotNil(t, initSession)

	return initSession, respSession
}

func TestHandshakeEstablishesMatchingSessions(t *testing.T) {
	initSession, respSession := completeHandshake(t)

	var buf bytes.Buffer
	require.NoError(t, initSession.WriteFrame(&buf, FlagNone, []byte("hello")))

	flags, payload, err := respSession.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FlagNone, flags)
	assert.Equal(t, []byte("hello"), payload)
}

func TestHandshakeRejectsWrongExpectedID(t *testing.T) {
	initKP, err := peerid.GenerateKeyPair()
	require.NoError(t, err)
	respKP, err := peerid.GenerateKeyPair()
	require.NoError(t, err)
	wrongID, err := peerid.GenerateKeyPair()
	require.NoError(t, err)

	init, err := NewInitiatorHandshake(initKP, respKP.ID(), respKP.Public)
	require.NoError(t, err)
	resp, err := NewResponderHandshake(respKP, wrongID.ID())
	require.NoError(t, err)

	msg1, _, err := init.WriteMessage(nil)
	require.NoError(t, err)

	_, _, err = resp.ReadMessage(msg1)
	assert.ErrorIs(t, err, ErrCertMismatch)
}
