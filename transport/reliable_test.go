package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello world")

	encoded := encodeSegmentForTest(segData, 42, 7, payload)
	typ, seq, ack, got, err := decodeSegment(encoded)
	require.NoError(t, err)
	assert.Equal(t, segData, typ)
	assert.Equal(t, uint32(42), seq)
	assert.Equal(t, uint32(7), ack)
	assert.Equal(t, payload, got)
}

func encodeSegmentForTest(typ byte, seq, ack uint32, payload []byte) []byte {
	buf := make([]byte, segHeaderSize+len(payload))
	buf[0] = typ
	buf[1] = byte(seq >> 24)
	buf[2] = byte(seq >> 16)
	buf[3] = byte(seq >> 8)
	buf[4] = byte(seq)
	buf[5] = byte(ack >> 24)
	buf[6] = byte(ack >> 16)
	buf[7] = byte(ack >> 8)
	buf[8] = byte(ack)
	buf[9] = byte(len(payload) >> 8)
	buf[10] = byte(len(payload))
	copy(buf[segHeaderSize:], payload)
	return buf
}

func TestDecodeSegmentRejectsShortBuffer(t *testing.T) {
	_, _, _, _, err := decodeSegment([]byte{1, 2, 3})
	assert.Error(t, err)
}
