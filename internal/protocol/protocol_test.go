package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValid(t *testing.T) {
	tests := []struct {
		frame string
		want  Message
	}{
		{"h", Heartbeat{}},
		{"b0", Boop{ID: 0}},
		{"b1", Boop{ID: 1}},
		{"bz", Boop{ID: 35}},
		{"b10", Boop{ID: 36}},
		{"bzzzzzzzzzz", Boop{ID: 3656158440062975}}, // 36^10-1
		{"d1", CooldownQuery{ID: 1}},
		{"dkf12oi", CooldownQuery{ID: 1234567890}},
	}
	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	frames := []string{
		"",             // empty
		"x",            // unknown tag
		"b",            // missing payload
		"d",            // missing payload
		"hh",           // heartbeat takes no payload
		"h1",           // heartbeat takes no payload
		"b-1",          // negative
		"bA",           // uppercase digits are not on the wire
		"b1,2",         // no second field on requests
		"b 1",          // whitespace
		"b000000000000", // 12 digits
		"r1,2",         // server-only tag
		"c1",           // server-only tag
		"i",            // server-only tag
	}
	for _, f := range frames {
		t.Run(f, func(t *testing.T) {
			msg, err := Decode([]byte(f))
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, msg)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	msg, err := Decode(EncodeHeartbeat())
	require.NoError(t, err)
	assert.Equal(t, Heartbeat{}, msg)

	// Acceptance frames reuse the boop tag, so they decode as requests.
	msg, err = Decode(EncodeBoopAccepted(1001))
	require.NoError(t, err)
	assert.Equal(t, Boop{ID: 1001}, msg)
}

func TestEncodeFrames(t *testing.T) {
	assert.Equal(t, "b1", string(EncodeBoopAccepted(1)))
	assert.Equal(t, "r1,1", string(EncodeBoopRejected(1, 1)))
	assert.Equal(t, "rrs,1aan", string(EncodeBoopRejected(1000, 59999)))
	assert.Equal(t, "d1", string(EncodeCooldownReply(1, 0)))
	assert.Equal(t, "d1,rs0", string(EncodeCooldownReply(1, 36000)))
	assert.Equal(t, "c16", string(EncodeCount(42)))
	assert.Equal(t, "c17", string(EncodeCount(43)))
	assert.Equal(t, "i", string(EncodeInvalid()))
	assert.Equal(t, "h", string(EncodeHeartbeat()))
}

func TestEncodeCooldownReplyNegativeClamped(t *testing.T) {
	// Negative cooldowns must never leak onto the wire.
	assert.Equal(t, "d5", string(EncodeCooldownReply(5, -10)))
}
