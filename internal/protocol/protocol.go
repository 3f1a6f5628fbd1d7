// Package protocol implements the framed text protocol spoken over the
// WebSocket channel. Every message is a single text frame starting with a
// one-byte tag; integer payloads are unpadded base-36, 1..11 digits.
package protocol

import (
	"errors"
	"strconv"
)

// Frame tags. Heartbeat, boop and cooldown flow client→server; the rest are
// server→client only (boop doubles as the acceptance reply).
const (
	TagHeartbeat = 'h' // heartbeat / heartbeat-ack, no payload
	TagBoop      = 'b' // C→S: boop request; S→C: boop accepted
	TagCooldown  = 'd' // C→S: cooldown query; S→C: cooldown reply
	TagReject    = 'r' // S→C: boop rejected, payload <boopId>,<cooldownMs>
	TagCount     = 'c' // S→C: current global count
	TagInvalid   = 'i' // S→C: last frame was invalid
)

// MaxDigits bounds base-36 integers to 11 characters, which covers every
// 53-bit safe integer.
const MaxDigits = 11

// ErrMalformed is returned for any inbound frame that does not match a
// recognized pattern. The session answers it with an 'i' frame.
var ErrMalformed = errors.New("protocol: malformed frame")

// Message is an inbound client frame.
type Message interface{ message() }

// Heartbeat is a bare 'h' frame. The server echoes it back.
type Heartbeat struct{}

// Boop is a boop request carrying the client-assigned boop id.
type Boop struct{ ID int64 }

// CooldownQuery asks for the remaining cooldown, correlated by query id.
type CooldownQuery struct{ ID int64 }

func (Heartbeat) message()     {}
func (Boop) message()          {}
func (CooldownQuery) message() {}

// Decode parses a single inbound text frame. It never returns a partial
// message: either the frame matches a pattern exactly or ErrMalformed.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrMalformed
	}
	switch frame[0] {
	case TagHeartbeat:
		if len(frame) != 1 {
			return nil, ErrMalformed
		}
		return Heartbeat{}, nil
	case TagBoop:
		id, err := parseInt(frame[1:])
		if err != nil {
			return nil, ErrMalformed
		}
		return Boop{ID: id}, nil
	case TagCooldown:
		id, err := parseInt(frame[1:])
		if err != nil {
			return nil, ErrMalformed
		}
		return CooldownQuery{ID: id}, nil
	}
	return nil, ErrMalformed
}

// parseInt parses an unpadded non-negative base-36 integer of 1..MaxDigits
// characters. Only lowercase digits are accepted on the wire.
func parseInt(s []byte) (int64, error) {
	if len(s) < 1 || len(s) > MaxDigits {
		return 0, ErrMalformed
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z') {
			return 0, ErrMalformed
		}
	}
	n, err := strconv.ParseInt(string(s), 36, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	return n, nil
}

func appendInt(dst []byte, n int64) []byte {
	return strconv.AppendInt(dst, n, 36)
}

// EncodeHeartbeat encodes the heartbeat ack.
func EncodeHeartbeat() []byte { return []byte{TagHeartbeat} }

// EncodeBoopAccepted encodes acceptance of the boop with the given id.
func EncodeBoopAccepted(boopID int64) []byte {
	return appendInt([]byte{TagBoop}, boopID)
}

// EncodeBoopRejected encodes a rejection carrying the remaining cooldown in
// milliseconds so the client can arm its local timer.
func EncodeBoopRejected(boopID, cooldownMs int64) []byte {
	b := appendInt([]byte{TagReject}, boopID)
	b = append(b, ',')
	return appendInt(b, cooldownMs)
}

// EncodeCooldownReply encodes the reply to a cooldown query. A zero cooldown
// omits the field entirely.
func EncodeCooldownReply(queryID, cooldownMs int64) []byte {
	b := appendInt([]byte{TagCooldown}, queryID)
	if cooldownMs <= 0 {
		return b
	}
	b = append(b, ',')
	return appendInt(b, cooldownMs)
}

// EncodeCount encodes the current global count.
func EncodeCount(count int64) []byte {
	return appendInt([]byte{TagCount}, count)
}

// EncodeInvalid encodes the invalid-frame notice.
func EncodeInvalid() []byte { return []byte{TagInvalid} }
