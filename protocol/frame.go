// Package protocol implements the binary envelope that wraps one video
// snapshot on the wire. All multi-byte fields are big-endian.
//
// Layout:
//
//	offset 0    : u32  identity length (N)
//	offset 4    : N bytes identity (UTF-8 text)
//	offset 4+N  : u64  capture timestamp (nanoseconds)
//	offset 12+N : u32  sequence number
//	offset 16+N : remaining bytes image payload
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// MaxIdentityLen is the largest participant identity, in encoded bytes,
// the decoder accepts.
const MaxIdentityLen = 1000

// MinEnvelopeLen is the smallest buffer the decoder will look at.
const MinEnvelopeLen = 20

// Fixed header bytes surrounding the identity field: length prefix,
// capture timestamp and sequence number.
const fixedHeaderLen = 4 + 8 + 4

// Envelope is one decoded video frame with its routing header. It is
// immutable after Decode returns it.
type Envelope struct {
	ParticipantID         string
	CaptureTimestampNanos uint64
	SequenceNumber        uint32
	Payload               []byte
}

// Decode failure modes. Every malformed buffer maps to exactly one of
// these; callers discard the frame and keep whatever they last accepted.
var (
	ErrTruncated             = errors.New("protocol: envelope shorter than minimum length")
	ErrInvalidIdentityLength = errors.New("protocol: declared identity length out of bounds")
	ErrEmptyIdentity         = errors.New("protocol: blank participant identity")
	ErrEmptyPayload          = errors.New("protocol: empty frame payload")
)

// EncodingError reports an envelope the wire format cannot carry. It is a
// programmer error on the send path and is never retried.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "protocol: " + e.Reason
}

// Encode serializes one frame envelope. It fails only on inputs the
// decoder is specified to refuse, so a successful Encode always yields a
// buffer Decode accepts.
func Encode(participantID string, captureTimestampNanos uint64, sequenceNumber uint32, payload []byte) ([]byte, error) {
	id := []byte(participantID)
	if strings.TrimSpace(participantID) == "" {
		return nil, &EncodingError{Reason: "participant identity is blank"}
	}
	if len(id) > MaxIdentityLen {
		return nil, &EncodingError{Reason: fmt.Sprintf("participant identity is %d bytes, limit is %d", len(id), MaxIdentityLen)}
	}
	if len(payload) == 0 {
		return nil, &EncodingError{Reason: "frame payload is empty"}
	}

	buf := make([]byte, 0, fixedHeaderLen+len(id)+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(id)))
	buf = append(buf, id...)
	buf = binary.BigEndian.AppendUint64(buf, captureTimestampNanos)
	buf = binary.BigEndian.AppendUint32(buf, sequenceNumber)
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses one frame envelope. It is pure and total: any input maps
// to either an Envelope or one of the sentinel errors above. The payload
// is copied out so the envelope does not alias the transport buffer.
func Decode(data []byte) (Envelope, error) {
	if len(data) < MinEnvelopeLen {
		return Envelope{}, ErrTruncated
	}

	idLen := int(int32(binary.BigEndian.Uint32(data)))
	if idLen <= 0 || idLen > MaxIdentityLen || 4+idLen+12 > len(data) {
		return Envelope{}, ErrInvalidIdentityLength
	}

	identity := string(data[4 : 4+idLen])
	if strings.TrimSpace(identity) == "" {
		return Envelope{}, ErrEmptyIdentity
	}

	off := 4 + idLen
	captureTS := binary.BigEndian.Uint64(data[off:])
	seq := binary.BigEndian.Uint32(data[off+8:])

	rest := data[off+12:]
	if len(rest) == 0 {
		return Envelope{}, ErrEmptyPayload
	}
	payload := make([]byte, len(rest))
	copy(payload, rest)

	return Envelope{
		ParticipantID:         identity,
		CaptureTimestampNanos: captureTS,
		SequenceNumber:        seq,
		Payload:               payload,
	}, nil
}
