// Package frame holds the receive-side frame handling: structural and
// semantic validation of decoded envelopes, and the per-participant cache
// of the last accepted frame.
package frame

import (
	"fmt"
	"time"

	"github.com/soda-magic/tank-rtc-sdk/protocol"
)

// Reason classifies why an inbound frame was rejected. Rejection is routine
// network noise, never an error: the caller discards the frame and keeps
// the last accepted one for that participant.
type Reason int

const (
	// Accepted means the frame passed every check.
	Accepted Reason = iota
	// Stale means the capture timestamp lags now by more than the
	// configured threshold.
	Stale
	// NotAnImage means the payload lacks the JPEG signature.
	NotAnImage
	// UnparseableContainer means the JPEG segment chain ended or broke
	// before a frame header was found.
	UnparseableContainer
	// DimensionMismatch means the declared dimensions differ from the
	// session's configured snapshot size.
	DimensionMismatch
)

func (r Reason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case NotAnImage:
		return "not-an-image"
	case UnparseableContainer:
		return "unparseable-container"
	case DimensionMismatch:
		return "dimension-mismatch"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Validator checks decoded envelopes against the session's frame contract.
// The zero value rejects everything; build one from the session config.
type Validator struct {
	// Width and Height are the exact dimensions every accepted frame
	// must declare.
	Width  int
	Height int
	// StaleAfter bounds how far behind now a capture timestamp may be.
	StaleAfter time.Duration
}

// Validate runs the checks in order and returns the first failure.
// Checks: freshness, container magic, declared dimensions.
func (v Validator) Validate(env protocol.Envelope, nowNanos uint64) Reason {
	// A capture timestamp ahead of the local clock counts as age zero.
	if nowNanos > env.CaptureTimestampNanos {
		age := time.Duration(nowNanos - env.CaptureTimestampNanos)
		if age > v.StaleAfter {
			return Stale
		}
	}

	if !HasJPEGMagic(env.Payload) {
		return NotAnImage
	}

	w, h, ok := jpegDimensions(env.Payload)
	if !ok {
		return UnparseableContainer
	}
	if w != v.Width || h != v.Height {
		return DimensionMismatch
	}
	return Accepted
}
