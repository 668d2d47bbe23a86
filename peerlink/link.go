// Package peerlink abstracts one peer connection per channel family. The
// session layer creates, offers on, and tears down links through this
// narrow interface; the pion-backed implementation lives alongside it and
// carries every platform-specific detail.
package peerlink

import (
	"context"

	"github.com/soda-magic/tank-rtc-sdk/media"
	"github.com/soda-magic/tank-rtc-sdk/signaling"
)

// DataChannel is the session layer's view of one negotiated data channel.
type DataChannel interface {
	Label() string
	// IsOpen reports whether the channel is in the open state. Sends on a
	// non-open channel are skipped by callers, not errors.
	IsOpen() bool
	Send(data []byte) error
	SendText(s string) error
	// OnMessage registers the inbound handler; isString distinguishes
	// text control messages from binary frame envelopes.
	OnMessage(fn func(data []byte, isString bool))
	Close() error
}

// RemoteAudio is an inbound mixed-audio track delivered by the peer.
// Playback is the embedder's concern.
type RemoteAudio interface {
	ID() string
	Codec() string
}

// Link is one peer connection. A link is owned by exactly one session
// controller and is rebuilt, never reused, across start/stop toggles.
type Link interface {
	// CreateOffer produces and installs the local offer SDP.
	CreateOffer(ctx context.Context) (string, error)
	// HandleAnswer installs the remote answer SDP.
	HandleAnswer(sdp string) error
	AddICECandidate(cand signaling.ICECandidate) error
	// OnICECandidate registers the callback for locally gathered
	// candidates; gathering end is signalled with a zero candidate.
	OnICECandidate(fn func(cand signaling.ICECandidate, end bool))
	CreateDataChannel(label string) (DataChannel, error)
	AddAudioTrack(src media.AudioSource) error
	OnRemoteAudio(fn func(RemoteAudio))
	Close() error
}

// Factory builds a fresh link. The session controller calls it on every
// reconnect cycle.
type Factory func() (Link, error)
