// Package media defines the capture capabilities the session layer
// consumes. Acquiring a camera or microphone is platform work that lives
// outside this SDK; embedders supply a Capability and the session layer
// only ever sees these narrow interfaces.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// CaptureSpec fixes the snapshot geometry and compression quality a
// camera source must produce.
type CaptureSpec struct {
	Width   int
	Height  int
	Quality float64
	// FrameRate is advisory; the session layer drives the actual send
	// cadence with its own timer.
	FrameRate int
}

// CaptureSource produces JPEG snapshots at the acquired spec.
type CaptureSource interface {
	// Snapshot captures and compresses one frame. An error means this
	// frame is skipped, not that the source is broken.
	Snapshot() ([]byte, error)
	Release()
}

// AudioSource is an acquired microphone exposed as a local WebRTC track.
type AudioSource interface {
	Track() webrtc.TrackLocal
	Release()
}

// Capability acquires capture devices. Acquisition is asynchronous and
// cancellable: a stop racing an in-flight start cancels the context, and
// the implementation must release anything it had grabbed.
type Capability interface {
	AcquireCamera(ctx context.Context, spec CaptureSpec) (CaptureSource, error)
	AcquireMicrophone(ctx context.Context) (AudioSource, error)
}

// FrameStore turns an accepted frame payload into a releasable rendering
// resource (an object URL equivalent). The default keeps bytes in memory;
// a presentation layer can substitute textures or files.
type FrameStore interface {
	Store(participantID string, payload []byte) (Handle, error)
}

// Handle is re-exported here so capability providers do not need to import
// the frame package; it matches frame.Handle.
type Handle interface {
	Release()
}

// MemoryFrame retains one frame payload in memory.
type MemoryFrame struct {
	Bytes []byte
}

// Release drops the reference; the payload is garbage collected.
func (f *MemoryFrame) Release() {}

// MemoryStore is the default FrameStore.
type MemoryStore struct{}

// NewMemoryStore returns a store that retains payloads as plain byte
// slices.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Store copies the payload into a MemoryFrame.
func (s *MemoryStore) Store(participantID string, payload []byte) (Handle, error) {
	b := make([]byte, len(payload))
	copy(b, payload)
	return &MemoryFrame{Bytes: b}, nil
}
