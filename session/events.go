package session

// Event is the tagged union delivered to subscribers. Per-frame decode and
// validation failures never surface here; they are routine network noise.
type Event interface {
	isEvent()
}

// Connected fires once when the first leg becomes active after a
// disconnected state.
type Connected struct{}

// Disconnected fires once when Disconnect tears the session down.
type Disconnected struct{}

// SourceAdded fires the first time a frame from a participant is accepted.
type SourceAdded struct {
	ParticipantID string
}

// SourceRemoved fires when a participant's cached frame is evicted,
// explicitly removed, or cleared on leg shutdown.
type SourceRemoved struct {
	ParticipantID string
}

// FrameUpdated fires for every accepted frame after the first from a
// participant.
type FrameUpdated struct {
	ParticipantID string
}

// LegStateChanged fires when a leg becomes active or idle.
type LegStateChanged struct {
	Leg    Leg
	Active bool
}

// ErrorEvent surfaces leg-lifecycle failures exactly once per failure.
type ErrorEvent struct {
	Message string
	Cause   error
}

func (Connected) isEvent()       {}
func (Disconnected) isEvent()    {}
func (SourceAdded) isEvent()     {}
func (SourceRemoved) isEvent()   {}
func (FrameUpdated) isEvent()    {}
func (LegStateChanged) isEvent() {}
func (ErrorEvent) isEvent()      {}
