package session

import "fmt"

// Leg is one of the four independent capability toggles. Legs start and
// stop independently; the two legs of a channel family share one peer
// link and signaling socket.
type Leg int

const (
	SendAudio Leg = iota
	ListenAudio
	SendVideo
	ViewVideo

	legCount
)

func (l Leg) String() string {
	switch l {
	case SendAudio:
		return "send-audio"
	case ListenAudio:
		return "listen-audio"
	case SendVideo:
		return "send-video"
	case ViewVideo:
		return "view-video"
	default:
		return fmt.Sprintf("leg(%d)", int(l))
	}
}

// Family identifies the audio or video peer-link + signaling socket pair.
type Family int

const (
	AudioFamily Family = iota
	VideoFamily

	familyCount
)

func (f Family) String() string {
	switch f {
	case AudioFamily:
		return "audio"
	case VideoFamily:
		return "video"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Family returns the channel family the leg runs over.
func (l Leg) Family() Family {
	if l == SendAudio || l == ListenAudio {
		return AudioFamily
	}
	return VideoFamily
}

func (f Family) legs() [2]Leg {
	if f == AudioFamily {
		return [2]Leg{SendAudio, ListenAudio}
	}
	return [2]Leg{SendVideo, ViewVideo}
}

// legState is the per-leg lifecycle. Transitions happen only inside the
// controller: Idle → Starting → Active → Stopping → Idle, with failed
// starts reverting straight to Idle.
type legState int

const (
	legIdle legState = iota
	legStarting
	legActive
	legStopping
)

func (s legState) String() string {
	switch s {
	case legIdle:
		return "idle"
	case legStarting:
		return "starting"
	case legActive:
		return "active"
	case legStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
