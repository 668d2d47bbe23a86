// Package signaling carries the JSON control messages exchanged with the
// session server over two independent websocket channels, one per channel
// family (audio, video). Only the message shapes are fixed; the transport
// behind the Client interface is replaceable.
package signaling

// MessageType tags a signaling message. Unknown types are ignored by
// receivers.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeStopSending  MessageType = "stop-sending"
	TypeStopVideo    MessageType = "stop-video"
	TypeVideoAdd     MessageType = "video-add"
	TypeVideoRemove  MessageType = "video-remove"
	TypeError        MessageType = "error"
)

// ICECandidate mirrors the browser-shaped candidate object carried inside
// ice-candidate messages.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Message is the envelope for every signaling exchange. Fields beyond Type
// are populated per message kind:
//
//	offer        ClientID, SDP
//	answer       SDP
//	ice-candidate ClientID, Candidate
//	stop-sending ClientID
//	stop-video   -
//	video-add    ClientID
//	video-remove ClientID
//	error        Message
type Message struct {
	Type      MessageType   `json:"type"`
	ClientID  string        `json:"clientId,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Handler consumes inbound signaling messages.
type Handler func(Message)

// Client is the narrow signaling capability the session layer consumes.
type Client interface {
	Send(msg Message) error
	Close() error
}
