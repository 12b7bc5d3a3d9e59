package signaling

import "github.com/1ureka/p2pperf/internal/candidate"

// MessageType identifies the kind of WebSocket signaling message.
type MessageType string

const (
	MsgTypeOffer      MessageType = "offer"
	MsgTypeAnswer     MessageType = "answer"
	MsgTypeCandidates MessageType = "candidates"
	MsgTypeError      MessageType = "error"
)

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type       MessageType           `json:"type"`
	SDP        string                `json:"sdp,omitempty"`
	Candidates []candidate.Candidate `json:"candidates,omitempty"`
	Error      string                `json:"error,omitempty"` // peer handler failure
}
