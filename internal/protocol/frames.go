// Package protocol defines the frames exchanged with the interviewer backend
// over the session connection and the codec that maps them to the wire.
package protocol

import "time"

// Control message types. The first group is sent by the client, the second
// by the interviewer backend.
const (
	TypeStartInterview       = "START_INTERVIEW"
	TypePing                 = "PING"
	TypeVideoFrame           = "VIDEO_FRAME"
	TypeUserFinishedSpeaking = "USER_FINISHED_SPEAKING"

	TypePong         = "PONG"
	TypeAIResponse   = "AI_RESPONSE"
	TypeStateChange  = "STATE_CHANGE"
	TypeInterviewEnd = "INTERVIEW_END"
)

// StateThinking is the STATE_CHANGE target announcing the backend is preparing a reply.
const StateThinking = "THINKING"

// Kind classifies outbound frames for gating, rate limiting and metrics.
type Kind int

const (
	KindControl Kind = iota
	KindAudio
	KindVideo
)

// String returns the metrics label of the kind.
func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// IsMedia reports whether frames of this kind are generation-scoped media.
func (k Kind) IsMedia() bool {
	return k == KindAudio || k == KindVideo
}

// Identity is the candidate identity announced in the START_INTERVIEW handshake.
type Identity struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// OutboundFrame is a frame produced by the client: Control, AudioChunk or VideoFrame.
type OutboundFrame interface {
	Kind() Kind
	outbound()
}

// Control is a JSON control frame.
type Control struct {
	Type    string
	Payload any
}

func (Control) Kind() Kind { return KindControl }
func (Control) outbound()  {}

// Start builds the START_INTERVIEW handshake.
func Start(id Identity) Control {
	return Control{Type: TypeStartInterview, Payload: id}
}

// Ping builds the heartbeat control frame.
func Ping() Control {
	return Control{Type: TypePing}
}

// UserFinishedSpeaking tells the backend the candidate ended their turn.
func UserFinishedSpeaking() Control {
	return Control{Type: TypeUserFinishedSpeaking}
}

// AudioChunk is an opaque chunk of captured microphone audio sent as a binary frame.
type AudioChunk struct {
	Data []byte
}

func (AudioChunk) Kind() Kind { return KindAudio }
func (AudioChunk) outbound()  {}

// VideoFrame is a JPEG still sampled from the camera.
type VideoFrame struct {
	JPEG      []byte
	Timestamp time.Time
}

func (VideoFrame) Kind() Kind { return KindVideo }
func (VideoFrame) outbound()  {}

// InboundFrame is a frame received from the backend: AudioBlob, Pong,
// AIResponse, StateChange or InterviewEnd.
type InboundFrame interface {
	inbound()
}

// AudioBlob is synthesized interviewer speech to be played back as-is.
type AudioBlob struct {
	Data []byte
}

// Pong answers a Ping. It carries no state.
type Pong struct{}

// AIResponse carries the text of an interviewer utterance.
type AIResponse struct {
	Text string
}

// StateChange announces a backend-driven conversation state.
type StateChange struct {
	Target string
}

// InterviewEnd terminates the session.
type InterviewEnd struct{}

func (AudioBlob) inbound()    {}
func (Pong) inbound()         {}
func (AIResponse) inbound()   {}
func (StateChange) inbound()  {}
func (InterviewEnd) inbound() {}

// InboundLabel returns the metrics label of an inbound frame.
func InboundLabel(f InboundFrame) string {
	switch f.(type) {
	case AudioBlob:
		return "audio"
	case Pong:
		return "pong"
	case AIResponse:
		return "ai_response"
	case StateChange:
		return "state_change"
	case InterviewEnd:
		return "interview_end"
	default:
		return "unknown"
	}
}
