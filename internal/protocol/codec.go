package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ai-interview-session-client/internal/schema"
)

// JPEGDataURLPrefix prefixes every VIDEO_FRAME payload.
const JPEGDataURLPrefix = "data:image/jpeg;base64,"

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
)

// ProtocolError wraps a frame that could not be decoded. The frame is dropped;
// the session carries on.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type controlMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type videoFrameMessage struct {
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type inboundMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	State string `json:"state"`
}

// Encode maps an outbound frame to its wire form. Audio chunks travel as
// binary frames, everything else as JSON text frames.
func Encode(f OutboundFrame) (binary bool, data []byte, err error) {
	switch v := f.(type) {
	case AudioChunk:
		return true, v.Data, nil
	case VideoFrame:
		msg := videoFrameMessage{
			Type:    TypeVideoFrame,
			Payload: JPEGDataURLPrefix + base64.StdEncoding.EncodeToString(v.JPEG),
		}
		if !v.Timestamp.IsZero() {
			msg.Timestamp = v.Timestamp.UnixMilli()
		}
		data, err = json.Marshal(msg)
		return false, data, err
	case Control:
		data, err = json.Marshal(controlMessage{Type: v.Type, Payload: v.Payload})
		return false, data, err
	default:
		return false, nil, fmt.Errorf("encode: unsupported frame %T", f)
	}
}

// DecodeVideoPayload extracts the JPEG bytes from a VIDEO_FRAME payload.
func DecodeVideoPayload(payload string) ([]byte, error) {
	payload = strings.TrimPrefix(payload, JPEGDataURLPrefix)
	return base64.StdEncoding.DecodeString(payload)
}

// Decoder turns received websocket messages into inbound frames.
type Decoder struct {
	validator *schema.Validator
}

// NewDecoder returns a decoder validating control messages against the wire contract.
func NewDecoder() *Decoder {
	return &Decoder{validator: schema.New()}
}

// Decode decodes one received message. Any returned error is a *ProtocolError.
func (d *Decoder) Decode(binary bool, data []byte) (InboundFrame, error) {
	if binary {
		if len(data) == 0 {
			return nil, &ProtocolError{Reason: "empty_audio", Err: ErrMalformedFrame}
		}
		return AudioBlob{Data: append([]byte(nil), data...)}, nil
	}

	msgType, err := d.validator.Validate(data)
	if err != nil {
		return nil, &ProtocolError{Reason: "invalid_message", Err: err}
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Reason: "malformed", Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}

	switch msgType {
	case TypePong:
		return Pong{}, nil
	case TypeAIResponse:
		return AIResponse{Text: msg.Text}, nil
	case TypeStateChange:
		return StateChange{Target: msg.State}, nil
	case TypeInterviewEnd:
		return InterviewEnd{}, nil
	default:
		return nil, &ProtocolError{Reason: "unknown_type", Err: fmt.Errorf("%w: %s", ErrUnknownType, msgType)}
	}
}

// DecodeClient decodes a client control message. It is the backend-side
// counterpart of Encode, used by the mock interviewer.
func DecodeClient(data []byte) (msgType string, payload json.RawMessage, err error) {
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return "", nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return msg.Type, msg.Payload, nil
}
