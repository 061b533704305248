// Package models defines the payloads of exported session events.
package models

const (
	EventTranscriptEntry   = "transcript.entry"
	EventSessionTransition = "session.transition"
)

// TranscriptEntry is one interviewer utterance appended to the transcript.
type TranscriptEntry struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Candidate string `json:"candidate"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Ordinal   int    `json:"ordinal"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

// SessionTransition is one conversation state change.
type SessionTransition struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Trigger   string `json:"trigger"`
}
