package events

import (
	"context"

	"ai-interview-session-client/internal/models"
	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/service/transcript"
	"ai-interview-session-client/internal/service/turn"
)

// TranscriptSink exports every transcript entry of one session.
type TranscriptSink struct {
	publisher *Publisher
	sessionID string
	identity  protocol.Identity
}

func NewTranscriptSink(p *Publisher, sessionID string, identity protocol.Identity) *TranscriptSink {
	return &TranscriptSink{publisher: p, sessionID: sessionID, identity: identity}
}

// EntryAppended implements transcript.Sink.
func (s *TranscriptSink) EntryAppended(e transcript.Entry) {
	_ = s.publisher.PublishTranscript(context.Background(), s.sessionID, models.TranscriptEntry{
		EventType: models.EventTranscriptEntry,
		SessionID: s.sessionID,
		Candidate: s.identity.Name,
		Role:      s.identity.Role,
		Timestamp: e.At.UnixMilli(),
		Ordinal:   e.Ordinal,
		Speaker:   e.Speaker.String(),
		Text:      e.Text,
	})
}

// LifecycleObserver exports conversation state changes.
type LifecycleObserver struct {
	publisher *Publisher
}

func NewLifecycleObserver(p *Publisher) *LifecycleObserver {
	return &LifecycleObserver{publisher: p}
}

// OnTransition is called for every accepted state change.
func (o *LifecycleObserver) OnTransition(sessionID string, tr turn.Transition) {
	_ = o.publisher.PublishLifecycle(context.Background(), sessionID, models.SessionTransition{
		EventType: models.EventSessionTransition,
		SessionID: sessionID,
		Timestamp: tr.At.UnixMilli(),
		From:      tr.From.String(),
		To:        tr.To.String(),
		Trigger:   tr.Trigger.String(),
	})
}
