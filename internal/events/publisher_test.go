package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"ai-interview-session-client/internal/models"
	"ai-interview-session-client/internal/observability/metrics"
	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/service/transcript"
	"ai-interview-session-client/internal/service/turn"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func newTestPublisher(transcriptW, lifecycleW *fakeWriter) *Publisher {
	return &Publisher{
		writerTranscript: transcriptW,
		writerLifecycle:  lifecycleW,
		principal:        "test-svc",
		topicTranscript:  "test.transcript",
		topicLifecycle:   "test.lifecycle",
		enabled:          true,
		metrics:          metrics.NewMetricsWith(prometheus.NewRegistry()),
	}
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, nil)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.Enabled() {
				t.Error("expected publisher to be disabled")
			}
			if p.writerTranscript != nil || p.writerLifecycle != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_Enabled(t *testing.T) {
	p := New(&Config{
		Enabled:         true,
		Brokers:         []string{"localhost:9092"},
		TopicTranscript: "interview.transcript",
		TopicLifecycle:  "interview.lifecycle",
		Principal:       "client",
	}, metrics.NewMetricsWith(prometheus.NewRegistry()))

	if !p.Enabled() || !p.async {
		t.Fatal("expected enabled async publisher")
	}
	w, ok := p.writerTranscript.(*kafka.Writer)
	if !ok || w.Topic != "interview.transcript" || !w.Async {
		t.Errorf("unexpected transcript writer %+v", p.writerTranscript)
	}
	if err := p.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestPublisher_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false}, nil)

	if err := p.PublishTranscript(context.Background(), "k", map[string]string{"text": "hi"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.PublishLifecycle(context.Background(), "k", map[string]string{"to": "READY"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestPublisher_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false}, nil)

	if err := p.PublishTranscript(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_WritesToTopicWriter(t *testing.T) {
	tw, lw := &fakeWriter{}, &fakeWriter{}
	p := newTestPublisher(tw, lw)

	if err := p.PublishTranscript(context.Background(), "session-1", map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(tw.msgs) != 1 || len(lw.msgs) != 0 {
		t.Fatalf("expected one transcript message, got %d/%d", len(tw.msgs), len(lw.msgs))
	}

	msg := tw.msgs[0]
	if string(msg.Key) != "session-1" {
		t.Errorf("unexpected key %q", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["eventType"] != "transcript" || headers["principal"] != "test-svc" {
		t.Errorf("unexpected headers %v", headers)
	}
}

func TestPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := newTestPublisher(&fakeWriter{err: boom}, &fakeWriter{})

	if err := p.PublishTranscript(context.Background(), "k", map[string]string{}); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestPublisher_CloseClosesWriters(t *testing.T) {
	tw, lw := &fakeWriter{}, &fakeWriter{}
	p := newTestPublisher(tw, lw)

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !tw.closed || !lw.closed {
		t.Error("expected both writers closed")
	}
}

func TestTranscriptSink(t *testing.T) {
	tw := &fakeWriter{}
	p := newTestPublisher(tw, &fakeWriter{})
	sink := NewTranscriptSink(p, "session-1", protocol.Identity{Name: "Ada", Role: "SRE"})

	log := transcript.NewLog(sink)
	log.Append(transcript.SpeakerInterviewer, "Welcome")
	log.Append(transcript.SpeakerInterviewer, "First question")

	if len(tw.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(tw.msgs))
	}
	var got models.TranscriptEntry
	if err := json.Unmarshal(tw.msgs[1].Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.EventType != models.EventTranscriptEntry || got.Ordinal != 1 || got.Text != "First question" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Candidate != "Ada" || got.Role != "SRE" || got.Speaker != transcript.SpeakerInterviewer.String() {
		t.Errorf("unexpected identity fields %+v", got)
	}
}

func TestLifecycleObserver(t *testing.T) {
	lw := &fakeWriter{}
	p := newTestPublisher(&fakeWriter{}, lw)
	obs := NewLifecycleObserver(p)

	at := time.UnixMilli(1_700_000_000_000)
	obs.OnTransition("session-1", turn.Transition{
		From:    turn.StateConnecting,
		To:      turn.StateReady,
		Trigger: turn.TriggerOpened,
		At:      at,
	})

	if len(lw.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(lw.msgs))
	}
	var got models.SessionTransition
	if err := json.Unmarshal(lw.msgs[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	want := models.SessionTransition{
		EventType: models.EventSessionTransition,
		SessionID: "session-1",
		Timestamp: at.UnixMilli(),
		From:      "CONNECTING",
		To:        "READY",
		Trigger:   "opened",
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}
