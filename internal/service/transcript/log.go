// Package transcript keeps the append-only record of utterances exchanged in a session.
package transcript

import (
	"sync"
	"time"
)

// Speaker identifies who produced an utterance.
type Speaker int

const (
	SpeakerCandidate Speaker = iota
	SpeakerInterviewer
)

func (s Speaker) String() string {
	if s == SpeakerInterviewer {
		return "interviewer"
	}
	return "candidate"
}

// Entry is one utterance. Entries are never mutated after they are appended.
type Entry struct {
	Speaker Speaker
	Text    string
	Ordinal int
	At      time.Time
}

// Sink is notified of every appended entry, in ordinal order.
type Sink interface {
	EntryAppended(e Entry)
}

// Log is an append-only transcript. Ordinals start at 0 and follow append order.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	sinks   []Sink
	now     func() time.Time
}

// NewLog creates an empty transcript notifying the given sinks.
func NewLog(sinks ...Sink) *Log {
	return &Log{sinks: sinks, now: time.Now}
}

// Append records an utterance and returns the stored entry.
func (l *Log) Append(speaker Speaker, text string) Entry {
	l.mu.Lock()
	e := Entry{
		Speaker: speaker,
		Text:    text,
		Ordinal: len(l.entries),
		At:      l.now(),
	}
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	for _, s := range l.sinks {
		s.EntryAppended(e)
	}
	return e
}

// Entries returns a copy of the transcript.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
