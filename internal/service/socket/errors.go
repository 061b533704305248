package socket

import (
	"errors"
	"fmt"
)

// Fatal connection errors. Everything else is retried.
var (
	ErrCredentialMissing   = errors.New("session credential missing")
	ErrCredentialRejected  = errors.New("session credential rejected")
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")
)

// ErrPongTimeout is the Drop reason used by heartbeat liveness detection.
var ErrPongTimeout = errors.New("no pong within timeout")

// ConnectionError reports a failed or dropped connection.
type ConnectionError struct {
	Generation uint64
	Op         string // dial, handshake, read, write
	Fatal      bool
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s (generation %d): %v", e.Op, e.Generation, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err ends the session instead of triggering a reconnect.
func IsFatal(err error) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Fatal
	}
	return errors.Is(err, ErrCredentialMissing) ||
		errors.Is(err, ErrCredentialRejected) ||
		errors.Is(err, ErrReconnectsExhausted)
}
