// Package http is the local control surface of a running session.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ai-interview-session-client/internal/protocol"
	"ai-interview-session-client/internal/service/media"
	"ai-interview-session-client/internal/service/session"
	"ai-interview-session-client/internal/service/transcript"
	"ai-interview-session-client/internal/service/turn"
)

// Controller is the session surface driven over HTTP. *session.Session implements it.
type Controller interface {
	ID() string
	Identity() protocol.Identity
	State() turn.State
	Status() string
	Transcript() []transcript.Entry
	Generation() uint64
	Connected() bool
	MicEnabled() bool
	CameraEnabled() bool
	EndReason() (session.EndReason, error)

	Begin() error
	EndTurn() error
	Hangup()
	SetMicEnabled(enabled bool)
	SetCameraEnabled(enabled bool)
}

type sessionView struct {
	ID         string `json:"id"`
	Candidate  string `json:"candidate"`
	Role       string `json:"role"`
	State      string `json:"state"`
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
	Connected  bool   `json:"connected"`
	Microphone bool   `json:"microphone"`
	Camera     bool   `json:"camera"`
	EndReason  string `json:"endReason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type entryView struct {
	Ordinal   int    `json:"ordinal"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// NewRouter constructs the HTTP router for the session.
func NewRouter(c Controller) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if s := c.State(); s != turn.StateReady && !s.IsActive() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(s.String()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, view(c))
		})
		r.Get("/transcript", func(w http.ResponseWriter, _ *http.Request) {
			entries := c.Transcript()
			out := make([]entryView, 0, len(entries))
			for _, e := range entries {
				out = append(out, entryView{
					Ordinal:   e.Ordinal,
					Speaker:   e.Speaker.String(),
					Text:      e.Text,
					Timestamp: e.At.UnixMilli(),
				})
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Post("/begin", command(c, c.Begin))
		r.Post("/end-turn", command(c, c.EndTurn))
		r.Post("/hangup", command(c, func() error {
			c.Hangup()
			return nil
		}))
		r.Post("/mic", toggle(c, c.SetMicEnabled))
		r.Post("/camera", toggle(c, c.SetCameraEnabled))
	})

	return r
}

func view(c Controller) sessionView {
	id := c.Identity()
	v := sessionView{
		ID:         c.ID(),
		Candidate:  id.Name,
		Role:       id.Role,
		State:      c.State().String(),
		Status:     c.Status(),
		Generation: c.Generation(),
		Connected:  c.Connected(),
		Microphone: c.MicEnabled(),
		Camera:     c.CameraEnabled(),
	}
	if reason, err := c.EndReason(); reason != session.EndNone {
		v.EndReason = reason.String()
		if err != nil {
			v.Error = err.Error()
			var derr *media.DeviceError
			if errors.As(err, &derr) {
				v.Error = derr.UserMessage()
			}
		}
	}
	return v
}

func command(c Controller, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := fn(); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, view(c))
	}
}

func toggle(c Controller, set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			writeError(w, http.StatusBadRequest, errors.New(`expected {"enabled": bool}`))
			return
		}
		set(*req.Enabled)
		writeJSON(w, http.StatusOK, view(c))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrNotListening):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
