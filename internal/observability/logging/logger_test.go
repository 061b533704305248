package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestInit_WritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", TimeFormat: zerolog.TimeFormatUnix, Output: &buf})

	logger := WithComponent("socket")
	logger.Info().Msg("Connected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "socket" {
		t.Errorf("expected component=socket, got %v", entry["component"])
	}
	if entry["message"] != "Connected" {
		t.Errorf("expected message Connected, got %v", entry["message"])
	}
}

func TestInit_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "loud", Format: "json", Output: &buf})

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %v", zerolog.GlobalLevel())
	}

	logger := Logger()
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be filtered, got %q", buf.String())
	}
}

func TestWithGeneration(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})

	logger := WithGeneration("sess-1", 3)
	logger.Info().Msg("Reconnected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["sessionId"] != "sess-1" {
		t.Errorf("expected sessionId sess-1, got %v", entry["sessionId"])
	}
	if entry["generation"] != float64(3) {
		t.Errorf("expected generation 3, got %v", entry["generation"])
	}
}
