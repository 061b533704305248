// Package schema validates inbound JSON control messages before they are
// decoded into typed frames.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned for control messages that violate their schema.
var ErrInvalidMessage = errors.New("invalid control message")

// Validator checks that a control message carries a type and the fields
// required by that type. Unknown types pass; rejecting them is the decoder's job.
type Validator struct {
	required map[string][]string
}

// New returns a validator for the interviewer wire contract.
func New() *Validator {
	return &Validator{
		required: map[string][]string{
			"AI_RESPONSE":  {"text"},
			"STATE_CHANGE": {"state"},
		},
	}
}

// Validate parses data as a JSON object and returns its message type.
func (v *Validator) Validate(data []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	msgType, err := stringField(fields, "type")
	if err != nil {
		return "", err
	}
	if msgType == "" {
		return "", fmt.Errorf("%w: empty type", ErrInvalidMessage)
	}

	for _, name := range v.required[msgType] {
		if _, err := stringField(fields, name); err != nil {
			return msgType, fmt.Errorf("%s: %w", msgType, err)
		}
	}
	return msgType, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidMessage, name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %q is not a string", ErrInvalidMessage, name)
	}
	return s, nil
}
