package hydrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotStructured is returned by ParseStructured for payloads that are not a
// JSON object or array.
var ErrNotStructured = errors.New("payload is not a JSON object or array")

// ParseStructured checks that data holds exactly one JSON object or array,
// optionally surrounded by whitespace, and returns it compacted.
func ParseStructured(data []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, ErrNotStructured
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after payload")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("compact payload: %w", err)
	}
	return buf.Bytes(), nil
}

// IsEmptyPayload reports whether a payload carries no information: null, {} or [].
func IsEmptyPayload(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "{}", "[]":
		return true
	default:
		return false
	}
}
