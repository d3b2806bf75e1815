package hydrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Field names every input record must carry.
const (
	FieldID  = "ID"
	FieldURL = "URL"
)

// Default names of the fields added during hydration.
const (
	DefaultExtractionField = "Extraction"
	DefaultSnapshotField   = "ArchiveSnapshot"
)

// Field is one key/value pair of a Record. Value is compact JSON.
type Field struct {
	Key   string
	Value json.RawMessage
}

// Record is an ordered JSON object. Keys keep their input order and values are
// carried as raw JSON so passthrough fields survive untouched.
type Record struct {
	fields []Field
}

// Batch is the ordered list of records processed by one run.
type Batch []*Record

// NewRecord builds a record from the given fields. Values are compacted.
func NewRecord(fields ...Field) (*Record, error) {
	r := &Record{}
	for _, f := range fields {
		if err := r.SetRaw(f.Key, f.Value); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// Keys returns the field names in order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.fields))
	for _, f := range r.fields {
		keys = append(keys, f.Key)
	}
	return keys
}

// Fields returns a copy of the fields in order.
func (r *Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	for i, f := range r.fields {
		out[i] = Field{Key: f.Key, Value: append(json.RawMessage(nil), f.Value...)}
	}
	return out
}

// Get returns the raw value stored under key.
func (r *Record) Get(key string) (json.RawMessage, bool) {
	if i := r.index(key); i >= 0 {
		return r.fields[i].Value, true
	}
	return nil, false
}

// SetRaw stores a raw JSON value under key, replacing an existing value in
// place or appending a new field.
func (r *Record) SetRaw(key string, value json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return fmt.Errorf("field %q: invalid JSON value: %w", key, err)
	}
	compacted := json.RawMessage(buf.Bytes())
	if i := r.index(key); i >= 0 {
		r.fields[i].Value = compacted
		return nil
	}
	r.fields = append(r.fields, Field{Key: key, Value: compacted})
	return nil
}

// Set marshals v and stores it under key.
func (r *Record) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("field %q: marshal value: %w", key, err)
	}
	return r.SetRaw(key, data)
}

// Delete removes key if present.
func (r *Record) Delete(key string) {
	if i := r.index(key); i >= 0 {
		r.fields = append(r.fields[:i], r.fields[i+1:]...)
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	return &Record{fields: r.Fields()}
}

// ID returns the record identifier. Strings are returned as-is; numbers and
// booleans as their literal JSON text.
func (r *Record) ID() (string, error) {
	raw, ok := r.Get(FieldID)
	if !ok {
		return "", errors.New("missing")
	}
	switch {
	case len(raw) == 0:
		return "", errors.New("missing")
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return "", errors.New("empty")
		}
		return s, nil
	case raw[0] == '{', raw[0] == '[':
		return "", errors.New("must be a string or scalar")
	case bytes.Equal(raw, []byte("null")):
		return "", errors.New("is null")
	default:
		return string(raw), nil
	}
}

// URL returns the record URL. It must be a non-empty string.
func (r *Record) URL() (string, error) {
	raw, ok := r.Get(FieldURL)
	if !ok {
		return "", errors.New("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.New("must be a string")
	}
	if strings.TrimSpace(s) == "" {
		return "", errors.New("empty")
	}
	return s, nil
}

// Validate checks the required fields of the record at position index and
// returns its ID and URL. IDs must be usable as a single path segment.
// On failure the ID and URL are still returned when they decode, for logging.
func (r *Record) Validate(index int) (string, string, error) {
	id, idErr := r.ID()
	url, urlErr := r.URL()
	switch {
	case idErr != nil:
		return id, url, &RecordValidationError{Index: index, Field: FieldID, Reason: idErr.Error()}
	case unsafeIDReason(id) != "":
		return id, url, &RecordValidationError{Index: index, Field: FieldID, Reason: unsafeIDReason(id)}
	case urlErr != nil:
		return id, url, &RecordValidationError{Index: index, Field: FieldURL, Reason: urlErr.Error()}
	}
	return id, url, nil
}

func unsafeIDReason(id string) string {
	switch {
	case id == "." || id == "..":
		return "reserved path name"
	case strings.ContainsAny(id, "/\\\x00"):
		return "contains a path separator"
	default:
		return ""
	}
}

// MarshalJSON writes the fields in order. Values are emitted verbatim.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(f.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(f.Value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping key order. A key repeated inside
// the object keeps its first position and its last value.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("record must be a JSON object")
	}
	r.fields = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read record key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected record key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("read field %q: %w", key, err)
		}
		if err := r.SetRaw(key, raw); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read record end: %w", err)
	}
	return nil
}

func (r *Record) index(key string) int {
	for i, f := range r.fields {
		if f.Key == key {
			return i
		}
	}
	return -1
}
