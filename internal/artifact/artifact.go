// Package artifact maps record IDs to stored artifacts. Key is the single
// derivation shared by the Ledger and the Writer.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/metrics"
)

// Extension is appended to the record ID to form the artifact key.
const Extension = ".json"

// ContentType is recorded for every artifact.
const ContentType = "application/json"

// Key returns the storage key of the artifact for id.
func Key(id string) string {
	return id + Extension
}

// Ledger answers whether a record's artifact already exists.
type Ledger struct {
	store   hydrator.ArtifactStore
	enabled bool
}

// NewLedger builds a Ledger. When enabled is false Has always reports false
// without touching storage.
func NewLedger(store hydrator.ArtifactStore, enabled bool) *Ledger {
	return &Ledger{store: store, enabled: enabled}
}

// Enabled reports whether the ledger consults storage.
func (l *Ledger) Enabled() bool {
	return l.enabled
}

// Has reports whether the artifact for id exists.
func (l *Ledger) Has(ctx context.Context, id string) (bool, error) {
	if !l.enabled {
		return false, nil
	}
	ok, err := l.store.ObjectExists(ctx, Key(id))
	if err != nil {
		return false, &hydrator.IOError{Op: "check artifact", Path: Key(id), Err: err}
	}
	return ok, nil
}

// Writer persists enriched records.
type Writer struct {
	store hydrator.ArtifactStore
}

// NewWriter builds a Writer over store.
func NewWriter(store hydrator.ArtifactStore) *Writer {
	return &Writer{store: store}
}

// Write serializes rec with its field order intact and stores it under the
// key derived from its ID. Returns the artifact URI.
func (w *Writer) Write(ctx context.Context, rec *hydrator.Record) (string, error) {
	if rec == nil {
		return "", &hydrator.IOError{Op: "write artifact", Path: "", Err: errors.New("record is nil")}
	}
	id, err := rec.ID()
	if err != nil {
		return "", &hydrator.IOError{Op: "write artifact", Path: "", Err: fmt.Errorf("record ID: %w", err)}
	}
	key := Key(id)

	// MarshalJSON is called directly: json.Marshal would re-escape HTML
	// characters in passthrough values.
	data, err := rec.MarshalJSON()
	if err != nil {
		return "", &hydrator.IOError{Op: "write artifact", Path: key, Err: err}
	}
	data = append(data, '\n')

	uri, err := w.store.PutObject(ctx, key, ContentType, bytes.NewReader(data))
	if err != nil {
		return "", &hydrator.IOError{Op: "write artifact", Path: key, Err: err}
	}
	metrics.ObserveArtifactBytes(len(data))
	return uri, nil
}

// Read loads the artifact stored for id back into a Record.
func (w *Writer) Read(ctx context.Context, id string) (*hydrator.Record, error) {
	key := Key(id)
	data, err := w.store.GetObject(ctx, key)
	if err != nil {
		return nil, &hydrator.IOError{Op: "read artifact", Path: key, Err: err}
	}
	rec := &hydrator.Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, &hydrator.FormatError{Source: key, Err: err}
	}
	return rec, nil
}
