// Package source loads the input batch from a file or standard input.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
)

// Stdin is the path designator that selects standard input.
const Stdin = "-"

// Load reads the whole input and parses it as one JSON array of objects.
// path "-" reads from stdin.
func Load(path string, stdin io.Reader) (hydrator.Batch, error) {
	data, err := read(path, stdin)
	if err != nil {
		return nil, err
	}
	return Parse(displayName(path), data)
}

// Parse decodes a JSON array of objects. name identifies the input in errors.
func Parse(name string, data []byte) (hydrator.Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &hydrator.FormatError{Source: name, Err: errors.New("input is empty")}
		}
		return nil, &hydrator.FormatError{Source: name, Err: err}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, &hydrator.FormatError{Source: name, Err: errors.New("input must be a JSON array")}
	}

	batch := hydrator.Batch{}
	for index := 0; dec.More(); index++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, &hydrator.FormatError{Source: name, Err: fmt.Errorf("element %d: %w", index, err)}
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, &hydrator.FormatError{Source: name, Err: fmt.Errorf("element %d is not a JSON object", index)}
		}
		rec := &hydrator.Record{}
		if err := rec.UnmarshalJSON(raw); err != nil {
			return nil, &hydrator.FormatError{Source: name, Err: fmt.Errorf("element %d: %w", index, err)}
		}
		batch = append(batch, rec)
	}
	if _, err := dec.Token(); err != nil {
		return nil, &hydrator.FormatError{Source: name, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &hydrator.FormatError{Source: name, Err: errors.New("trailing data after array")}
	}
	return batch, nil
}

func read(path string, stdin io.Reader) ([]byte, error) {
	if path == Stdin {
		if stdin == nil {
			return nil, &hydrator.IOError{Op: "read input", Path: "stdin", Err: errors.New("no stdin available")}
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, &hydrator.IOError{Op: "read input", Path: "stdin", Err: err}
		}
		return data, nil
	}
	// #nosec G304 -- the input path is supplied by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &hydrator.IOError{Op: "read input", Path: path, Err: err}
	}
	return data, nil
}

func displayName(path string) string {
	if path == Stdin {
		return "stdin"
	}
	return path
}
