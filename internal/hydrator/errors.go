package hydrator

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	// ErrFormat indicates the input batch does not have the expected shape.
	ErrFormat = errors.New("format error")

	// ErrIO indicates the input could not be read or an artifact could not be written.
	ErrIO = errors.New("io error")

	// ErrBuild indicates the worker executable is missing and could not be produced.
	ErrBuild = errors.New("build error")

	// ErrExtraction indicates the worker failed or returned an unusable payload.
	ErrExtraction = errors.New("extraction error")

	// ErrEnrichment indicates the secondary lookup failed.
	ErrEnrichment = errors.New("enrichment error")

	// ErrInvalidRecord indicates a record lacks a required field or has an unusable ID.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrHalted is returned by a run that stopped early under halt-on-error.
	ErrHalted = errors.New("run halted on error")
)

// FormatError reports a malformed input batch.
type FormatError struct {
	Source string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in %s: %v", e.Source, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is matches ErrFormat.
func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// IOError reports a failed read or write.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is matches ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }

// BuildError reports a failed worker build. Output carries the compiler
// diagnostics.
type BuildError struct {
	Path   string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build worker %s: %v", e.Path, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// Is matches ErrBuild.
func (e *BuildError) Is(target error) bool { return target == ErrBuild }

// ExtractionError reports a failed worker invocation for one URL.
type ExtractionError struct {
	URL      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extract %s: %v", e.URL, e.Err)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("extract %s: exit status %d: %v", e.URL, e.ExitCode, e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is matches ErrExtraction.
func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// EnrichmentError reports a failed secondary lookup.
type EnrichmentError struct {
	URL string
	Err error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich %s: %v", e.URL, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// Is matches ErrEnrichment.
func (e *EnrichmentError) Is(target error) bool { return target == ErrEnrichment }

// RecordValidationError reports a record rejected before hydration.
type RecordValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *RecordValidationError) Error() string {
	return fmt.Sprintf("record %d: field %s: %s", e.Index, e.Field, e.Reason)
}

// Is matches ErrInvalidRecord.
func (e *RecordValidationError) Is(target error) bool { return target == ErrInvalidRecord }
