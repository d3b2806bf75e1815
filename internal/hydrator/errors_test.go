package hydrator

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{name: "format", err: &FormatError{Source: "-", Err: cause}, sentinel: ErrFormat},
		{name: "io", err: &IOError{Op: "write artifact", Path: "a.json", Err: cause}, sentinel: ErrIO},
		{name: "build", err: &BuildError{Path: "bin/worker", Err: cause}, sentinel: ErrBuild},
		{name: "extraction", err: &ExtractionError{URL: "http://x", Err: cause}, sentinel: ErrExtraction},
		{name: "enrichment", err: &EnrichmentError{URL: "http://x", Err: cause}, sentinel: ErrEnrichment},
		{name: "validation", err: &RecordValidationError{Index: 1, Field: FieldURL, Reason: "missing"}, sentinel: ErrInvalidRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.sentinel))
			assert.False(t, errors.Is(wrapped, ErrHalted))
		})
	}
}

func TestErrorsUnwrapCause(t *testing.T) {
	t.Parallel()

	err := &IOError{Op: "read input", Path: "in.json", Err: fs.ErrNotExist}
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, "read input in.json: file does not exist", err.Error())
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	build := &BuildError{Path: "bin/worker", Output: "main.go:3: undefined: x\n", Err: errors.New("exit status 1")}
	assert.Equal(t, "build worker bin/worker: exit status 1\nmain.go:3: undefined: x", build.Error())

	extract := &ExtractionError{URL: "http://x", ExitCode: 2, Stderr: "fetch failed\n", Err: errors.New("worker failed")}
	assert.Equal(t, "extract http://x: exit status 2: worker failed: fetch failed", extract.Error())

	invalid := &RecordValidationError{Index: 4, Field: FieldURL, Reason: "missing"}
	assert.Equal(t, "record 4: field URL: missing", invalid.Error())
}
