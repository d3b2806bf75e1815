package hydrator

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Invoker runs the extraction worker for one URL and returns its payload.
type Invoker interface {
	Invoke(ctx context.Context, url string) (json.RawMessage, error)
}

// Enricher performs the best-effort secondary lookup for a URL. A nil payload
// with a nil error means nothing was found.
type Enricher interface {
	Enrich(ctx context.Context, url string) (json.RawMessage, error)
}

// Provisioner makes sure the worker executable is runnable.
type Provisioner interface {
	Ensure(ctx context.Context) error
}

// ArtifactStore persists serialized records under string keys.
type ArtifactStore interface {
	PutObject(ctx context.Context, key string, contentType string, data io.Reader) (string, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for build fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
