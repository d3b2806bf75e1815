package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/bulk-hydrator/internal/storage/gcs"
)

// fakeBucket simulates the subset of the GCS JSON API the store uses.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/storage/v1/b/test-bucket/o"):
		name := r.URL.Query().Get("name")
		body, _ := io.ReadAll(r.Body)
		f.objects[name] = string(body)
		fmt.Fprintf(w, `{"name":%q,"bucket":"test-bucket"}`, name)
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/b/test-bucket/o/"):
		_, name, _ := strings.Cut(r.URL.Path, "/b/test-bucket/o/")
		if _, ok := f.objects[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"No such object"}}`)
			return
		}
		fmt.Fprintf(w, `{"name":%q,"bucket":"test-bucket"}`, name)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newTestStore(t *testing.T, prefix string) (*gcs.BlobStore, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: map[string]string{}}
	server := httptest.NewServer(bucket)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Prefix: prefix})
	require.NoError(t, err)
	return store, bucket
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck // test client
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestPutObjectAndExists(t *testing.T) {
	t.Parallel()

	store, bucket := newTestStore(t, "/artifacts/")
	ctx := context.Background()

	exists, err := store.ObjectExists(ctx, "a1.json")
	require.NoError(t, err)
	assert.False(t, exists)

	uri, err := store.PutObject(ctx, "a1.json", "application/json", strings.NewReader(`{"ID":"a1"}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/artifacts/a1.json", uri)

	bucket.mu.Lock()
	assert.Contains(t, bucket.objects["artifacts/a1.json"], `{"ID":"a1"}`)
	bucket.mu.Unlock()

	exists, err = store.ObjectExists(ctx, "a1.json")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = store.PutObject(ctx, " ", "application/json", strings.NewReader("x"))
	assert.Error(t, err)
}
