package archive_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-hydrator/internal/archive"
	"github.com/JakeFAU/bulk-hydrator/internal/command"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
)

const sampleTimemap = `<http://example.com/page>; rel="original",
<https://archive.ph/timemap/http://example.com/page>; rel="self"; type="application/link-format"; from="Wed, 01 Jan 2020 00:00:00 GMT",
<https://archive.ph/20200101000000/http://example.com/page>; rel="first memento"; datetime="Wed, 01 Jan 2020 00:00:00 GMT",
<https://archive.ph/20210315120000/http://example.com/page>; rel="last memento"; datetime="Mon, 15 Mar 2021 12:00:00 GMT"
`

func TestParseLinkFormat(t *testing.T) {
	t.Parallel()

	got := archive.ParseLinkFormat(sampleTimemap)
	assert.Equal(t, []archive.Snapshot{
		{URL: "https://archive.ph/20200101000000/http://example.com/page", Datetime: "2020-01-01T00:00:00Z"},
		{URL: "https://archive.ph/20210315120000/http://example.com/page", Datetime: "2021-03-15T12:00:00Z"},
	}, got)

	assert.Empty(t, archive.ParseLinkFormat(""))
	assert.Empty(t, archive.ParseLinkFormat(`<http://example.com>; rel="original"`))
}

func TestParseLinkFormatKeepsUnparsedDatetime(t *testing.T) {
	t.Parallel()

	got := archive.ParseLinkFormat(`<http://a/1>; rel="memento"; datetime="sometime"`)
	require.Len(t, got, 1)
	assert.Equal(t, "sometime", got[0].Datetime)
}

func TestTimemapEnricher(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		requested []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requested = append(requested, r.URL.Path)
		mu.Unlock()
		switch {
		case strings.Contains(r.URL.Path, "missing"):
			http.NotFound(w, r)
		case strings.Contains(r.URL.Path, "broken"):
			http.Error(w, "upstream down", http.StatusBadGateway)
		default:
			w.Header().Set("Content-Type", "application/link-format")
			_, _ = w.Write([]byte(sampleTimemap))
		}
	}))
	t.Cleanup(srv.Close)

	enricher := archive.NewTimemapEnricher(archive.TimemapConfig{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}, nil)

	payload, err := enricher.Enrich(context.Background(), "http://example.com/page")
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{"/timemap/http://example.com/page"}, requested)
	mu.Unlock()
	assert.JSONEq(t, `[
		{"url":"https://archive.ph/20200101000000/http://example.com/page","datetime":"2020-01-01T00:00:00Z"},
		{"url":"https://archive.ph/20210315120000/http://example.com/page","datetime":"2021-03-15T12:00:00Z"}
	]`, string(payload))

	payload, err = enricher.Enrich(context.Background(), "http://example.com/missing")
	require.NoError(t, err)
	assert.Nil(t, payload)

	_, err = enricher.Enrich(context.Background(), "http://example.com/broken")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hydrator.ErrEnrichment))
}

func TestCommandEnricher(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		res     command.Result
		err     error
		want    string
		wantErr bool
	}{
		{name: "snapshots", res: command.Result{Stdout: []byte(`["https://archive.ph/abc"]`)}, want: `["https://archive.ph/abc"]`},
		{name: "empty list", res: command.Result{Stdout: []byte("[]\n")}},
		{name: "no output", res: command.Result{}},
		{name: "non-zero exit", res: command.Result{ExitCode: 1, Stderr: []byte("rate limited")}, wantErr: true},
		{name: "garbage", res: command.Result{Stdout: []byte("<html>")}, wantErr: true},
		{name: "spawn failure", err: errors.New("exec: not found"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var seen command.Spec
			runner := command.RunnerFunc(func(_ context.Context, spec command.Spec) (command.Result, error) {
				seen = spec
				return tt.res, tt.err
			})
			enricher, err := archive.NewCommandEnricher("", 0, runner, nil)
			require.NoError(t, err)

			payload, err := enricher.Enrich(context.Background(), "http://x")
			assert.Equal(t, archive.DefaultCommand, seen.Path)
			assert.Equal(t, []string{"http://x"}, seen.Args)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, hydrator.ErrEnrichment))
				return
			}
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, payload)
				return
			}
			assert.Equal(t, tt.want, string(payload))
		})
	}
}
