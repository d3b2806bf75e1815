package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/metrics"
)

// DefaultTimemapBase is the archive service queried when no base is configured.
const DefaultTimemapBase = "https://archive.ph"

// Snapshot is one archived capture of a URL.
type Snapshot struct {
	URL      string `json:"url"`
	Datetime string `json:"datetime,omitempty"`
}

// TimemapConfig controls the HTTP lookup.
type TimemapConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// TimemapEnricher fetches "<base>/timemap/<url>" and returns the mementos it
// lists as a JSON array of snapshots.
type TimemapEnricher struct {
	cfg           TimemapConfig
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewTimemapEnricher builds a TimemapEnricher.
func NewTimemapEnricher(cfg TimemapConfig, logger *zap.Logger) *TimemapEnricher {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultTimemapBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	return &TimemapEnricher{cfg: cfg, baseCollector: c, logger: logger.Named("timemap")}
}

// Enrich implements hydrator.Enricher. A 404 from the archive means no
// snapshots and yields nil, nil.
func (e *TimemapEnricher) Enrich(ctx context.Context, url string) (json.RawMessage, error) {
	start := time.Now()
	body, status, err := e.fetch(ctx, e.cfg.BaseURL+"/timemap/"+url)
	if status == http.StatusNotFound {
		metrics.ObserveInvocation(metrics.KindArchive, true, time.Since(start))
		return nil, nil
	}
	if err != nil {
		metrics.ObserveInvocation(metrics.KindArchive, false, time.Since(start))
		return nil, &hydrator.EnrichmentError{URL: url, Err: err}
	}
	metrics.ObserveInvocation(metrics.KindArchive, true, time.Since(start))

	snapshots := ParseLinkFormat(string(body))
	if len(snapshots) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(snapshots)
	if err != nil {
		return nil, &hydrator.EnrichmentError{URL: url, Err: err}
	}
	return data, nil
}

func (e *TimemapEnricher) fetch(ctx context.Context, target string) ([]byte, int, error) {
	collector := e.baseCollector.Clone()

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("timemap fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, status, fmt.Errorf("timemap response failed: %w", fetchErr)
		}
		if err != nil {
			return nil, status, fmt.Errorf("timemap visit failed: %w", err)
		}
		if status == 0 {
			return nil, 0, errors.New("timemap returned no response")
		}
		return body, status, nil
	}
}

// ParseLinkFormat extracts memento entries from an application/link-format
// timemap. Datetimes are normalized to RFC 3339 when they parse.
func ParseLinkFormat(body string) []Snapshot {
	var out []Snapshot
	for _, link := range splitLinks(body) {
		rel := link.params["rel"]
		if !hasToken(rel, "memento") {
			continue
		}
		snap := Snapshot{URL: link.target, Datetime: link.params["datetime"]}
		if ts, err := time.Parse(time.RFC1123, snap.Datetime); err == nil {
			snap.Datetime = ts.UTC().Format(time.RFC3339)
		}
		out = append(out, snap)
	}
	return out
}

type link struct {
	target string
	params map[string]string
}

// splitLinks walks "<target>; k=v; k="v, with comma", <target>; ..." entries.
// Commas inside quoted values do not end an entry.
func splitLinks(body string) []link {
	var links []link
	i := 0
	for {
		open := strings.IndexByte(body[i:], '<')
		if open < 0 {
			return links
		}
		open += i
		closeIdx := strings.IndexByte(body[open:], '>')
		if closeIdx < 0 {
			return links
		}
		closeIdx += open
		cur := link{target: strings.TrimSpace(body[open+1 : closeIdx]), params: map[string]string{}}

		j := closeIdx + 1
		inQuote := false
		for j < len(body) {
			c := body[j]
			if c == '"' {
				inQuote = !inQuote
			} else if c == ',' && !inQuote {
				break
			}
			j++
		}
		for _, part := range splitParams(body[closeIdx+1 : j]) {
			key, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			cur.params[strings.ToLower(strings.TrimSpace(key))] = strings.Trim(strings.TrimSpace(value), `"`)
		}
		links = append(links, cur)
		i = j
	}
}

func splitParams(s string) []string {
	var parts []string
	inQuote := false
	start := 0
	for k := 0; k < len(s); k++ {
		switch s[k] {
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				parts = append(parts, s[start:k])
				start = k + 1
			}
		}
	}
	return append(parts, s[start:])
}

func hasToken(list, token string) bool {
	for _, field := range strings.Fields(list) {
		if field == token {
			return true
		}
	}
	return false
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
