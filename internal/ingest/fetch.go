// Package ingest pulls configured document sources into the local index:
// fetch, readability extraction, chunked indexing, and cron-driven refresh.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/askbase/config"
	"github.com/mohammad-safakhou/askbase/internal/index"
)

const maxFetchBytes = 8 << 20

var reSpaces = regexp.MustCompile(`\s+`)

// Fetcher downloads a source URL and extracts its readable text.
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	logger     *log.Logger
}

func NewFetcher(cfg config.IngestConfig, logger *log.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.FetchUA
	if ua == "" {
		ua = "askbase-ingest/1.0"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  ua,
		logger:     logger,
	}
}

// Fetch retrieves one source and returns it as an indexable document.
func (f *Fetcher) Fetch(ctx context.Context, src config.IngestSource) (index.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return index.Document{}, fmt.Errorf("build request for %s: %w", src.URL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return index.Document{}, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return index.Document{}, fmt.Errorf("fetch %s: status %d", src.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return index.Document{}, fmt.Errorf("read %s: %w", src.URL, err)
	}

	parsed, err := url.Parse(src.URL)
	if err != nil {
		return index.Document{}, fmt.Errorf("parse url %s: %w", src.URL, err)
	}

	title := src.Name
	text := string(body)
	if isHTML(resp.Header.Get("Content-Type"), text) {
		article, rerr := readability.FromReader(strings.NewReader(text), parsed)
		if rerr != nil {
			return index.Document{}, fmt.Errorf("extract %s: %w", src.URL, rerr)
		}
		text = article.TextContent
		if t := strings.TrimSpace(article.Title); t != "" && title == "" {
			title = t
		}
	}
	text = strings.TrimSpace(reSpaces.ReplaceAllString(text, " "))
	if text == "" {
		return index.Document{}, fmt.Errorf("no readable content at %s", src.URL)
	}

	return index.Document{
		SourceLocator: src.URL,
		Title:         title,
		Content:       text,
	}, nil
}

func isHTML(contentType, body string) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	head := strings.ToLower(body)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// Runner fetches every configured source and indexes the results.
type Runner struct {
	fetcher *Fetcher
	idx     *index.Index
	sources []config.IngestSource
	logger  *log.Logger
}

func NewRunner(cfg config.IngestConfig, idx *index.Index, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	return &Runner{
		fetcher: NewFetcher(cfg, logger),
		idx:     idx,
		sources: cfg.Sources,
		logger:  logger,
	}
}

// RunOnce ingests all sources. Per-source failures are logged and skipped;
// the returned count is how many sources landed in the index.
func (r *Runner) RunOnce(ctx context.Context) int {
	ok := 0
	for _, src := range r.sources {
		doc, err := r.fetcher.Fetch(ctx, src)
		if err != nil {
			r.logger.Printf("skipping source %s: %v", src.Name, err)
			continue
		}
		chunks, err := r.idx.IndexDocument(doc)
		if err != nil {
			r.logger.Printf("indexing %s failed: %v", src.URL, err)
			continue
		}
		r.logger.Printf("ingested %s (%d chunks)", src.URL, chunks)
		ok++
	}
	return ok
}
