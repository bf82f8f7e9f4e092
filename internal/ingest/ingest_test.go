package ingest

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/askbase/config"
	"github.com/mohammad-safakhou/askbase/internal/engine"
	"github.com/mohammad-safakhou/askbase/internal/index"
)

const samplePage = `<!DOCTYPE html>
<html><head><title>Anchor Bolt Guide</title></head>
<body><article>
<h1>Anchor Bolt Guide</h1>
<p>Anchor bolts must be embedded at least twelve diameters into the concrete footing. Torque values depend on bolt grade and diameter.</p>
<p>Use a calibrated torque wrench and recheck after twenty four hours of curing.</p>
</article></body></html>`

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestFetchExtractsReadableText(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, samplePage)
	}))
	defer srv.Close()

	f := NewFetcher(config.IngestConfig{Timeout: 5 * time.Second}, quiet())
	doc, err := f.Fetch(context.Background(), config.IngestSource{Name: "", URL: srv.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !strings.Contains(doc.Content, "twelve diameters") {
		t.Fatalf("readable text lost: %q", doc.Content)
	}
	if strings.Contains(doc.Content, "<p>") {
		t.Fatalf("markup leaked into content")
	}
	if doc.Title != "Anchor Bolt Guide" {
		t.Fatalf("title = %q", doc.Title)
	}
	if doc.SourceLocator != srv.URL {
		t.Fatalf("locator = %q", doc.SourceLocator)
	}
	if gotUA != "askbase-ingest/1.0" {
		t.Fatalf("user agent = %q", gotUA)
	}
}

func TestFetchPlainTextPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "plain   spec   document body")
	}))
	defer srv.Close()

	f := NewFetcher(config.IngestConfig{}, quiet())
	doc, err := f.Fetch(context.Background(), config.IngestSource{Name: "spec", URL: srv.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if doc.Content != "plain spec document body" {
		t.Fatalf("whitespace not collapsed: %q", doc.Content)
	}
	if doc.Title != "spec" {
		t.Fatalf("source name should become title, got %q", doc.Title)
	}
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher(config.IngestConfig{}, quiet())
	if _, err := f.Fetch(context.Background(), config.IngestSource{URL: srv.URL}); err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}

func TestRunOnceSkipsFailingSources(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, samplePage)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	idx, err := index.OpenMemory(1000, 100, quiet())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	cfg := config.IngestConfig{Sources: []config.IngestSource{
		{Name: "good", URL: good.URL},
		{Name: "bad", URL: bad.URL},
	}}
	n := NewRunner(cfg, idx, quiet()).RunOnce(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 ingested source, got %d", n)
	}

	res, err := idx.Search(context.Background(), "anchor bolt torque", 5, engine.ModeLexical)
	if err != nil || len(res) == 0 {
		t.Fatalf("ingested content not searchable (err %v, hits %d)", err, len(res))
	}
}

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 8, 30, 4, 0, 0, 0, time.UTC)
	hourAgo := now.Add(-time.Hour)
	twoDaysAgo := now.Add(-48 * time.Hour)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"never", "@never", nil, false},
		{"empty spec", "", nil, false},
		{"daily first run", "@daily", nil, true},
		{"daily too soon", "@daily", &hourAgo, false},
		{"daily overdue", "@daily", &twoDaysAgo, true},
		{"hourly overdue", "@hourly", &hourAgo, true},
		{"cron first run", "0 3 * * *", nil, true},
		{"cron passed since last", "0 3 * * *", &twoDaysAgo, true},
		{"cron not yet", "0 5 * * *", &hourAgo, false},
		{"invalid degrades to daily", "not a cron", &hourAgo, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isDue(c.spec, c.last, now); got != c.want {
				t.Fatalf("isDue(%q, %v) = %v, want %v", c.spec, c.last, got, c.want)
			}
		})
	}
}
