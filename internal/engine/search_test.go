package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBackend returns canned results per query and can be told to fail or
// delay specific queries.
type fakeBackend struct {
	mu      sync.Mutex
	results map[string][]RawResult
	failOn  map[string]error
	delay   map[string]time.Duration
	calls   []string
}

func (f *fakeBackend) Search(ctx context.Context, query string, maxResults int, mode SearchMode) ([]RawResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.mu.Unlock()
	if d, ok := f.delay[query]; ok {
		time.Sleep(d)
	}
	if err, ok := f.failOn[query]; ok {
		return nil, err
	}
	res := f.results[query]
	if len(res) > maxResults {
		res = res[:maxResults]
	}
	return res, nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func raws(locator string, n int) []RawResult {
	out := make([]RawResult, n)
	for i := range out {
		out[i] = RawResult{
			Text:          fmt.Sprintf("passage %d about topic %s with distinct content body %d", i, locator, i*7),
			Score:         0.9 - float64(i)*0.05,
			SourceLocator: fmt.Sprintf("%s/doc-%d.pdf", locator, i),
		}
	}
	return out
}

func TestExecuteRoundPrimaryOnly(t *testing.T) {
	fb := &fakeBackend{results: map[string][]RawResult{"crane load limits": raws("s3://a", 3)}}
	ex := NewExecutor(fb, DefaultPolicy(), StageHooks{}, testLogger())

	stages, evidence := ex.ExecuteRound(context.Background(), "crane load limits", AnalysisResult{})
	if len(stages) != 1 {
		t.Fatalf("expected exactly 1 stage, got %d", len(stages))
	}
	if stages[0].Type != StagePrimary || stages[0].Status != StageCompleted {
		t.Fatalf("unexpected primary stage: %+v", stages[0])
	}
	if len(evidence) != 3 {
		t.Fatalf("expected 3 records, got %d", len(evidence))
	}
	for _, rec := range evidence {
		if rec.StagePriority != 1.0 {
			t.Fatalf("primary records must carry priority 1.0, got %f", rec.StagePriority)
		}
		if rec.OriginStage != "primary" {
			t.Fatalf("origin = %q, want primary", rec.OriginStage)
		}
		if rec.ID == "" || rec.Title == "" {
			t.Fatalf("record missing derived fields: %+v", rec)
		}
	}
}

func TestExecuteRoundAdditionalStages(t *testing.T) {
	fb := &fakeBackend{results: map[string][]RawResult{
		"main":  raws("s3://m", 2),
		"sub 1": raws("s3://s1", 2),
		"sub 2": raws("s3://s2", 2),
	}}
	ex := NewExecutor(fb, DefaultPolicy(), StageHooks{}, testLogger())

	analysis := AnalysisResult{
		RequiresMoreSearch: true,
		AdditionalQueries:  []string{"sub 1", "sub 2"},
	}
	stages, evidence := ex.ExecuteRound(context.Background(), "main", analysis)
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	if stages[0].Type != StagePrimary {
		t.Fatalf("primary must sort first, got %v", stages[0].Type)
	}
	if stages[1].Sequence != 1 || stages[2].Sequence != 2 {
		t.Fatalf("additional stages out of order: %d, %d", stages[1].Sequence, stages[2].Sequence)
	}

	byOrigin := map[string]float64{}
	for _, rec := range evidence {
		byOrigin[rec.OriginStage] = rec.StagePriority
	}
	if byOrigin["additional_1"] != 0.8 {
		t.Fatalf("first additional priority = %f, want 0.8", byOrigin["additional_1"])
	}
	if diff := byOrigin["additional_2"] - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("second additional priority = %f, want 0.7", byOrigin["additional_2"])
	}
}

func TestExecuteRoundCapsAdditionalStages(t *testing.T) {
	fb := &fakeBackend{results: map[string][]RawResult{}}
	pol := DefaultPolicy()
	pol.MaxAdditionalPerRnd = 2
	ex := NewExecutor(fb, pol, StageHooks{}, testLogger())

	analysis := AnalysisResult{
		RequiresMoreSearch: true,
		AdditionalQueries:  []string{"q1", "q2", "q3", "q4"},
	}
	stages, _ := ex.ExecuteRound(context.Background(), "main", analysis)
	if len(stages) != 3 {
		t.Fatalf("expected primary + 2 additional, got %d stages", len(stages))
	}
}

func TestExecuteRoundSkipsDuplicateQueries(t *testing.T) {
	fb := &fakeBackend{results: map[string][]RawResult{}}
	ex := NewExecutor(fb, DefaultPolicy(), StageHooks{}, testLogger())

	analysis := AnalysisResult{
		RequiresMoreSearch: true,
		AdditionalQueries:  []string{"Main  Query", "other"},
	}
	stages, _ := ex.ExecuteRound(context.Background(), "main query", analysis)
	if len(stages) != 2 {
		t.Fatalf("query duplicating the primary should be skipped, got %d stages", len(stages))
	}
}

func TestStageIsolation(t *testing.T) {
	fb := &fakeBackend{
		results: map[string][]RawResult{"main": raws("s3://m", 4)},
		failOn:  map[string]error{"boom": errors.New("backend unavailable")},
	}
	failedCh := make(chan SearchStage, 1)
	hooks := StageHooks{OnStageFail: func(st SearchStage, err error) { failedCh <- st }}
	ex := NewExecutor(fb, DefaultPolicy(), hooks, testLogger())

	analysis := AnalysisResult{RequiresMoreSearch: true, AdditionalQueries: []string{"boom"}}
	stages, evidence := ex.ExecuteRound(context.Background(), "main", analysis)

	if len(evidence) != 4 {
		t.Fatalf("primary contribution must survive a failing additional stage, got %d records", len(evidence))
	}
	var sawFailed bool
	for _, st := range stages {
		if st.Query == "boom" {
			sawFailed = true
			if st.Status != StageFailed || !strings.Contains(st.Err, "unavailable") {
				t.Fatalf("failed stage not recorded properly: %+v", st)
			}
		} else if st.Status != StageCompleted {
			t.Fatalf("healthy stage polluted by failure: %+v", st)
		}
	}
	if !sawFailed {
		t.Fatalf("failed stage missing from report")
	}
	select {
	case st := <-failedCh:
		if st.Query != "boom" {
			t.Fatalf("OnStageFail got stage %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnStageFail never fired")
	}
}

func TestStageHooksFire(t *testing.T) {
	fb := &fakeBackend{results: map[string][]RawResult{"q": raws("s3://m", 2)}}
	starts := make(chan SearchStage, 1)
	completes := make(chan int, 1)
	hooks := StageHooks{
		OnStageStart:    func(st SearchStage) { starts <- st },
		OnStageComplete: func(st SearchStage, n int) { completes <- n },
	}
	ex := NewExecutor(fb, DefaultPolicy(), hooks, testLogger())
	ex.ExecuteRound(context.Background(), "q", AnalysisResult{})

	select {
	case st := <-starts:
		if st.Status != StageRunning {
			t.Fatalf("start hook saw status %v", st.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnStageStart never fired")
	}
	select {
	case n := <-completes:
		if n != 2 {
			t.Fatalf("OnStageComplete count = %d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnStageComplete never fired")
	}
}

func TestStageHooksDoNotBlockRound(t *testing.T) {
	fb := &fakeBackend{results: map[string][]RawResult{"q": raws("s3://m", 1)}}
	release := make(chan struct{})
	hooks := StageHooks{OnStageStart: func(SearchStage) { <-release }}
	ex := NewExecutor(fb, DefaultPolicy(), hooks, testLogger())

	done := make(chan struct{})
	go func() {
		ex.ExecuteRound(context.Background(), "q", AnalysisResult{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("round stalled behind a slow stage hook")
	}
	close(release)
}

func TestExecuteRoundOrderIndependentOfCompletion(t *testing.T) {
	primary := []RawResult{{Text: "permit clause alpha", Score: 0.5, SourceLocator: "s3://a"}}
	extra := []RawResult{{Text: "permit clause beta", Score: 0.5, SourceLocator: "s3://b"}}
	analysis := AnalysisResult{RequiresMoreSearch: true, AdditionalQueries: []string{"extra"}}

	// Whichever stage finishes last, evidence stays in stage order and the
	// primary record wins the equal-score tie after merging.
	for _, slow := range []string{"main", "extra"} {
		fb := &fakeBackend{
			results: map[string][]RawResult{"main": primary, "extra": extra},
			delay:   map[string]time.Duration{slow: 50 * time.Millisecond},
		}
		ex := NewExecutor(fb, DefaultPolicy(), StageHooks{}, testLogger())
		_, evidence := ex.ExecuteRound(context.Background(), "main", analysis)
		if len(evidence) != 2 {
			t.Fatalf("slow=%s: expected 2 records, got %d", slow, len(evidence))
		}
		if evidence[0].SourceLocator != "s3://a" || evidence[1].SourceLocator != "s3://b" {
			t.Fatalf("slow=%s: evidence out of stage order: %s, %s",
				slow, evidence[0].SourceLocator, evidence[1].SourceLocator)
		}

		merged := NewMerger(DefaultPolicy()).Merge(evidence, analysis)
		if merged[0].SourceLocator != "s3://a" || merged[1].SourceLocator != "s3://b" {
			t.Fatalf("slow=%s: merged tie order flipped: %s, %s",
				slow, merged[0].SourceLocator, merged[1].SourceLocator)
		}
	}
}

func TestStagePriorityClamp(t *testing.T) {
	if got := StagePriority(StageAdditional, 9); got != 0.1 {
		t.Fatalf("priority must clamp at 0.1, got %f", got)
	}
	if got := StagePriority(StagePrimary, 0); got != 1.0 {
		t.Fatalf("primary priority = %f, want 1.0", got)
	}
}
