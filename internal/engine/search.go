package engine

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// Executor fans one query analysis out into concurrent retrieval stages and
// normalises everything the backend returns into evidence records.
type Executor struct {
	backend RetrievalBackend
	policy  Policy
	hooks   StageHooks
	logger  *log.Logger
}

// NewExecutor wires an executor. hooks may be the zero value.
func NewExecutor(backend RetrievalBackend, policy Policy, hooks StageHooks, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Executor{backend: backend, policy: policy, hooks: hooks, logger: logger}
}

type stageOutcome struct {
	stage    SearchStage
	evidence []EvidenceRecord
}

// ExecuteRound runs the primary stage for query plus up to
// MaxAdditionalPerRnd additional stages taken from the analysis, all
// concurrently. Failed stages are recorded, not fatal; the caller decides
// what an empty round means.
func (e *Executor) ExecuteRound(ctx context.Context, query string, analysis AnalysisResult) ([]SearchStage, []EvidenceRecord) {
	stages := e.planStages(query, analysis)

	// Outcomes land at their plan position so stage and evidence order is
	// primary first, then additionals by sequence, regardless of which
	// goroutine finishes first.
	outcomes := make([]stageOutcome, len(stages))
	var wg sync.WaitGroup
	for i, st := range stages {
		wg.Add(1)
		go func(i int, st SearchStage) {
			defer wg.Done()
			outcomes[i] = e.runStage(ctx, st)
		}(i, st)
	}
	wg.Wait()

	done := make([]SearchStage, 0, len(stages))
	evidence := make([]EvidenceRecord, 0, e.policy.PrimaryLimit)
	for _, out := range outcomes {
		done = append(done, out.stage)
		evidence = append(evidence, out.evidence...)
	}
	return done, evidence
}

func (e *Executor) planStages(query string, analysis AnalysisResult) []SearchStage {
	stages := []SearchStage{{
		Type:     StagePrimary,
		Sequence: 0,
		Query:    query,
		Status:   StagePending,
	}}
	if !analysis.RequiresMoreSearch {
		return stages
	}

	seen := map[string]bool{normalizeQuery(query): true}
	seq := 0
	for _, q := range analysis.AdditionalQueries {
		if seq >= e.policy.MaxAdditionalPerRnd {
			break
		}
		norm := normalizeQuery(q)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		seq++
		stages = append(stages, SearchStage{
			Type:     StageAdditional,
			Sequence: seq,
			Query:    q,
			Status:   StagePending,
		})
	}
	return stages
}

func (e *Executor) runStage(ctx context.Context, st SearchStage) stageOutcome {
	st.Status = StageRunning
	st.StartTime = time.Now()
	if e.hooks.OnStageStart != nil {
		go e.hooks.OnStageStart(st)
	}

	sctx := ctx
	if e.policy.StageTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, e.policy.StageTimeout)
		defer cancel()
	}

	limit := e.policy.StageLimit(st.Type)
	results, err := e.backend.Search(sctx, st.Query, limit, e.policy.SearchMode)
	st.EndTime = time.Now()
	if err != nil {
		st.Status = StageFailed
		st.Err = err.Error()
		e.logger.Printf("stage %s seq=%d failed after %s: %v", st.Type, st.Sequence, st.Duration(), err)
		if e.hooks.OnStageFail != nil {
			go e.hooks.OnStageFail(st, err)
		}
		return stageOutcome{stage: st}
	}

	priority := StagePriority(st.Type, st.Sequence)
	origin := st.OriginLabel()
	evidence := make([]EvidenceRecord, 0, len(results))
	for _, r := range results {
		evidence = append(evidence, recordFromRaw(r, priority, origin))
	}
	st.Status = StageCompleted
	st.Count = len(evidence)
	e.logger.Printf("stage %s seq=%d query=%q results=%d took=%s", st.Type, st.Sequence, st.Query, st.Count, st.Duration())
	if e.hooks.OnStageComplete != nil {
		go e.hooks.OnStageComplete(st, st.Count)
	}
	return stageOutcome{stage: st, evidence: evidence}
}

func recordFromRaw(r RawResult, priority float64, origin string) EvidenceRecord {
	title := r.Title
	if title == "" {
		title = TitleFromLocator(r.SourceLocator)
	}
	ct := ContentText
	if len(r.Images) > 0 {
		if strings.TrimSpace(r.Text) == "" {
			ct = ContentImage
		} else {
			ct = ContentMixed
		}
	}
	return EvidenceRecord{
		ID:            Fingerprint(r.SourceLocator, r.Text),
		SourceLocator: r.SourceLocator,
		Title:         title,
		Text:          r.Text,
		Page:          r.Page,
		RawRelevance:  r.Score,
		StagePriority: priority,
		OriginStage:   origin,
		ContentType:   ct,
		Images:        r.Images,
	}
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
