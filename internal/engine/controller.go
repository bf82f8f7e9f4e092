package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyQuery is returned when the orchestration entry point receives a
// blank query. It is the only input the engine rejects outright.
var ErrEmptyQuery = errors.New("engine: empty query")

// Controller drives the bounded analyze-search-evaluate loop and hands the
// winning evidence to the budget allocator and language model.
type Controller struct {
	executor   *Executor
	merger     *Merger
	evaluator  *Evaluator
	classifier IntentClassifier
	llm        LanguageModel
	allocator  BudgetAllocator
	policy     Policy
	logger     *log.Logger
	tracer     trace.Tracer
}

// NewController wires the orchestration loop. All collaborators are
// required except logger.
func NewController(
	backend RetrievalBackend,
	classifier IntentClassifier,
	llm LanguageModel,
	allocator BudgetAllocator,
	policy Policy,
	hooks StageHooks,
	logger *log.Logger,
) *Controller {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Controller{
		executor:   NewExecutor(backend, policy, hooks, logger),
		merger:     NewMerger(policy),
		evaluator:  NewEvaluator(policy),
		classifier: classifier,
		llm:        llm,
		allocator:  allocator,
		policy:     policy,
		logger:     logger,
		tracer:     otel.Tracer("askbase/engine"),
	}
}

// Run executes one full orchestration for a query. conversation is
// read-only context from the session store and may be nil. The returned
// result is always usable; degradation is flagged, never raised.
func (c *Controller) Run(ctx context.Context, query string, conversation []ConversationTurn) (OrchestrationResult, error) {
	if strings.TrimSpace(query) == "" {
		return OrchestrationResult{}, ErrEmptyQuery
	}

	ctx, span := c.tracer.Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(attribute.String("query", query))

	started := time.Now()
	result := OrchestrationResult{
		ID:        uuid.New().String(),
		Query:     query,
		CreatedAt: started,
	}

	analysis := c.analyze(ctx, query, conversation)
	span.SetAttributes(attribute.String("intent", string(analysis.PrimaryIntent)))

	var (
		rawPool  []EvidenceRecord
		evidence []EvidenceRecord
		verdict  Verdict
	)
	for iter := 1; iter <= c.policy.MaxIterations; iter++ {
		iterStart := time.Now()
		stages, roundRaw := c.searchRound(ctx, query, analysis, iter)
		result.Stages = append(result.Stages, stages...)
		rawPool = append(rawPool, roundRaw...)

		evidence = c.merger.Merge(rawPool, analysis)
		verdict = c.evaluator.Evaluate(evidence, analysis, iter)
		result.IterationsUsed = iter
		result.Trace = append(result.Trace, IterationTrace{
			Iteration: iter,
			Stages:    stages,
			Evidence:  len(evidence),
			Verdict:   verdict,
			Elapsed:   time.Since(iterStart),
			Analysis:  analysis,
		})
		c.logger.Printf("iteration %d: raw=%d merged=%d sufficient=%v (%s)",
			iter, len(rawPool), len(evidence), verdict.Sufficient, verdict.Reason)

		if verdict.Sufficient {
			break
		}
		if iter == c.policy.MaxIterations {
			result.MaxIterationsReached = true
			break
		}
		analysis.RequiresMoreSearch = true
		analysis.AdditionalQueries = verdict.RefinementQueries
	}

	result.Metrics = verdict.Metrics
	if len(evidence) == 0 {
		result.Degraded = true
		span.SetAttributes(attribute.Bool("search_failed", true))
	}

	selected, maxTokens := c.allocator.Allocate(query, evidence, answerSystemPrompt, c.policy.Rule(analysis.PrimaryIntent))
	answer, citations := c.respond(ctx, query, selected, maxTokens, &result)
	result.Answer = answer
	result.Citations = citations
	result.ProcessingTime = time.Since(started)

	span.SetAttributes(
		attribute.Int("iterations", result.IterationsUsed),
		attribute.Int("citations", len(result.Citations)),
		attribute.Bool("degraded", result.Degraded),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// analyze asks the classifier for a query analysis and falls back to a
// neutral one when the classifier errors. A bad analysis degrades ranking,
// it never blocks the request.
func (c *Controller) analyze(ctx context.Context, query string, conversation []ConversationTurn) AnalysisResult {
	ctx, span := c.tracer.Start(ctx, "engine.analyze")
	defer span.End()

	analysis, err := c.classifier.Analyze(ctx, query, conversation)
	if err != nil {
		c.logger.Printf("intent analysis failed, using fallback: %v", err)
		span.RecordError(err)
		return FallbackAnalysis(query)
	}
	if analysis.PrimaryIntent == "" {
		analysis.PrimaryIntent = IntentGeneral
	}
	return analysis
}

// searchRound runs one multi-stage round. The executor itself honors the
// requires_more_search flag; later iterations set it when refining.
func (c *Controller) searchRound(ctx context.Context, query string, analysis AnalysisResult, iteration int) ([]SearchStage, []EvidenceRecord) {
	ctx, span := c.tracer.Start(ctx, "engine.search_round",
		trace.WithAttributes(attribute.Int("iteration", iteration)))
	defer span.End()

	stages, raw := c.executor.ExecuteRound(ctx, query, analysis)

	failed := 0
	for _, st := range stages {
		if st.Status == StageFailed {
			failed++
		}
	}
	if failed == len(stages) {
		span.SetStatus(codes.Error, "all stages failed")
		c.logger.Printf("iteration %d: total search failure (%d stages)", iteration, failed)
	}
	return stages, raw
}

// respond generates the answer text. A language-model failure falls back to
// a templated citation-only answer, never an error to the caller.
func (c *Controller) respond(ctx context.Context, query string, selected []EvidenceRecord, maxTokens int, result *OrchestrationResult) (string, []EvidenceRecord) {
	ctx, span := c.tracer.Start(ctx, "engine.respond",
		trace.WithAttributes(attribute.Int("max_answer_tokens", maxTokens)))
	defer span.End()

	prompt := BuildAnswerPrompt(query, selected)
	raw, err := c.llm.Generate(ctx, prompt, maxTokens, nil)
	if err != nil {
		c.logger.Printf("generation failed, using fallback answer: %v", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		result.Degraded = true
		result.FallbackAnswer = true
		return fallbackAnswer(query, selected), reindex(selected)
	}
	return c.allocator.PostProcess(raw, selected, maxTokens)
}

const answerSystemPrompt = `You are a precise research assistant. Answer the question using only the numbered evidence passages provided. Cite every claim with its bracketed evidence number, like [1] or [2]. If the evidence does not cover the question, say so plainly.`

// BuildAnswerPrompt renders the generation prompt: instructions, the
// numbered evidence block, then the question.
func BuildAnswerPrompt(query string, evidence []EvidenceRecord) string {
	var b strings.Builder
	b.WriteString(answerSystemPrompt)
	b.WriteString("\n\nEvidence:\n")
	if len(evidence) == 0 {
		b.WriteString("(no evidence was retrieved)\n")
	}
	for i, rec := range evidence {
		fmt.Fprintf(&b, "[%d] %s", i+1, rec.Title)
		if rec.Page != nil {
			fmt.Fprintf(&b, " (p.%d)", *rec.Page)
		}
		b.WriteString("\n")
		b.WriteString(rec.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\nAnswer:")
	return b.String()
}

// fallbackAnswer is used when generation fails: list the top sources so the
// user still gets something actionable.
func fallbackAnswer(query string, evidence []EvidenceRecord) string {
	if len(evidence) == 0 {
		return fmt.Sprintf("No supporting documents were found for %q. Try rephrasing the question or narrowing it to a specific topic.", query)
	}
	var b strings.Builder
	b.WriteString("The answer could not be generated, but the following sources are most relevant:\n")
	limit := len(evidence)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		rec := evidence[i]
		fmt.Fprintf(&b, "[%d] %s", i+1, rec.Title)
		if rec.Page != nil {
			fmt.Fprintf(&b, ", page %d", *rec.Page)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func reindex(evidence []EvidenceRecord) []EvidenceRecord {
	out := make([]EvidenceRecord, len(evidence))
	copy(out, evidence)
	for i := range out {
		out[i].Index = i + 1
	}
	return out
}

// FallbackAnalysis builds a neutral analysis from keyword heuristics when
// the intent step is unavailable.
func FallbackAnalysis(query string) AnalysisResult {
	lower := strings.ToLower(query)
	intent := IntentGeneral
	switch {
	case containsAny(lower, "how to", "how do", "steps", "procedure", "process"):
		intent = IntentProcedure
	case containsAny(lower, "allowed", "regulation", "rule", "policy", "legal"):
		intent = IntentRegulation
	case containsAny(lower, "error", "fail", "fix", "broken", "not working"):
		intent = IntentTroubleshooting
	case containsAny(lower, " vs ", "versus", "compare", "difference between"):
		intent = IntentComparison
	case containsAny(lower, "install", "configure", "spec", "version"):
		intent = IntentTechnical
	}
	return AnalysisResult{
		PrimaryIntent: intent,
		Complexity:    ComplexityModerate,
		Confidence:    0.3,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
