package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Intent classifies what the user is trying to accomplish with a query.
type Intent string

const (
	IntentProcedure       Intent = "procedure_inquiry"
	IntentRegulation      Intent = "regulation_check"
	IntentTechnical       Intent = "technical_question"
	IntentComparison      Intent = "comparison"
	IntentTroubleshooting Intent = "troubleshooting"
	IntentGeneral         Intent = "general_info"
)

// Complexity is the classifier's estimate of how involved a query is.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// ContentType tags what kind of payload an evidence record carries.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentMixed ContentType = "mixed"
)

// SearchMode selects how the retrieval backend ranks passages.
type SearchMode string

const (
	ModeHybrid   SearchMode = "hybrid"
	ModeSemantic SearchMode = "semantic"
	ModeLexical  SearchMode = "lexical"
)

// ImageRef points to an image attached to a retrieved passage.
type ImageRef struct {
	URI     string `json:"uri"`
	AltText string `json:"alt_text,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// EvidenceRecord is one retrieved passage plus its identity, scoring and
// provenance fields. It is created by the search executor, scored by the
// merger and renumbered by the budget allocator; nothing mutates it after it
// has been selected into a final answer.
type EvidenceRecord struct {
	ID            string      `json:"id"`
	SourceLocator string      `json:"source_locator"`
	Title         string      `json:"title"`
	Text          string      `json:"text"`
	Page          *int        `json:"page,omitempty"`
	RawRelevance  float64     `json:"raw_relevance"`
	StagePriority float64     `json:"stage_priority"`
	IntentBonus   float64     `json:"intent_bonus"`
	FinalScore    float64     `json:"final_score"`
	OriginStage   string      `json:"origin_stage"`
	ContentType   ContentType `json:"content_type"`
	Images        []ImageRef  `json:"images,omitempty"`
	Index         int         `json:"index"` // position in the ranked output, 1-based after post-processing
}

// fingerprintLen is the number of hex characters kept from the content hash.
const fingerprintLen = 12

// Fingerprint derives a stable identifier from the source locator and the
// leading text of the passage. Records carrying the same locator and opening
// text collapse to the same ID.
func Fingerprint(locator, text string) string {
	head := text
	if len(head) > 100 {
		head = head[:100]
	}
	sum := md5.Sum([]byte(locator + ":" + head))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// TitleFromLocator extracts a readable document name from an opaque locator.
// Falls back to the locator itself when no filename can be found.
func TitleFromLocator(locator string) string {
	if locator == "" {
		return "Unknown Document"
	}
	trimmed := strings.TrimRight(locator, "/")
	name := trimmed
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		name = trimmed[i+1:]
	}
	if decoded, err := url.PathUnescape(name); err == nil && decoded != "" {
		name = decoded
	}
	if name == "" {
		return "Unknown Document"
	}
	return name
}

// StageStatus tracks the lifecycle of one retrieval call.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageType distinguishes the always-run primary stage from conditional
// follow-up stages.
type StageType string

const (
	StagePrimary    StageType = "primary"
	StageAdditional StageType = "additional"
)

// SearchStage records a single retrieval attempt within one search round.
type SearchStage struct {
	Type      StageType   `json:"stage_type"`
	Sequence  int         `json:"sequence"`
	Query     string      `json:"query"`
	Status    StageStatus `json:"status"`
	StartTime time.Time   `json:"start_time,omitempty"`
	EndTime   time.Time   `json:"end_time,omitempty"`
	Count     int         `json:"result_count"`
	Err       string      `json:"error,omitempty"`
}

// Duration reports the wall time of the stage, zero until it is terminal.
func (s SearchStage) Duration() time.Duration {
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// OriginLabel is the stage tag recorded on every evidence record the stage
// produced: "primary", or "additional_k" for the k-th additional stage.
func (s SearchStage) OriginLabel() string {
	if s.Type == StagePrimary {
		return string(StagePrimary)
	}
	return "additional_" + strconv.Itoa(s.Sequence)
}

// AnalysisResult is the intent step's view of a query, consumed by the
// executor and the evaluator.
type AnalysisResult struct {
	PrimaryIntent      Intent     `json:"primary_intent"`
	KeyEntities        []string   `json:"key_entities"`
	Complexity         Complexity `json:"complexity"`
	RequiresMoreSearch bool       `json:"requires_more_search"`
	AdditionalQueries  []string   `json:"additional_queries"`
	Confidence         float64    `json:"confidence"`
}

// QualityMetrics summarises a merged evidence set.
type QualityMetrics struct {
	Relevance float64 `json:"relevance"`
	Coverage  float64 `json:"coverage"`
	Diversity float64 `json:"diversity"`
	Overall   float64 `json:"overall_quality"`
}

// Verdict is the sufficiency evaluator's decision for one iteration.
type Verdict struct {
	Sufficient        bool           `json:"sufficient"`
	Reason            string         `json:"reason"`
	Metrics           QualityMetrics `json:"metrics"`
	RefinementQueries []string       `json:"refinement_queries,omitempty"`
}

// IterationTrace captures what one loop iteration did, for observability.
type IterationTrace struct {
	Iteration int            `json:"iteration"`
	Stages    []SearchStage  `json:"stages"`
	Evidence  int            `json:"evidence_count"`
	Verdict   Verdict        `json:"verdict"`
	Elapsed   time.Duration  `json:"elapsed"`
	Analysis  AnalysisResult `json:"analysis"`
}

// OrchestrationResult is the full outcome of one orchestrated request.
type OrchestrationResult struct {
	ID                   string           `json:"id"`
	Query                string           `json:"query"`
	Answer               string           `json:"answer"`
	Citations            []EvidenceRecord `json:"citations"`
	Stages               []SearchStage    `json:"stages"`
	Metrics              QualityMetrics   `json:"metrics"`
	IterationsUsed       int              `json:"iterations_used"`
	MaxIterationsReached bool             `json:"max_iterations_reached"`
	Degraded             bool             `json:"degraded"`
	FallbackAnswer       bool             `json:"fallback_answer"`
	ProcessingTime       time.Duration    `json:"processing_time"`
	Trace                []IterationTrace `json:"trace,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// ConversationTurn is one prior exchange, supplied read-only by the session
// store to seed refinement context.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RawResult is what the retrieval backend returns for a single passage,
// before it becomes an evidence record.
type RawResult struct {
	Text          string
	Score         float64
	SourceLocator string
	Title         string
	Page          *int
	Metadata      map[string]interface{}
	Images        []ImageRef
}

// RetrievalBackend executes a single query against a document index.
type RetrievalBackend interface {
	Search(ctx context.Context, query string, maxResults int, mode SearchMode) ([]RawResult, error)
}

// LanguageModel turns a prompt into text under an output-size constraint.
type LanguageModel interface {
	Generate(ctx context.Context, prompt string, maxOutputTokens int, image []byte) (string, error)
}

// IntentClassifier analyzes a query, optionally using recent conversation
// turns. Implementations may sit on top of the same language model service.
type IntentClassifier interface {
	Analyze(ctx context.Context, query string, conversation []ConversationTurn) (AnalysisResult, error)
}

// BudgetAllocator decides how much evidence and generated text fit the
// output budget, and normalises the generated answer afterwards.
type BudgetAllocator interface {
	Allocate(query string, evidence []EvidenceRecord, systemPrompt string, rule IntentRule) (selected []EvidenceRecord, maxAnswerTokens int)
	PostProcess(answer string, selected []EvidenceRecord, maxAnswerTokens int) (finalText string, used []EvidenceRecord)
}

// StageHooks are optional progress callbacks consumed by telemetry or a
// progress display. The engine never blocks on them.
type StageHooks struct {
	OnStageStart    func(stage SearchStage)
	OnStageComplete func(stage SearchStage, resultCount int)
	OnStageFail     func(stage SearchStage, err error)
}
