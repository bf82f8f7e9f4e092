package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/askbase/internal/engine"
)

// Classifier implements engine.IntentClassifier on top of the chat client.
// Model failures surface as errors; the engine substitutes its heuristic
// fallback analysis in that case.
type Classifier struct {
	client *Client
	logger *log.Logger
}

func NewClassifier(client *Client, logger *log.Logger) *Classifier {
	if logger == nil {
		logger = log.New(log.Writer(), "[INTENT] ", log.LstdFlags)
	}
	return &Classifier{client: client, logger: logger}
}

const intentPromptHeader = `Classify the user query for a document retrieval system. Respond with JSON only, no prose, using this shape:
{
  "primary_intent": "procedure_inquiry|regulation_check|technical_question|comparison|troubleshooting|general_info",
  "key_entities": ["..."],
  "complexity": "simple|moderate|complex",
  "requires_more_search": true,
  "additional_queries": ["..."],
  "confidence": 0.0
}
Set requires_more_search when a single search is unlikely to cover the query, and propose at most 3 additional_queries in that case.`

// analysisPayload mirrors the JSON the model is instructed to emit.
type analysisPayload struct {
	PrimaryIntent      string   `json:"primary_intent"`
	KeyEntities        []string `json:"key_entities"`
	Complexity         string   `json:"complexity"`
	RequiresMoreSearch bool     `json:"requires_more_search"`
	AdditionalQueries  []string `json:"additional_queries"`
	Confidence         float64  `json:"confidence"`
}

// Analyze implements engine.IntentClassifier.
func (c *Classifier) Analyze(ctx context.Context, query string, conversation []engine.ConversationTurn) (engine.AnalysisResult, error) {
	var b strings.Builder
	b.WriteString(intentPromptHeader)
	if len(conversation) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for _, turn := range tail(conversation, 6) {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
	}
	b.WriteString("\nQuery: ")
	b.WriteString(query)

	raw, err := c.client.Generate(ctx, b.String(), 500, nil)
	if err != nil {
		return engine.AnalysisResult{}, fmt.Errorf("intent model call: %w", err)
	}

	payload, err := parseAnalysis(raw)
	if err != nil {
		c.logger.Printf("unparseable analysis, raw=%q: %v", truncate(raw, 120), err)
		return engine.AnalysisResult{}, fmt.Errorf("intent parse: %w", err)
	}
	return payload.toResult(), nil
}

// parseAnalysis tolerates code fences and leading prose around the JSON
// object, which chat models add despite instructions.
func parseAnalysis(raw string) (analysisPayload, error) {
	var p analysisPayload
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return p, fmt.Errorf("no JSON object found")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &p); err != nil {
		return p, err
	}
	return p, nil
}

func (p analysisPayload) toResult() engine.AnalysisResult {
	intent := engine.Intent(p.PrimaryIntent)
	switch intent {
	case engine.IntentProcedure, engine.IntentRegulation, engine.IntentTechnical,
		engine.IntentComparison, engine.IntentTroubleshooting, engine.IntentGeneral:
	default:
		intent = engine.IntentGeneral
	}
	complexity := engine.Complexity(p.Complexity)
	switch complexity {
	case engine.ComplexitySimple, engine.ComplexityModerate, engine.ComplexityComplex:
	default:
		complexity = engine.ComplexityModerate
	}
	conf := p.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	queries := p.AdditionalQueries
	if len(queries) > 3 {
		queries = queries[:3]
	}
	return engine.AnalysisResult{
		PrimaryIntent:      intent,
		KeyEntities:        p.KeyEntities,
		Complexity:         complexity,
		RequiresMoreSearch: p.RequiresMoreSearch && len(queries) > 0,
		AdditionalQueries:  queries,
		Confidence:         conf,
	}
}

func tail(turns []engine.ConversationTurn, n int) []engine.ConversationTurn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
