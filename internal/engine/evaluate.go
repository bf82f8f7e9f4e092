package engine

import (
	"fmt"
	"strings"
)

// Evaluator decides after each search round whether the merged evidence is
// good enough to answer from, and proposes refinement queries when it is not.
type Evaluator struct {
	policy Policy
}

func NewEvaluator(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Evaluate applies the per-intent count thresholds, then lets overall
// quality veto a count-based pass. iteration is 1-based.
func (e *Evaluator) Evaluate(evidence []EvidenceRecord, analysis AnalysisResult, iteration int) Verdict {
	rule := e.policy.Rule(analysis.PrimaryIntent)
	metrics := ComputeQuality(evidence, analysis)
	count := len(evidence)
	finalIteration := iteration >= e.policy.MaxIterations

	var sufficient bool
	var reason string
	switch {
	case count == 0:
		sufficient = false
		reason = "no evidence collected"
	case count >= rule.Preferred:
		sufficient = true
		reason = fmt.Sprintf("%d records meet preferred count %d", count, rule.Preferred)
	case count >= rule.MinEvidence && iteration >= 2:
		sufficient = true
		reason = fmt.Sprintf("%d records meet minimum %d on iteration %d", count, rule.MinEvidence, iteration)
	case finalIteration:
		sufficient = true
		reason = fmt.Sprintf("final iteration, answering from %d records", count)
	default:
		sufficient = false
		reason = fmt.Sprintf("%d records below minimum %d", count, rule.MinEvidence)
	}

	// Quality can veto quantity; the controller still answers (degraded)
	// once iterations run out.
	if sufficient && count > 0 && metrics.Overall < e.policy.MinQuality {
		sufficient = false
		reason = fmt.Sprintf("overall quality %.2f below threshold %.2f", metrics.Overall, e.policy.MinQuality)
	}

	v := Verdict{Sufficient: sufficient, Reason: reason, Metrics: metrics}
	if !sufficient {
		v.RefinementQueries = e.RefineQueries(analysis, evidence)
	}
	return v
}

// ComputeQuality summarises an evidence set: mean backend relevance, the
// share of key entities mentioned anywhere, and source diversity.
func ComputeQuality(evidence []EvidenceRecord, analysis AnalysisResult) QualityMetrics {
	if len(evidence) == 0 {
		return QualityMetrics{}
	}

	var relSum float64
	locators := make(map[string]struct{}, len(evidence))
	for _, rec := range evidence {
		relSum += rec.RawRelevance
		locators[rec.SourceLocator] = struct{}{}
	}
	relevance := relSum / float64(len(evidence))

	coverage := 1.0
	if len(analysis.KeyEntities) > 0 {
		covered := 0
		for _, ent := range analysis.KeyEntities {
			lower := strings.ToLower(ent)
			for _, rec := range evidence {
				if strings.Contains(strings.ToLower(rec.Text), lower) {
					covered++
					break
				}
			}
		}
		coverage = float64(covered) / float64(len(analysis.KeyEntities))
	}

	diversity := float64(len(locators)) / float64(len(evidence))

	m := QualityMetrics{Relevance: relevance, Coverage: coverage, Diversity: diversity}
	m.Overall = 0.4*m.Relevance + 0.4*m.Coverage + 0.2*m.Diversity
	return m
}

var refinementTemplates = []string{
	"%s details",
	"%s related rules",
	"%s practical guide",
}

// RefineQueries builds follow-up queries for the entities the current
// evidence covers worst, merged with the analysis's own additional queries
// and capped by policy.
func (e *Evaluator) RefineQueries(analysis AnalysisResult, evidence []EvidenceRecord) []string {
	uncovered := make([]string, 0, len(analysis.KeyEntities))
	for _, ent := range analysis.KeyEntities {
		if ent == "" {
			continue
		}
		lower := strings.ToLower(ent)
		hits := 0
		for _, rec := range evidence {
			if strings.Contains(strings.ToLower(rec.Text), lower) {
				hits++
			}
		}
		if hits < 2 {
			uncovered = append(uncovered, ent)
		}
	}
	if len(uncovered) == 0 {
		uncovered = analysis.KeyEntities
	}
	if len(uncovered) > 2 {
		uncovered = uncovered[:2]
	}

	queries := make([]string, 0, e.policy.MaxRefinementQueries)
	seen := make(map[string]bool)
	add := func(q string) {
		norm := normalizeQuery(q)
		if norm == "" || seen[norm] || len(queries) >= e.policy.MaxRefinementQueries {
			return
		}
		seen[norm] = true
		queries = append(queries, q)
	}
	for _, ent := range uncovered {
		for _, tmpl := range refinementTemplates {
			add(fmt.Sprintf(tmpl, ent))
		}
	}
	for _, q := range analysis.AdditionalQueries {
		add(q)
	}
	return queries
}
