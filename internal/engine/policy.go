package engine

import "time"

// IntentRule carries the per-intent evidence thresholds: how many records
// are minimally acceptable, how many are ideal, and how many citations the
// selector should try to keep.
type IntentRule struct {
	MinEvidence   int `json:"min_evidence"`
	Preferred     int `json:"preferred"`
	CitationFloor int `json:"citation_floor"`
}

// Policy holds every tunable the orchestration engine consults. Zero values
// are not usable; start from DefaultPolicy and override.
type Policy struct {
	PrimaryLimit        int           `json:"primary_limit"`
	AdditionalLimit     int           `json:"additional_limit"`
	MaxAdditionalPerRnd int           `json:"max_additional_per_round"`
	StageTimeout        time.Duration `json:"stage_timeout"`
	SearchMode          SearchMode    `json:"search_mode"`

	MaxIterations   int     `json:"max_iterations"`
	MinQuality      float64 `json:"min_quality"`
	CitationCeiling int     `json:"citation_ceiling"`

	SimilarityThreshold float64 `json:"similarity_threshold"`
	SimilarityWindow    int     `json:"similarity_window"`

	KeywordBonus float64 `json:"keyword_bonus"`
	EntityBonus  float64 `json:"entity_bonus"`

	IntentRules    map[Intent]IntentRule `json:"intent_rules"`
	IntentKeywords map[Intent][]string   `json:"intent_keywords"`

	MaxRefinementQueries int `json:"max_refinement_queries"`
}

// DefaultPolicy returns the tuned production defaults.
func DefaultPolicy() Policy {
	return Policy{
		PrimaryLimit:        50,
		AdditionalLimit:     20,
		MaxAdditionalPerRnd: 3,
		StageTimeout:        15 * time.Second,
		SearchMode:          ModeHybrid,

		MaxIterations:   3,
		MinQuality:      0.3,
		CitationCeiling: 20,

		SimilarityThreshold: 0.9,
		SimilarityWindow:    200,

		KeywordBonus: 0.2,
		EntityBonus:  0.3,

		IntentRules: map[Intent]IntentRule{
			IntentProcedure:       {MinEvidence: 3, Preferred: 8, CitationFloor: 8},
			IntentRegulation:      {MinEvidence: 2, Preferred: 6, CitationFloor: 6},
			IntentTechnical:       {MinEvidence: 2, Preferred: 5, CitationFloor: 5},
			IntentGeneral:         {MinEvidence: 1, Preferred: 4, CitationFloor: 4},
			IntentComparison:      {MinEvidence: 4, Preferred: 10, CitationFloor: 10},
			IntentTroubleshooting: {MinEvidence: 3, Preferred: 7, CitationFloor: 7},
		},
		IntentKeywords: map[Intent][]string{
			IntentProcedure:       {"procedure", "process", "step", "how to", "method", "apply", "submit"},
			IntentRegulation:      {"regulation", "rule", "policy", "allowed", "prohibited", "limit", "standard"},
			IntentTechnical:       {"specification", "install", "configure", "version", "compatibility", "error"},
			IntentComparison:      {"versus", "compare", "difference", "better", "alternative", "pros", "cons"},
			IntentTroubleshooting: {"fix", "issue", "problem", "fail", "troubleshoot", "resolve", "workaround"},
			IntentGeneral:         {"what is", "overview", "explain", "introduction", "summary"},
		},

		MaxRefinementQueries: 5,
	}
}

// Rule returns the thresholds for an intent, defaulting to the general rule
// for unknown intents.
func (p Policy) Rule(intent Intent) IntentRule {
	if r, ok := p.IntentRules[intent]; ok {
		return r
	}
	if r, ok := p.IntentRules[IntentGeneral]; ok {
		return r
	}
	return IntentRule{MinEvidence: 1, Preferred: 4, CitationFloor: 4}
}

// StagePriority is the weight applied to results of a stage: the primary
// stage gets full weight, each later additional stage a little less.
func StagePriority(t StageType, sequence int) float64 {
	if t == StagePrimary {
		return 1.0
	}
	pr := 0.8 - 0.1*float64(sequence-1)
	if pr < 0.1 {
		pr = 0.1
	}
	return pr
}

// StageLimit caps how many results one stage may return.
func (p Policy) StageLimit(t StageType) int {
	if t == StagePrimary {
		return p.PrimaryLimit
	}
	return p.AdditionalLimit
}
