package engine

import (
	"sort"
	"strings"
)

// Merger collapses the raw union of stage outputs into one deduplicated,
// scored, ranked evidence set.
type Merger struct {
	policy Policy
}

func NewMerger(policy Policy) *Merger {
	return &Merger{policy: policy}
}

// Merge deduplicates and ranks raw evidence. Dedup keys, in precedence
// order: record id, source locator, then word-level Jaccard similarity over
// the leading text window. Records arriving with higher stage priority win
// duplicates against lower-priority ones.
func (m *Merger) Merge(raw []EvidenceRecord, analysis AnalysisResult) []EvidenceRecord {
	candidates := make([]EvidenceRecord, 0, len(raw))
	for i, r := range raw {
		if r.SourceLocator == "" && strings.TrimSpace(r.Text) == "" {
			continue // malformed, nothing to cite
		}
		r.Index = i
		candidates = append(candidates, r)
	}

	// Higher-authority stages are considered first so they keep duplicates.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].StagePriority > candidates[j].StagePriority
	})

	seenID := make(map[string]bool, len(candidates))
	seenLocator := make(map[string]bool, len(candidates))
	var acceptedSigs []map[string]struct{}
	accepted := make([]EvidenceRecord, 0, len(candidates))

	for _, c := range candidates {
		if c.ID != "" && seenID[c.ID] {
			continue
		}
		if c.SourceLocator != "" && seenLocator[c.SourceLocator] {
			continue
		}
		sig := wordSet(c.Text, m.policy.SimilarityWindow)
		dup := false
		for _, prev := range acceptedSigs {
			if jaccard(sig, prev) > m.policy.SimilarityThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		if c.ID != "" {
			seenID[c.ID] = true
		}
		if c.SourceLocator != "" {
			seenLocator[c.SourceLocator] = true
		}
		acceptedSigs = append(acceptedSigs, sig)
		accepted = append(accepted, c)
	}

	for i := range accepted {
		m.score(&accepted[i], analysis)
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		a, b := accepted[i], accepted[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if a.RawRelevance != b.RawRelevance {
			return a.RawRelevance > b.RawRelevance
		}
		return a.Index < b.Index
	})
	return accepted
}

// score accumulates intent bonuses onto the raw relevance. The final score
// may exceed 1.0; callers must not assume a hard ceiling.
func (m *Merger) score(rec *EvidenceRecord, analysis AnalysisResult) {
	text := strings.ToLower(rec.Text)
	bonus := 0.0
	for _, kw := range m.policy.IntentKeywords[analysis.PrimaryIntent] {
		if strings.Contains(text, strings.ToLower(kw)) {
			bonus += m.policy.KeywordBonus
		}
	}
	for _, ent := range analysis.KeyEntities {
		if ent == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(ent)) {
			bonus += m.policy.EntityBonus
		}
	}
	rec.IntentBonus = bonus
	rec.FinalScore = rec.RawRelevance + bonus
}

func wordSet(text string, window int) map[string]struct{} {
	if window > 0 && len(text) > window {
		text = text[:window]
	}
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
