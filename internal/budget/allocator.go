// Package budget sizes the answer: how many evidence records fit the fixed
// output window, how many tokens the model may generate, and how the
// generated text is trimmed and its citation markers renumbered afterwards.
package budget

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/askbase/internal/engine"
)

// Limits are the token-budget tunables. Defaults reflect a 4k context
// window with a 3k generation ceiling.
type Limits struct {
	TotalBudget      int     `json:"total_budget"`
	OutputCeiling    int     `json:"output_ceiling"`
	TemplateOverhead int     `json:"template_overhead"`
	SafetyMargin     float64 `json:"safety_margin"`
	MinAnswerTokens  int     `json:"min_answer_tokens"`
	PreviewChars     int     `json:"preview_chars"`
	CitationCeiling  int     `json:"citation_ceiling"`
	TruncateRatio    float64 `json:"truncate_ratio"`
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		TotalBudget:      4000,
		OutputCeiling:    3000,
		TemplateOverhead: 500,
		SafetyMargin:     0.9,
		MinAnswerTokens:  1000,
		PreviewChars:     300,
		CitationCeiling:  20,
		TruncateRatio:    0.95,
	}
}

// Allocator implements engine.BudgetAllocator.
type Allocator struct {
	limits Limits
	logger *log.Logger
}

func NewAllocator(limits Limits, logger *log.Logger) *Allocator {
	if limits.TotalBudget == 0 {
		limits = DefaultLimits()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[BUDGET] ", log.LstdFlags)
	}
	return &Allocator{limits: limits, logger: logger}
}

// Allocate picks how many records ride along and how many tokens the model
// may spend on the answer. Selection is rank-order with a per-intent floor
// and a hard ceiling; the token math never returns less than
// MinAnswerTokens even when the input already overflows the budget.
func (a *Allocator) Allocate(query string, evidence []engine.EvidenceRecord, systemPrompt string, rule engine.IntentRule) ([]engine.EvidenceRecord, int) {
	ceiling := a.limits.CitationCeiling
	want := rule.CitationFloor
	if want < 1 {
		want = 1
	}
	if n := len(evidence); n < ceiling {
		ceiling = n
	}
	take := ceiling
	if want > take {
		take = want
	}
	if take > len(evidence) {
		take = len(evidence)
	}
	selected := make([]engine.EvidenceRecord, take)
	copy(selected, evidence[:take])
	for i := range selected {
		selected[i].Index = i + 1
	}

	input := EstimateTokens(query) + EstimateTokens(systemPrompt) + a.limits.TemplateOverhead
	for _, rec := range selected {
		input += EstimateTokens(preview(rec.Text, a.limits.PreviewChars))
	}

	avail := a.limits.TotalBudget - input
	if avail > a.limits.OutputCeiling {
		avail = a.limits.OutputCeiling
	}
	max := int(float64(avail) * a.limits.SafetyMargin)
	if max < a.limits.MinAnswerTokens {
		a.logger.Printf("input estimate %d leaves %d tokens, enforcing floor %d", input, avail, a.limits.MinAnswerTokens)
		max = a.limits.MinAnswerTokens
	}
	return selected, max
}

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// PostProcess trims an over-budget answer at sentence boundaries and
// renumbers its citation markers contiguously from 1 in order of first
// appearance. Evidence never referenced in the text is dropped from the
// returned list; markers that point at nothing are stripped.
func (a *Allocator) PostProcess(answer string, selected []engine.EvidenceRecord, maxAnswerTokens int) (string, []engine.EvidenceRecord) {
	text := answer
	if maxAnswerTokens > 0 && EstimateTokens(text) > maxAnswerTokens {
		text = truncateAtSentence(text, int(float64(maxAnswerTokens)*a.limits.TruncateRatio))
		text += "\n\n(Answer shortened to fit the response size limit.)"
	}

	// Map old marker numbers to new contiguous ones by first appearance.
	remap := make(map[int]int)
	order := make([]int, 0, len(selected))
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		old, err := strconv.Atoi(m[1])
		if err != nil || old < 1 || old > len(selected) {
			continue
		}
		if _, ok := remap[old]; !ok {
			remap[old] = len(order) + 1
			order = append(order, old)
		}
	}

	text = citationMarker.ReplaceAllStringFunc(text, func(marker string) string {
		old, _ := strconv.Atoi(strings.Trim(marker, "[]"))
		if n, ok := remap[old]; ok {
			return "[" + strconv.Itoa(n) + "]"
		}
		return ""
	})

	used := make([]engine.EvidenceRecord, 0, len(order))
	for _, old := range order {
		rec := selected[old-1]
		rec.Index = remap[old]
		used = append(used, rec)
	}
	sort.Slice(used, func(i, j int) bool { return used[i].Index < used[j].Index })
	return text, used
}

// truncateAtSentence cuts text to at most maxTokens, never mid-sentence.
// When even the first sentence overflows, it is kept whole.
func truncateAtSentence(text string, maxTokens int) string {
	sentences := splitSentences(text)
	var b strings.Builder
	total := 0
	for i, s := range sentences {
		n := EstimateTokens(s)
		if i > 0 && total+n > maxTokens {
			break
		}
		b.WriteString(s)
		total += n
	}
	return strings.TrimRight(b.String(), " \n")
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			// Include trailing spaces with the sentence.
			end := i + 1
			for end < len(runes) && runes[end] == ' ' {
				end++
			}
			out = append(out, string(runes[start:end]))
			start = end
		}
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

func preview(text string, limit int) string {
	if limit > 0 && len(text) > limit {
		return text[:limit]
	}
	return text
}

// EstimateTokens approximates token count without a real tokenizer. CJK
// scripts average fewer characters per token than Latin, so each script
// class gets its own divisor. Bounded below by half the word count so short
// space-separated text is never estimated at zero.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, latin, other int
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Hangul, unicode.Han, unicode.Hiragana, unicode.Katakana):
			cjk++
		case r < 128:
			latin++
		default:
			other++
		}
	}
	est := cjk/2 + latin/4 + other/3
	if floor := len(strings.Fields(text)) / 2; est < floor {
		est = floor
	}
	if est < 1 {
		est = 1
	}
	return est
}

// String implements fmt.Stringer for config dumps.
func (l Limits) String() string {
	return fmt.Sprintf("budget{total=%d ceiling=%d overhead=%d margin=%.2f floor=%d}",
		l.TotalBudget, l.OutputCeiling, l.TemplateOverhead, l.SafetyMargin, l.MinAnswerTokens)
}
