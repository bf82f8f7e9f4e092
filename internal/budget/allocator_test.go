package budget

import (
	"fmt"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/askbase/internal/engine"
)

func newTestAllocator() *Allocator {
	return NewAllocator(DefaultLimits(), nil)
}

func evidence(n int) []engine.EvidenceRecord {
	out := make([]engine.EvidenceRecord, n)
	for i := range out {
		out[i] = engine.EvidenceRecord{
			ID:            fmt.Sprintf("id-%d", i),
			SourceLocator: fmt.Sprintf("s3://docs/%d.pdf", i),
			Title:         fmt.Sprintf("doc-%d.pdf", i),
			Text:          strings.Repeat("evidence body text ", 20),
			FinalScore:    1.0 - float64(i)*0.01,
		}
	}
	return out
}

func TestAllocateCeiling(t *testing.T) {
	a := newTestAllocator()
	rule := engine.IntentRule{MinEvidence: 1, Preferred: 4, CitationFloor: 4}
	selected, _ := a.Allocate("q", evidence(35), "system", rule)
	if len(selected) != 20 {
		t.Fatalf("selection must respect ceiling 20, got %d", len(selected))
	}
	for i, rec := range selected {
		if rec.Index != i+1 {
			t.Fatalf("selected records must be renumbered from 1, got %d at %d", rec.Index, i)
		}
	}
}

func TestAllocateIntentFloor(t *testing.T) {
	a := newTestAllocator()
	rule := engine.IntentRule{MinEvidence: 4, Preferred: 10, CitationFloor: 10}
	selected, _ := a.Allocate("q", evidence(6), "system", rule)
	if len(selected) != 6 {
		t.Fatalf("floor cannot exceed available evidence, got %d", len(selected))
	}

	selected, _ = a.Allocate("q", evidence(30), "system", rule)
	if len(selected) != 20 {
		t.Fatalf("ceiling still binds above the floor, got %d", len(selected))
	}
}

func TestAllocateTokenFloor(t *testing.T) {
	a := newTestAllocator()
	rule := engine.IntentRule{CitationFloor: 20}
	huge := evidence(20)
	for i := range huge {
		huge[i].Text = strings.Repeat("very long evidence body ", 500)
	}
	_, maxTokens := a.Allocate(strings.Repeat("long query ", 400), huge, strings.Repeat("prompt ", 300), rule)
	if maxTokens < 1000 {
		t.Fatalf("answer budget fell below floor: %d", maxTokens)
	}
}

func TestAllocateCeilingOnSmallInput(t *testing.T) {
	a := newTestAllocator()
	_, maxTokens := a.Allocate("short", evidence(1), "sys", engine.IntentRule{CitationFloor: 1})
	limit := int(float64(DefaultLimits().OutputCeiling) * DefaultLimits().SafetyMargin)
	if maxTokens > limit {
		t.Fatalf("budget %d exceeds ceiling %d", maxTokens, limit)
	}
}

func TestPostProcessRenumbersCitations(t *testing.T) {
	a := newTestAllocator()
	selected := evidence(5)
	answer := "First point [3]. Second point [1]. Repeat of first [3]."
	text, used := a.PostProcess(answer, selected, 0)

	if !strings.Contains(text, "First point [1].") || !strings.Contains(text, "Second point [2].") || !strings.Contains(text, "Repeat of first [1].") {
		t.Fatalf("renumbering wrong: %q", text)
	}
	if len(used) != 2 {
		t.Fatalf("unreferenced evidence must be dropped, got %d citations", len(used))
	}
	if used[0].ID != "id-2" || used[1].ID != "id-0" {
		t.Fatalf("citation order must follow first appearance, got %s then %s", used[0].ID, used[1].ID)
	}
	if used[0].Index != 1 || used[1].Index != 2 {
		t.Fatalf("citation indexes not contiguous: %d, %d", used[0].Index, used[1].Index)
	}
}

func TestPostProcessStripsDanglingMarkers(t *testing.T) {
	a := newTestAllocator()
	selected := evidence(2)
	text, used := a.PostProcess("Valid [2] and dangling [9].", selected, 0)
	if strings.Contains(text, "[9]") {
		t.Fatalf("dangling marker survived: %q", text)
	}
	if !strings.Contains(text, "[1]") {
		t.Fatalf("valid marker lost: %q", text)
	}
	if len(used) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(used))
	}
}

func TestPostProcessTruncatesAtSentences(t *testing.T) {
	a := newTestAllocator()
	var b strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "Sentence number %d carries plenty of words to inflate the token estimate. ", i)
	}
	text, _ := a.PostProcess(b.String(), nil, 100)

	if EstimateTokens(text) > 150 {
		t.Fatalf("truncated text still too large: %d tokens", EstimateTokens(text))
	}
	if !strings.Contains(text, "(Answer shortened") {
		t.Fatalf("truncation notice missing")
	}
	core := text[:strings.Index(text, "\n\n(Answer shortened")]
	if !strings.HasSuffix(strings.TrimSpace(core), ".") {
		t.Fatalf("truncation cut mid-sentence: %q", core[len(core)-40:])
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	prev := 0
	text := ""
	for i := 0; i < 50; i++ {
		text += "additional words here "
		est := EstimateTokens(text)
		if est < prev {
			t.Fatalf("estimate decreased from %d to %d at length %d", prev, est, len(text))
		}
		prev = est
	}
}

func TestEstimateTokensScriptAware(t *testing.T) {
	korean := strings.Repeat("건설안전", 25) // 100 Hangul chars
	latin := strings.Repeat("a", 100)
	if EstimateTokens(korean) <= EstimateTokens(latin) {
		t.Fatalf("hangul at %d tokens should exceed latin at %d for equal rune counts",
			EstimateTokens(korean), EstimateTokens(latin))
	}
	if EstimateTokens("") != 0 {
		t.Fatalf("empty string must be zero tokens")
	}
	if EstimateTokens("a b") < 1 {
		t.Fatalf("short text must estimate at least one token")
	}
}
