// Package index is the local document index behind the retrieval-backend
// interface. Documents are chunked on write; queries run BM25, fuzzy term
// matching, or a reciprocal-rank fusion of both.
package index

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/search/query"

	"github.com/mohammad-safakhou/askbase/internal/engine"
)

// rrfK dampens rank differences when fusing result lists.
const rrfK = 60

// Document is one source document handed to the index for chunking.
type Document struct {
	SourceLocator string
	Title         string
	Content       string
	Page          *int
}

// chunkDoc is the unit actually stored in bleve.
type chunkDoc struct {
	Locator string `json:"locator"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	Page    int    `json:"page"`
	Seq     int    `json:"seq"`
}

// Index wraps a persistent bleve index. Safe for concurrent use; bleve
// serialises writes internally, the mutex only guards open/close state.
type Index struct {
	mu           sync.RWMutex
	idx          bleve.Index
	chunkChars   int
	chunkOverlap int
	logger       *log.Logger
}

// Open opens the index at path, creating it when absent.
func Open(path string, chunkChars, chunkOverlap int, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	}
	if chunkChars <= 0 {
		chunkChars = 4000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkChars {
		chunkOverlap = 200
	}

	var idx bleve.Index
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	} else {
		idx, err = bleve.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open index at %s: %w", path, err)
	}
	return &Index{idx: idx, chunkChars: chunkChars, chunkOverlap: chunkOverlap, logger: logger}, nil
}

// OpenMemory builds an in-memory index, used by tests and the CLI ask
// command when no data directory is configured.
func OpenMemory(chunkChars, chunkOverlap int, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	}
	if chunkChars <= 0 {
		chunkChars = 4000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkChars {
		chunkOverlap = 200
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx, chunkChars: chunkChars, chunkOverlap: chunkOverlap, logger: logger}, nil
}

func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Close()
}

// IndexDocument chunks and stores one document. Re-indexing the same
// locator overwrites its previous chunks with matching sequence numbers.
func (x *Index) IndexDocument(doc Document) (int, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return 0, fmt.Errorf("document %s has no content", doc.SourceLocator)
	}
	title := doc.Title
	if title == "" {
		title = engine.TitleFromLocator(doc.SourceLocator)
	}

	chunks := makeChunks(doc.Content, x.chunkChars, x.chunkOverlap)
	batch := x.idx.NewBatch()
	for i, text := range chunks {
		page := 0
		if doc.Page != nil {
			page = *doc.Page
		}
		id := fmt.Sprintf("%s#%d", doc.SourceLocator, i)
		if err := batch.Index(id, chunkDoc{
			Locator: doc.SourceLocator,
			Title:   title,
			Text:    text,
			Page:    page,
			Seq:     i,
		}); err != nil {
			return 0, fmt.Errorf("batch chunk %s: %w", id, err)
		}
	}
	if err := x.idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("index %s: %w", doc.SourceLocator, err)
	}
	x.logger.Printf("indexed %s: %d chunks", doc.SourceLocator, len(chunks))
	return len(chunks), nil
}

// DocCount reports the number of stored chunks.
func (x *Index) DocCount() (uint64, error) {
	return x.idx.DocCount()
}

// Search implements engine.RetrievalBackend.
func (x *Index) Search(ctx context.Context, q string, maxResults int, mode engine.SearchMode) ([]engine.RawResult, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	switch mode {
	case engine.ModeLexical:
		return x.run(ctx, bleve.NewQueryStringQuery(q), maxResults)
	case engine.ModeSemantic:
		return x.run(ctx, fuzzyQuery(q), maxResults)
	default: // hybrid
		lex, err := x.run(ctx, bleve.NewQueryStringQuery(q), maxResults)
		if err != nil {
			return nil, err
		}
		fz, err := x.run(ctx, fuzzyQuery(q), maxResults)
		if err != nil {
			return nil, err
		}
		return fuseRRF(lex, fz, maxResults), nil
	}
}

func fuzzyQuery(q string) query.Query {
	mq := bleve.NewMatchQuery(q)
	mq.SetFuzziness(1)
	return mq
}

func (x *Index) run(ctx context.Context, q query.Query, k int) ([]engine.RawResult, error) {
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = []string{"locator", "title", "text", "page"}
	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	maxScore := res.MaxScore
	out := make([]engine.RawResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		score := hit.Score
		if maxScore > 0 {
			score = hit.Score / maxScore
		}
		raw := engine.RawResult{
			Score:         score,
			SourceLocator: stringField(hit.Fields, "locator"),
			Title:         stringField(hit.Fields, "title"),
			Text:          stringField(hit.Fields, "text"),
			Metadata:      map[string]interface{}{"chunk_id": hit.ID},
		}
		if p, ok := hit.Fields["page"].(float64); ok && p > 0 {
			page := int(p)
			raw.Page = &page
		}
		out = append(out, raw)
	}
	return out, nil
}

// fuseRRF merges two ranked lists by reciprocal rank, keyed on chunk id.
func fuseRRF(a, b []engine.RawResult, k int) []engine.RawResult {
	type fused struct {
		id    string
		res   engine.RawResult
		score float64
	}
	byID := make(map[string]*fused)
	add := func(list []engine.RawResult) {
		for rank, r := range list {
			id, _ := r.Metadata["chunk_id"].(string)
			if id == "" {
				id = r.SourceLocator + r.Text[:min(len(r.Text), 40)]
			}
			f, ok := byID[id]
			if !ok {
				f = &fused{id: id, res: r}
				byID[id] = f
			}
			f.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	add(a)
	add(b)

	all := make([]*fused, 0, len(byID))
	var maxScore float64
	for _, f := range byID {
		if f.score > maxScore {
			maxScore = f.score
		}
		all = append(all, f)
	}
	// Chunk id breaks score ties so output order never depends on map
	// iteration order.
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})

	if len(all) > k {
		all = all[:k]
	}
	out := make([]engine.RawResult, len(all))
	for i, f := range all {
		r := f.res
		if maxScore > 0 {
			r.Score = f.score / maxScore
		}
		out[i] = r
	}
	return out
}

func makeChunks(s string, approx, overlap int) []string {
	s = strings.TrimSpace(s)
	if len(s) <= approx {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(s); {
		end := start + approx
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[start:end])
		if end == len(s) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return out
}

func stringField(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	return s
}
