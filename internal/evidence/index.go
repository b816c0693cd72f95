// Package evidence keeps a per-session BM25 index over gathered findings so
// the researcher and supervisor can judge whether collected material actually
// bears on the question being asked.
package evidence

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
)

// Finding is one indexed unit of gathered material.
type Finding struct {
	ID      string `json:"id"`
	StepID  string `json:"step_id"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Hit is a scored match against the index.
type Hit struct {
	ID      string
	StepID  string
	URL     string
	Snippet string
	Score   float64
	Rank    int
}

// Index is an in-memory BM25 index over a single session's findings.
type Index struct {
	bleve bleve.Index
	meta  map[string]Finding
	mu    sync.RWMutex
}

func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{bleve: idx, meta: make(map[string]Finding)}, nil
}

// Add indexes a finding. Re-adding the same ID overwrites the previous copy.
func (x *Index) Add(f Finding) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.meta[f.ID] = f
	return x.bleve.Index(f.ID, f)
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.meta)
}

// Search returns the top k BM25 hits for the query.
func (x *Index) Search(q string, k int) ([]Hit, error) {
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := x.bleve.Search(req)
	if err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		f := x.meta[hit.ID]
		out = append(out, Hit{
			ID: hit.ID, StepID: f.StepID, URL: f.URL,
			Snippet: snippet(f.Content),
			Score:   hit.Score, Rank: i + 1,
		})
	}
	return out, nil
}

// Relevant reports whether any indexed finding scores at or above the
// threshold for the query. An empty index is never relevant.
func (x *Index) Relevant(q string, threshold float64) (bool, error) {
	hits, err := x.Search(q, 1)
	if err != nil {
		return false, err
	}
	return len(hits) > 0 && hits[0].Score >= threshold, nil
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "…"
}

// Manager hands out one index per session. Indexes live only in memory, so
// a restarted process starts over with empty evidence.
type Manager struct {
	indexes map[string]*Index
	mu      sync.Mutex
}

func NewManager() *Manager {
	return &Manager{indexes: make(map[string]*Index)}
}

func (m *Manager) For(sessionID string) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.indexes[sessionID]; ok {
		return idx, nil
	}
	idx, err := NewIndex()
	if err != nil {
		return nil, fmt.Errorf("creating evidence index: %w", err)
	}
	m.indexes[sessionID] = idx
	return idx, nil
}

func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, sessionID)
}
