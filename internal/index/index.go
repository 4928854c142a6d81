package index

import (
	"fmt"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/videomuse/internal/engine"
)

// ReportDoc is the searchable shape of a stored report.
type ReportDoc struct {
	TaskID      string    `json:"task_id"`
	Query       string    `json:"query"`
	Platform    string    `json:"platform"`
	Markdown    string    `json:"markdown"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Hit is one search result with its relevance score.
type Hit struct {
	Doc   ReportDoc `json:"doc"`
	Score float64   `json:"score"`
}

// ReportIndex is an in-memory full-text index over generated reports, so a
// report library can be searched without a separate search backend. It is
// rebuilt from the store at startup and updated as runs finish.
type ReportIndex struct {
	mu    sync.RWMutex
	bleve bleve.Index
	docs  map[string]ReportDoc
}

func NewReportIndex() (*ReportIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &ReportIndex{bleve: idx, docs: make(map[string]ReportDoc)}, nil
}

// Add indexes one report, replacing any previous version for the task.
func (ri *ReportIndex) Add(taskID string, r engine.Report) error {
	doc := ReportDoc{
		TaskID:      taskID,
		Query:       r.Query,
		Platform:    r.Platform,
		Markdown:    r.Markdown,
		GeneratedAt: r.GeneratedAt,
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.docs[taskID] = doc
	return ri.bleve.Index(taskID, doc)
}

// Search runs a full-text match over queries and report bodies, returning
// up to limit hits ordered by relevance.
func (ri *ReportIndex) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)

	ri.mu.RLock()
	defer ri.mu.RUnlock()
	res, err := ri.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		doc, ok := ri.docs[h.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Doc: doc, Score: h.Score})
	}
	return hits, nil
}

// Len reports how many documents the index holds.
func (ri *ReportIndex) Len() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.docs)
}
