package index

import (
	"testing"
	"time"

	"github.com/mohammad-safakhou/videomuse/internal/engine"
)

func TestReportIndexSearch(t *testing.T) {
	idx, err := NewReportIndex()
	if err != nil {
		t.Fatalf("NewReportIndex: %v", err)
	}
	now := time.Now().UTC()
	reports := map[string]engine.Report{
		"t1": {Query: "go concurrency patterns", Platform: "bilibili", Markdown: "channels and goroutines explained", GeneratedAt: now},
		"t2": {Query: "sourdough baking", Platform: "bilibili", Markdown: "hydration and fermentation timing", GeneratedAt: now},
	}
	for id, r := range reports {
		if err := idx.Add(id, r); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	if idx.Len() != 2 {
		t.Fatalf("len: got %d", idx.Len())
	}

	hits, err := idx.Search("goroutines", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Doc.TaskID != "t1" {
		t.Fatalf("hits: got %+v", hits)
	}
}

func TestReportIndexReplacesDoc(t *testing.T) {
	idx, err := NewReportIndex()
	if err != nil {
		t.Fatalf("NewReportIndex: %v", err)
	}
	r := engine.Report{Query: "q", Platform: "bilibili", Markdown: "first version", GeneratedAt: time.Now().UTC()}
	if err := idx.Add("t1", r); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.Markdown = "second version rewritten"
	if err := idx.Add("t1", r); err != nil {
		t.Fatalf("Add (replace): %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("len after replace: got %d", idx.Len())
	}
	hits, err := idx.Search("rewritten", 10)
	if err != nil || len(hits) != 1 {
		t.Fatalf("search after replace: %v %+v", err, hits)
	}
}
