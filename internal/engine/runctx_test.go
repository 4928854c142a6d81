package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
)

func TestRunContextDedupesItems(t *testing.T) {
	rc := NewRunContext(testTask(3, ModePipeline), nil, nil, nil)
	added := rc.AddItems([]ContentItem{
		{ID: "a", Title: "first"},
		{ID: "b", Title: "second"},
		{ID: "a", Title: "duplicate with different title"},
	})
	if added != 2 {
		t.Fatalf("added: got %d, want 2", added)
	}
	items := rc.Items()
	if len(items) != 2 || items[0].Title != "first" || items[1].ID != "b" {
		t.Fatalf("first-seen metadata and order must win: %+v", items)
	}
}

func TestRunContextProgressClampAndMonotonicity(t *testing.T) {
	rec := &progressRecorder{}
	rc := NewRunContext(testTask(3, ModePipeline), rec, nil, nil)
	rc.SetProgress(40)
	rc.SetProgress(30)  // regression, dropped
	rc.SetProgress(40)  // repeat, dropped
	rc.SetProgress(150) // clamped
	want := []float64{40, 100}
	if len(rec.pcts) != len(want) || rec.pcts[0] != 40 || rec.pcts[1] != 100 {
		t.Fatalf("progress sequence: got %v, want %v", rec.pcts, want)
	}
}

func TestRunContextCancel(t *testing.T) {
	rc := NewRunContext(testTask(1, ModePipeline), nil, nil, nil)
	if err := rc.CheckCancelled(); err != nil {
		t.Fatalf("fresh context should not be cancelled: %v", err)
	}
	rc.Cancel()
	if err := rc.CheckCancelled(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestForEachBoundsConcurrency(t *testing.T) {
	var current, peak int32
	items := make([]int, 20)
	_, failed := ForEach(context.Background(), 3, items, func(ctx context.Context, i int, _ int) error {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&current, -1)
		if i%4 == 0 {
			return fmt.Errorf("boom %d", i)
		}
		return nil
	})
	if failed != 5 {
		t.Fatalf("failed count: got %d, want 5", failed)
	}
	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Fatalf("concurrency exceeded the cap: peak %d", p)
	}
}

func TestForEachErrorsAreIndexStable(t *testing.T) {
	items := []string{"a", "b", "c"}
	errs, failed := ForEach(context.Background(), 2, items, func(ctx context.Context, i int, s string) error {
		if s == "b" {
			return fmt.Errorf("bad item %s", s)
		}
		return nil
	})
	if failed != 1 {
		t.Fatalf("failed: got %d", failed)
	}
	if errs[0] != nil || errs[1] == nil || errs[2] != nil {
		t.Fatalf("errors not index-stable: %v", errs)
	}
}
