package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/videomuse/internal/llm"
	"github.com/mohammad-safakhou/videomuse/internal/platform"
)

// Operations are the primitive research moves shared by both execution
// drivers. The stage pipeline sequences them in fixed order; the autonomous
// loop lets the model sequence them. Either way the semantics per move are
// identical.
type Operations struct {
	Adapter platform.Adapter
	LLM     llm.Provider
	Logger  *log.Logger

	// ExtractDelay spaces consecutive transcript fetches.
	ExtractDelay time.Duration
	// SummarizeWorkers caps concurrent summary calls.
	SummarizeWorkers int

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration) error
}

func NewOperations(adapter platform.Adapter, provider llm.Provider, logger *log.Logger) *Operations {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	return &Operations{
		Adapter:          adapter,
		LLM:              provider,
		Logger:           logger,
		ExtractDelay:     1500 * time.Millisecond,
		SummarizeWorkers: 3,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// overfetchLimit is how many candidates Search requests for a given target:
// twice the target to absorb videos without transcripts, capped at the
// platform page ceiling.
func overfetchLimit(target int) int {
	n := target * 2
	if n > 50 {
		n = 50
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Search discovers candidates and merges them into the run, returning how
// many were newly added.
func (o *Operations) Search(ctx context.Context, rc *RunContext, query string) (int, error) {
	videos, err := o.Adapter.Search(ctx, query, overfetchLimit(rc.TargetCount))
	if err != nil {
		return 0, fmt.Errorf("search %q: %w", query, err)
	}
	items := make([]ContentItem, 0, len(videos))
	for _, v := range videos {
		items = append(items, itemFromVideo(v))
	}
	added := rc.AddItems(items)
	o.Logger.Printf("search %q: %d results, %d new", query, len(videos), added)
	return added, nil
}

// ExtractOne fetches the transcript for one item and records it. A platform
// that simply has no transcript yields ok=false with a nil error.
func (o *Operations) ExtractOne(ctx context.Context, rc *RunContext, itemID string) (bool, error) {
	tr, err := o.Adapter.GetTranscript(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("extract %s: %w", itemID, err)
	}
	if tr.Text == "" {
		o.Logger.Printf("no transcript for %s", itemID)
		return false, nil
	}
	rc.SetTranscript(itemID, tr.Text, tr.Method)
	o.Logger.Printf("extracted %d chars for %s via %s", len(tr.Text), itemID, tr.Method)
	return true, nil
}

// SummarizeOne produces and records a focused summary for one transcribed
// item.
func (o *Operations) SummarizeOne(ctx context.Context, rc *RunContext, itemID string) error {
	item, ok := rc.Item(itemID)
	if !ok {
		return fmt.Errorf("summarize %s: unknown item", itemID)
	}
	if item.Transcript == "" {
		return fmt.Errorf("summarize %s: no transcript", itemID)
	}
	text, err := o.LLM.Chat(ctx, []llm.Message{
		{Role: "system", Content: summarySystem},
		{Role: "user", Content: summaryPrompt(rc.Query, item)},
	}, llm.Options{Temperature: 0.3})
	if err != nil {
		return fmt.Errorf("summarize %s: %w", itemID, err)
	}
	rc.SetSummary(itemID, text)
	return nil
}

// SummarizeAll fans SummarizeOne over all transcribed-but-unsummarized items
// with bounded concurrency. Individual failures are isolated; only a run
// with zero summaries overall is a failure for the caller to decide.
func (o *Operations) SummarizeAll(ctx context.Context, rc *RunContext) (succeeded, failed int) {
	var pending []string
	for _, item := range rc.Items() {
		if item.Transcript != "" && item.Summary == "" {
			pending = append(pending, item.ID)
		}
	}
	_, nfailed := ForEach(ctx, o.SummarizeWorkers, pending, func(ctx context.Context, i int, id string) error {
		if err := o.SummarizeOne(ctx, rc, id); err != nil {
			o.Logger.Printf("summary failed for %s: %v", id, err)
			rc.AddEvent(Event{Type: EventError, Content: fmt.Sprintf("summary failed for %s: %v", id, err)})
			return err
		}
		return nil
	})
	return len(pending) - nfailed, nfailed
}

// GenerateReport consolidates all summaries into the final markdown report
// and stores it on the run. It refuses to run with zero summaries.
func (o *Operations) GenerateReport(ctx context.Context, rc *RunContext) (Report, error) {
	items := rc.Summarized()
	if len(items) == 0 {
		return Report{}, fmt.Errorf("generate report: no summaries available")
	}
	markdown, err := o.LLM.Chat(ctx, []llm.Message{
		{Role: "system", Content: reportSystem},
		{Role: "user", Content: reportPrompt(rc.Query, items)},
	}, llm.Options{Temperature: 0.4})
	if err != nil {
		return Report{}, fmt.Errorf("generate report: %w", err)
	}

	report := Report{
		Query:       rc.Query,
		Platform:    rc.Platform,
		ItemCount:   len(items),
		Items:       items,
		Markdown:    markdown + provenanceFooter(items),
		GeneratedAt: time.Now().UTC(),
	}
	rc.SetReport(report)
	o.Logger.Printf("report generated from %d summaries (%d chars)", len(items), len(report.Markdown))
	return report, nil
}

// provenanceFooter appends the source list so a report always names where
// its content came from.
func provenanceFooter(items []ContentItem) string {
	var b []byte
	b = append(b, "\n\n---\n\n## Sources\n\n"...)
	for i, item := range items {
		method := item.Method
		if method == "" {
			method = "subtitle"
		}
		b = append(b, fmt.Sprintf("%d. [%s](%s) by %s (transcript via %s)\n", i+1, item.Title, item.URL, item.Author, method)...)
	}
	return string(b)
}
