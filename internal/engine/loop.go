package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/videomuse/internal/llm"
)

const (
	defaultMaxSteps    = 40
	defaultLoopTimeout = 900 * time.Second
)

// Loop is the model-driven execution driver. The model chooses the next
// research move each step; the loop executes it and feeds the observation
// back. Whatever the model does, the closing phases guarantee the target is
// chased (backfill) and an artifact exists (force report).
type Loop struct {
	Ops      *Operations
	MaxSteps int
	Timeout  time.Duration

	// now is swapped out in tests.
	now func() time.Time
}

func NewLoop(ops *Operations) *Loop {
	return &Loop{
		Ops:      ops,
		MaxSteps: defaultMaxSteps,
		Timeout:  defaultLoopTimeout,
		now:      time.Now,
	}
}

// step is one parsed model decision.
type step struct {
	Thought string
	Action  string
	Input   string
}

// parseStep extracts the Thought/Action/Action Input fields from model
// output. Missing fields come back empty; the caller decides what a usable
// step looks like.
func parseStep(text string) step {
	var st step
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Thought:"):
			st.Thought = strings.TrimSpace(strings.TrimPrefix(trimmed, "Thought:"))
		case strings.HasPrefix(trimmed, "Action:"):
			st.Action = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "Action:")))
		case strings.HasPrefix(trimmed, "Action Input:"):
			st.Input = strings.TrimSpace(strings.TrimPrefix(trimmed, "Action Input:"))
		}
	}
	return st
}

// Run drives the loop to completion: model steps, then backfill, then the
// report guarantee. The returned error is only ever cancellation or the
// no-usable-content verdict; model misbehavior is absorbed.
func (l *Loop) Run(ctx context.Context, rc *RunContext) error {
	deadline := l.now().Add(l.Timeout)
	msgs := []llm.Message{
		{Role: "system", Content: agentSystemPrompt(rc.Query, rc.Platform, rc.TargetCount)},
		{Role: "user", Content: "Begin your research."},
	}

	reportedAt := -1 // summary count at the moment the report was generated
	for stepNo := 1; stepNo <= l.MaxSteps; stepNo++ {
		if err := rc.CheckCancelled(); err != nil {
			return err
		}
		if l.now().After(deadline) {
			l.Ops.Logger.Printf("loop wall clock exhausted after %d steps", stepNo-1)
			rc.AddEvent(Event{Type: EventError, Content: "time budget exhausted, wrapping up"})
			break
		}

		reply, err := l.Ops.LLM.Chat(ctx, msgs, llm.Options{Temperature: 0.2})
		if err != nil {
			l.Ops.Logger.Printf("model step %d failed: %v", stepNo, err)
			rc.AddEvent(Event{Type: EventError, Content: fmt.Sprintf("model step failed: %v", err)})
			break
		}
		msgs = append(msgs, llm.Message{Role: "assistant", Content: reply})

		st := parseStep(reply)
		if st.Thought != "" {
			rc.AddEvent(Event{Type: EventThinking, Content: st.Thought})
		}

		obs, done := l.execute(ctx, rc, st)
		if cErr := rc.CheckCancelled(); cErr != nil {
			return cErr
		}
		rc.AddEvent(Event{Type: EventResult, ResultPreview: preview(obs, 200)})
		if done {
			reportedAt = rc.SummaryCount()
			break
		}
		msgs = append(msgs, llm.Message{Role: "user", Content: "Observation: " + obs})
		l.updateProgress(rc)
	}

	if err := l.backfill(ctx, rc); err != nil {
		return err
	}
	return l.forceReport(ctx, rc, reportedAt)
}

// execute runs one parsed step and returns the observation text plus
// whether the report action completed the loop.
func (l *Loop) execute(ctx context.Context, rc *RunContext, st step) (string, bool) {
	rc.AddEvent(Event{Type: EventAction, Action: st.Action, Args: map[string]string{"input": st.Input}})

	switch st.Action {
	case "search":
		query := st.Input
		if query == "" {
			query = rc.Query
		}
		added, err := l.Ops.Search(ctx, rc, query)
		if err != nil {
			return fmt.Sprintf("Search failed: %v", err), false
		}
		return fmt.Sprintf("Found %d new videos (%d total). %s", added, len(rc.Items()), describeItems(rc)), false

	case "extract":
		if st.Input == "" {
			return "extract needs a video id as Action Input.", false
		}
		ok, err := l.Ops.ExtractOne(ctx, rc, st.Input)
		if err != nil {
			return fmt.Sprintf("Extraction failed for %s: %v", st.Input, err), false
		}
		if !ok {
			return fmt.Sprintf("Video %s has no transcript available. Pick another video.", st.Input), false
		}
		item, _ := rc.Item(st.Input)
		return fmt.Sprintf("Transcript extracted for %s (%d chars, via %s).", st.Input, len(item.Transcript), item.Method), false

	case "summarize":
		if st.Input == "" {
			return "summarize needs a video id as Action Input.", false
		}
		if err := l.Ops.SummarizeOne(ctx, rc, st.Input); err != nil {
			return fmt.Sprintf("Summary failed for %s: %v", st.Input, err), false
		}
		return fmt.Sprintf("Summary ready for %s. You now have %d of %d target summaries.", st.Input, rc.SummaryCount(), rc.TargetCount), false

	case "report":
		report, err := l.Ops.GenerateReport(ctx, rc)
		if err != nil {
			return fmt.Sprintf("Report generation failed: %v. Summarize more videos first.", err), false
		}
		return fmt.Sprintf("Report generated from %d summaries.", report.ItemCount), true

	case "":
		return "Could not parse an action from your reply. Use the Thought/Action/Action Input format.", false

	default:
		return fmt.Sprintf("Unknown action %q. Available actions: search, extract, summarize, report.", st.Action), false
	}
}

func describeItems(rc *RunContext) string {
	items := rc.Items()
	var b strings.Builder
	b.WriteString("Candidates:")
	for _, item := range items {
		marker := ""
		if item.Transcript != "" {
			marker = " [transcribed]"
		}
		if item.Summary != "" {
			marker = " [summarized]"
		}
		fmt.Fprintf(&b, "\n- %s: %s by %s (%ds)%s", item.ID, item.Title, item.Author, item.Duration, marker)
	}
	return b.String()
}

// updateProgress maps loop state onto the coarse progress scale: discovery
// 10, extraction 15-50, summarization 50-80, report 90, done 100.
func (l *Loop) updateProgress(rc *RunContext) {
	target := rc.TargetCount
	if target < 1 {
		target = 1
	}
	switch {
	case rc.SummaryCount() > 0:
		frac := float64(rc.SummaryCount()) / float64(target)
		if frac > 1 {
			frac = 1
		}
		rc.SetProgress(50 + 30*frac)
	case rc.TranscribedCount() > 0:
		frac := float64(rc.TranscribedCount()) / float64(target)
		if frac > 1 {
			frac = 1
		}
		rc.SetProgress(15 + 35*frac)
	case len(rc.Items()) > 0:
		rc.SetProgress(10)
	}
}

// backfill deterministically closes the gap between what the model achieved
// and the target: summarize already-transcribed items first, then extract
// and summarize remaining candidates with the same pacing the pipeline uses.
// Backfill failures are skipped exactly like pipeline item failures.
func (l *Loop) backfill(ctx context.Context, rc *RunContext) error {
	gap := rc.TargetCount - rc.SummaryCount()
	if gap <= 0 {
		return nil
	}
	l.Ops.Logger.Printf("backfill: %d summaries short of target %d", gap, rc.TargetCount)
	rc.AddEvent(Event{Type: EventAction, Action: "backfill", Args: map[string]string{"gap": fmt.Sprintf("%d", gap)}})

	for _, item := range rc.Items() {
		if rc.SummaryCount() >= rc.TargetCount {
			break
		}
		if err := rc.CheckCancelled(); err != nil {
			return err
		}
		if item.Summary != "" {
			continue
		}

		if item.Transcript == "" {
			if err := l.Ops.sleep(ctx, l.Ops.ExtractDelay); err != nil {
				return ErrCancelled
			}
			ok, err := l.Ops.ExtractOne(ctx, rc, item.ID)
			if err != nil || !ok {
				if err != nil {
					rc.AddEvent(Event{Type: EventError, Content: fmt.Sprintf("extract failed for %s: %v", item.ID, err)})
				}
				continue
			}
		}
		if err := l.Ops.SummarizeOne(ctx, rc, item.ID); err != nil {
			l.Ops.Logger.Printf("backfill summary failed for %s: %v", item.ID, err)
			rc.AddEvent(Event{Type: EventError, Content: fmt.Sprintf("summary failed for %s: %v", item.ID, err)})
			continue
		}
		rc.AddEvent(Event{Type: EventResult, Content: fmt.Sprintf("backfilled summary for %s", item.ID)})
	}
	return nil
}

// forceReport guarantees a report artifact exists when the loop returns.
// The report is regenerated when backfill added summaries after the model's
// own report, and a minimal failure report stands in when there is nothing
// to consolidate.
func (l *Loop) forceReport(ctx context.Context, rc *RunContext, reportedAt int) error {
	if err := rc.CheckCancelled(); err != nil {
		return err
	}
	summaries := rc.SummaryCount()

	if _, ok := rc.Report(); ok && summaries == reportedAt {
		rc.SetProgress(100)
		rc.AddEvent(Event{Type: EventComplete, Content: "research complete"})
		return nil
	}

	if summaries == 0 {
		rc.SetReport(minimalFailureReport(rc))
		rc.SetProgress(100)
		rc.AddEvent(Event{Type: EventComplete, Content: "research ended without usable content"})
		return ErrNoUsableContent
	}

	rc.SetProgress(90)
	if _, err := l.Ops.GenerateReport(ctx, rc); err != nil {
		// Keep whatever artifact exists rather than losing the run.
		if _, ok := rc.Report(); !ok {
			rc.SetReport(minimalFailureReport(rc))
		}
		l.Ops.Logger.Printf("final report generation failed: %v", err)
	}
	rc.SetProgress(100)
	rc.AddEvent(Event{Type: EventComplete, Content: "research complete"})
	return nil
}

func minimalFailureReport(rc *RunContext) Report {
	md := fmt.Sprintf("# Research Report: %s\n\nNo usable content could be gathered for this topic on %s. "+
		"%d candidate videos were found, but no transcript yielded a summary.\n",
		rc.Query, rc.Platform, len(rc.Items()))
	return Report{
		Query:       rc.Query,
		Platform:    rc.Platform,
		ItemCount:   0,
		Markdown:    md,
		GeneratedAt: time.Now().UTC(),
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
