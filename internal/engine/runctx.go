package engine

import (
	"sync"
	"time"
)

// RunContext is the shared state of one task run. Both execution drivers
// mutate it through the same methods, so dedup, cancellation, and progress
// monotonicity hold regardless of which driver is in charge.
type RunContext struct {
	TaskID      string
	Query       string
	Platform    string
	TargetCount int

	progress   ProgressSink
	events     EventSink
	checkpoint CheckpointSink

	mu        sync.Mutex
	order     []string
	items     map[string]*ContentItem
	report    *Report
	lastPct   float64
	cancelled bool
}

// NewRunContext builds run state with optional sinks; nil sinks become no-ops.
func NewRunContext(task Task, progress ProgressSink, events EventSink, checkpoint CheckpointSink) *RunContext {
	if progress == nil {
		progress = nopProgress{}
	}
	if events == nil {
		events = nopEvents{}
	}
	if checkpoint == nil {
		checkpoint = nopCheckpoint{}
	}
	return &RunContext{
		TaskID:      task.ID,
		Query:       task.Query,
		Platform:    task.Platform,
		TargetCount: task.TargetCount,
		progress:    progress,
		events:      events,
		checkpoint:  checkpoint,
		items:       make(map[string]*ContentItem),
	}
}

// AddItems merges discovered items, keeping first-seen metadata for
// duplicates and preserving discovery order. It returns how many were new.
func (rc *RunContext) AddItems(items []ContentItem) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	added := 0
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, ok := rc.items[item.ID]; ok {
			continue
		}
		copied := item
		rc.items[item.ID] = &copied
		rc.order = append(rc.order, item.ID)
		added++
	}
	return added
}

// Items returns the items in discovery order.
func (rc *RunContext) Items() []ContentItem {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]ContentItem, 0, len(rc.order))
	for _, id := range rc.order {
		out = append(out, *rc.items[id])
	}
	return out
}

// Item returns a snapshot of one item.
func (rc *RunContext) Item(id string) (ContentItem, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	item, ok := rc.items[id]
	if !ok {
		return ContentItem{}, false
	}
	return *item, true
}

// Candidates returns items that have no transcript yet, in discovery order.
func (rc *RunContext) Candidates() []ContentItem {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var out []ContentItem
	for _, id := range rc.order {
		if rc.items[id].Transcript == "" {
			out = append(out, *rc.items[id])
		}
	}
	return out
}

// SetTranscript records an extracted transcript and its provenance.
func (rc *RunContext) SetTranscript(id, text, method string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if item, ok := rc.items[id]; ok {
		item.Transcript = text
		item.Method = method
	}
}

// SetSummary records a per-item summary.
func (rc *RunContext) SetSummary(id, summary string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if item, ok := rc.items[id]; ok {
		item.Summary = summary
	}
}

// TranscribedCount counts items holding a non-empty transcript.
func (rc *RunContext) TranscribedCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	n := 0
	for _, item := range rc.items {
		if item.Transcript != "" {
			n++
		}
	}
	return n
}

// SummaryCount counts items holding a non-empty summary.
func (rc *RunContext) SummaryCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	n := 0
	for _, item := range rc.items {
		if item.Summary != "" {
			n++
		}
	}
	return n
}

// Summarized returns items holding a summary, in discovery order.
func (rc *RunContext) Summarized() []ContentItem {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var out []ContentItem
	for _, id := range rc.order {
		if rc.items[id].Summary != "" {
			out = append(out, *rc.items[id])
		}
	}
	return out
}

// SetReport stores the final artifact.
func (rc *RunContext) SetReport(r Report) {
	rc.mu.Lock()
	rc.report = &r
	rc.mu.Unlock()
}

// Report returns the stored artifact, if any.
func (rc *RunContext) Report() (Report, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.report == nil {
		return Report{}, false
	}
	return *rc.report, true
}

// Cancel flags the run. Drivers observe the flag at their next safe point.
func (rc *RunContext) Cancel() {
	rc.mu.Lock()
	rc.cancelled = true
	rc.mu.Unlock()
}

// CheckCancelled returns ErrCancelled once Cancel has been called.
func (rc *RunContext) CheckCancelled() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.cancelled {
		return ErrCancelled
	}
	return nil
}

// SetProgress forwards a progress update, clamped to [0,100] and never
// allowed to move backwards.
func (rc *RunContext) SetProgress(pct float64) {
	rc.mu.Lock()
	if pct > 100 {
		pct = 100
	}
	if pct <= rc.lastPct {
		rc.mu.Unlock()
		return
	}
	rc.lastPct = pct
	rc.mu.Unlock()
	rc.progress.OnProgress(rc.TaskID, pct)
}

// AddEvent stamps and forwards a run event.
func (rc *RunContext) AddEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	rc.events.OnEvent(rc.TaskID, ev)
}

// StageComplete forwards a checkpoint with a snapshot of current items.
func (rc *RunContext) StageComplete(stage string) {
	rc.checkpoint.OnStageComplete(rc.TaskID, stage, ResumeState{Items: rc.Items()})
}

// Restore seeds the run state from a checkpoint snapshot.
func (rc *RunContext) Restore(state ResumeState) {
	rc.AddItems(state.Items)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, item := range state.Items {
		if existing, ok := rc.items[item.ID]; ok {
			existing.Transcript = item.Transcript
			existing.Method = item.Method
			existing.Summary = item.Summary
		}
	}
}
