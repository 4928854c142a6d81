package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func transcriptsFor(videos int) map[string]string {
	out := make(map[string]string, videos)
	for i := 1; i <= videos; i++ {
		out[fmt.Sprintf("BV%03d", i)] = fmt.Sprintf("transcript of video %d", i)
	}
	return out
}

func TestPipelineHappyPath(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(6), transcripts: transcriptsFor(6)}
	provider := &fakeProvider{}
	cps := &checkpointRecorder{}
	rc := NewRunContext(testTask(3, ModePipeline), nil, nil, cps)

	if err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, ""); err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	report, ok := rc.Report()
	if !ok {
		t.Fatalf("no report stored")
	}
	if report.ItemCount != 3 {
		t.Fatalf("report items: got %d, want 3", report.ItemCount)
	}
	if !strings.Contains(report.Markdown, "## Sources") {
		t.Fatalf("report missing provenance footer:\n%s", report.Markdown)
	}
	wantStages := []string{StageSearch, StageExtract, StageSummarize, StageReport}
	if len(cps.stages) != len(wantStages) {
		t.Fatalf("checkpoints: got %v", cps.stages)
	}
	for i, s := range wantStages {
		if cps.stages[i] != s {
			t.Fatalf("checkpoint order: got %v", cps.stages)
		}
	}
}

func TestPipelineExtractStopsAtTarget(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(10), transcripts: transcriptsFor(10)}
	provider := &fakeProvider{}
	rc := NewRunContext(testTask(3, ModePipeline), nil, nil, nil)

	if err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, ""); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if calls := adapter.extracted(); len(calls) != 3 {
		t.Fatalf("extraction must stop at the target: attempted %v", calls)
	}
}

func TestPipelineSkipsTranscriptlessVideos(t *testing.T) {
	// Videos 1 and 3 have no transcript; the walk continues past them.
	tr := transcriptsFor(6)
	delete(tr, "BV001")
	delete(tr, "BV003")
	adapter := &fakeAdapter{videos: makeVideos(6), transcripts: tr}
	provider := &fakeProvider{}
	rc := NewRunContext(testTask(3, ModePipeline), nil, nil, nil)

	if err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, ""); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if got := rc.TranscribedCount(); got != 3 {
		t.Fatalf("transcribed: got %d, want 3", got)
	}
	if calls := adapter.extracted(); len(calls) != 5 {
		t.Fatalf("expected 5 attempts (2 empty + 3 good), got %v", calls)
	}
}

func TestPipelineNoUsableContent(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(4), transcripts: map[string]string{}}
	provider := &fakeProvider{}
	rc := NewRunContext(testTask(3, ModePipeline), nil, nil, nil)

	err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, "")
	if !errors.Is(err, ErrNoUsableContent) {
		t.Fatalf("expected ErrNoUsableContent, got %v", err)
	}
}

func TestPipelineSummaryFailureIsolation(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(3), transcripts: transcriptsFor(3)}
	provider := &fakeProvider{summaryErr: map[string]bool{"Video 2": true}}
	rc := NewRunContext(testTask(3, ModePipeline), nil, nil, nil)

	if err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, ""); err != nil {
		t.Fatalf("one failed summary must not fail the run: %v", err)
	}
	report, _ := rc.Report()
	if report.ItemCount != 2 {
		t.Fatalf("report items: got %d, want 2", report.ItemCount)
	}
	for _, item := range report.Items {
		if item.Title == "Video 2" {
			t.Fatalf("failed item leaked into the report")
		}
	}
}

func TestPipelineAllSummariesFailed(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(2), transcripts: transcriptsFor(2)}
	provider := &fakeProvider{summaryErr: map[string]bool{"transcript of video": true}}
	rc := NewRunContext(testTask(2, ModePipeline), nil, nil, nil)

	if err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, ""); err == nil {
		t.Fatalf("zero summaries must fail the run")
	}
}

func TestPipelineResumeSkipsCompletedStages(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(3), transcripts: transcriptsFor(3)}
	provider := &fakeProvider{}
	rc := NewRunContext(testTask(3, ModePipeline), nil, nil, nil)

	// Checkpoint taken after extract: items with transcripts already set.
	state := ResumeState{Items: []ContentItem{
		{ID: "BV001", Title: "Video 1", Transcript: "transcript of video 1", Method: "subtitle"},
		{ID: "BV002", Title: "Video 2", Transcript: "transcript of video 2", Method: "subtitle"},
	}}
	rc.Restore(state)

	if err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, StageExtract); err != nil {
		t.Fatalf("resumed pipeline: %v", err)
	}
	if adapter.searchCalls != 0 {
		t.Fatalf("search ran despite resume marker")
	}
	if calls := adapter.extracted(); len(calls) != 0 {
		t.Fatalf("extract ran despite resume marker: %v", calls)
	}
	report, ok := rc.Report()
	if !ok || report.ItemCount != 2 {
		t.Fatalf("resumed run should report the 2 restored items, got %+v", report)
	}
}

func TestPipelineCancellationAtStageBoundary(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(3), transcripts: transcriptsFor(3)}
	provider := &fakeProvider{}
	cancelAfterSearch := &cancellingCheckpoint{stage: StageSearch}
	rc := NewRunContext(testTask(3, ModePipeline), nil, nil, cancelAfterSearch)
	cancelAfterSearch.rc = rc

	err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, "")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if calls := adapter.extracted(); len(calls) != 0 {
		t.Fatalf("extract ran after cancellation: %v", calls)
	}
}

// cancellingCheckpoint requests cancellation when a given stage completes.
type cancellingCheckpoint struct {
	stage string
	rc    *RunContext
}

func (c *cancellingCheckpoint) OnStageComplete(taskID, stage string, state ResumeState) {
	if stage == c.stage {
		c.rc.Cancel()
	}
}

func TestPipelineProgressIsMonotonic(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(4), transcripts: transcriptsFor(4)}
	provider := &fakeProvider{}
	rec := &progressRecorder{}
	rc := NewRunContext(testTask(2, ModePipeline), rec, nil, nil)

	if err := NewPipeline(testOps(adapter, provider)).Run(context.Background(), rc, ""); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if len(rec.pcts) == 0 {
		t.Fatalf("no progress reported")
	}
	for i := 1; i < len(rec.pcts); i++ {
		if rec.pcts[i] <= rec.pcts[i-1] {
			t.Fatalf("progress not monotonic: %v", rec.pcts)
		}
	}
	if last := rec.pcts[len(rec.pcts)-1]; last != 100 {
		t.Fatalf("final progress: got %v", last)
	}
}
