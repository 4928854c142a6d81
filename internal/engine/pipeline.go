package engine

import (
	"context"
	"fmt"
)

// Stage names, in execution order. A resume marker names the last stage
// whose work is already reflected in the restored state.
const (
	StageSearch    = "search"
	StageExtract   = "extract"
	StageSummarize = "summarize"
	StageReport    = "report"
)

// Stage is one deterministic step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) error
}

// Pipeline executes the fixed stage sequence with checkpointing, resume,
// and stage-boundary cancellation.
type Pipeline struct {
	Ops    *Operations
	stages []Stage
}

func NewPipeline(ops *Operations) *Pipeline {
	return &Pipeline{
		Ops: ops,
		stages: []Stage{
			searchStage{ops},
			extractStage{ops},
			summarizeStage{ops},
			reportStage{ops},
		},
	}
}

// Run executes the stages in order. A non-empty resumeAfter skips every
// stage up to and including the named one; the restored RunContext must
// already carry that stage's output. Cancellation is observed between
// stages, so a stage always finishes or fails as a unit.
func (p *Pipeline) Run(ctx context.Context, rc *RunContext, resumeAfter string) error {
	skipping := resumeAfter != ""
	total := len(p.stages)
	for i, stage := range p.stages {
		if skipping {
			if stage.Name() == resumeAfter {
				skipping = false
			}
			rc.SetProgress(float64(i+1) / float64(total) * 100)
			continue
		}
		if err := rc.CheckCancelled(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		rc.AddEvent(Event{Type: EventAction, Action: stage.Name()})
		if err := stage.Run(ctx, rc); err != nil {
			rc.AddEvent(Event{Type: EventError, Content: fmt.Sprintf("stage %s: %v", stage.Name(), err)})
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}

		rc.SetProgress(float64(i+1) / float64(total) * 100)
		rc.StageComplete(stage.Name())
	}
	rc.AddEvent(Event{Type: EventComplete, Content: "research complete"})
	return nil
}

// searchStage discovers candidates. Zero results is a hard failure; nothing
// downstream can work without candidates.
type searchStage struct{ ops *Operations }

func (searchStage) Name() string { return StageSearch }

func (s searchStage) Run(ctx context.Context, rc *RunContext) error {
	if _, err := s.ops.Search(ctx, rc, rc.Query); err != nil {
		return err
	}
	if len(rc.Items()) == 0 {
		return fmt.Errorf("no videos found for %q", rc.Query)
	}
	rc.AddEvent(Event{Type: EventResult, Content: fmt.Sprintf("found %d candidate videos", len(rc.Items()))})
	return nil
}

// extractStage walks candidates serially in discovery order, pacing requests
// and stopping early once the target transcript count is reached. Individual
// failures are skipped; only a run with zero transcripts fails.
type extractStage struct{ ops *Operations }

func (extractStage) Name() string { return StageExtract }

func (s extractStage) Run(ctx context.Context, rc *RunContext) error {
	first := true
	for _, item := range rc.Items() {
		if rc.TranscribedCount() >= rc.TargetCount {
			break
		}
		if err := rc.CheckCancelled(); err != nil {
			return err
		}
		if item.Transcript != "" {
			continue
		}
		if !first {
			if err := s.ops.sleep(ctx, s.ops.ExtractDelay); err != nil {
				return ErrCancelled
			}
		}
		first = false

		ok, err := s.ops.ExtractOne(ctx, rc, item.ID)
		if err != nil {
			s.ops.Logger.Printf("extract failed for %s, skipping: %v", item.ID, err)
			rc.AddEvent(Event{Type: EventError, Content: fmt.Sprintf("extract failed for %s: %v", item.ID, err)})
			continue
		}
		if ok {
			rc.AddEvent(Event{Type: EventResult, Content: fmt.Sprintf("transcript ready for %s (%s)", item.ID, item.Title)})
		}
	}
	if rc.TranscribedCount() == 0 {
		return ErrNoUsableContent
	}
	return nil
}

// summarizeStage fans out per-item summaries with bounded concurrency.
type summarizeStage struct{ ops *Operations }

func (summarizeStage) Name() string { return StageSummarize }

func (s summarizeStage) Run(ctx context.Context, rc *RunContext) error {
	succeeded, failed := s.ops.SummarizeAll(ctx, rc)
	if err := rc.CheckCancelled(); err != nil {
		return err
	}
	if rc.SummaryCount() == 0 {
		return fmt.Errorf("all %d summaries failed", failed)
	}
	rc.AddEvent(Event{Type: EventResult, Content: fmt.Sprintf("%d summaries ready (%d failed)", succeeded, failed)})
	return nil
}

// reportStage consolidates summaries into the final artifact.
type reportStage struct{ ops *Operations }

func (reportStage) Name() string { return StageReport }

func (s reportStage) Run(ctx context.Context, rc *RunContext) error {
	report, err := s.ops.GenerateReport(ctx, rc)
	if err != nil {
		return err
	}
	rc.AddEvent(Event{Type: EventResult, Content: fmt.Sprintf("report ready: %d sources", report.ItemCount)})
	return nil
}
