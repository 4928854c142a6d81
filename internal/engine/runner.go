package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/videomuse/internal/llm"
	"github.com/mohammad-safakhou/videomuse/internal/platform"
	"github.com/mohammad-safakhou/videomuse/internal/telemetry"
)

// Execution modes.
const (
	ModePipeline = "pipeline"
	ModeAgent    = "agent"
)

// Result is the terminal outcome of one task run.
type Result struct {
	Status   Status
	Report   *Report
	Err      error
	Duration time.Duration
}

// Options tune engine-wide behavior applied to every run.
type EngineOptions struct {
	ExtractDelay     time.Duration
	SummarizeWorkers int
	MaxSteps         int
	LoopTimeout      time.Duration
}

// Engine runs research tasks end to end. It resolves the platform adapter,
// picks the execution driver by task mode, and tracks in-flight runs so
// they can be cancelled by id.
type Engine struct {
	registry   *platform.Registry
	llm        llm.Provider
	progress   ProgressSink
	events     EventSink
	checkpoint CheckpointSink
	metrics    *telemetry.Metrics
	logger     *log.Logger
	opts       EngineOptions

	mu      sync.Mutex
	running map[string]*RunContext
}

func NewEngine(registry *platform.Registry, provider llm.Provider, progress ProgressSink, events EventSink, checkpoint CheckpointSink, metrics *telemetry.Metrics, opts EngineOptions, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Engine{
		registry:   registry,
		llm:        provider,
		progress:   progress,
		events:     events,
		checkpoint: checkpoint,
		metrics:    metrics,
		logger:     logger,
		opts:       opts,
		running:    make(map[string]*RunContext),
	}
}

// RunTask executes one task to a terminal state. resume may carry a
// checkpoint to restart a pipeline run after the named stage; it is ignored
// in agent mode. The returned Result always reflects a terminal status.
func (e *Engine) RunTask(ctx context.Context, task Task, resumeAfter string, resume *ResumeState) Result {
	start := time.Now()
	if task.TargetCount <= 0 {
		task.TargetCount = 5
	}
	if task.Mode == "" {
		task.Mode = ModePipeline
	}

	adapter, err := e.registry.Get(task.Platform)
	if err != nil {
		return Result{Status: StatusFailed, Err: err, Duration: time.Since(start)}
	}

	rc := NewRunContext(task, e.progress, e.events, e.checkpoint)
	if resume != nil {
		rc.Restore(*resume)
	}

	e.mu.Lock()
	if _, dup := e.running[task.ID]; dup {
		e.mu.Unlock()
		return Result{Status: StatusFailed, Err: fmt.Errorf("task %s is already running", task.ID), Duration: time.Since(start)}
	}
	e.running[task.ID] = rc
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, task.ID)
		e.mu.Unlock()
	}()

	ops := NewOperations(adapter, e.llm, e.logger)
	if e.opts.ExtractDelay > 0 {
		ops.ExtractDelay = e.opts.ExtractDelay
	}
	if e.opts.SummarizeWorkers > 0 {
		ops.SummarizeWorkers = e.opts.SummarizeWorkers
	}

	e.metrics.TaskStarted(task.Mode)
	e.logger.Printf("task %s started: %q on %s (mode=%s target=%d)", task.ID, task.Query, task.Platform, task.Mode, task.TargetCount)

	var runErr error
	switch task.Mode {
	case ModeAgent:
		loop := NewLoop(ops)
		if e.opts.MaxSteps > 0 {
			loop.MaxSteps = e.opts.MaxSteps
		}
		if e.opts.LoopTimeout > 0 {
			loop.Timeout = e.opts.LoopTimeout
		}
		runErr = loop.Run(ctx, rc)
	case ModePipeline:
		runErr = NewPipeline(ops).Run(ctx, rc, resumeAfter)
	default:
		runErr = fmt.Errorf("unknown mode %q", task.Mode)
	}

	result := Result{Duration: time.Since(start), Err: runErr}
	if report, ok := rc.Report(); ok {
		result.Report = &report
	}
	switch {
	case runErr == nil:
		result.Status = StatusDone
	case errors.Is(runErr, ErrCancelled):
		result.Status = StatusCancelled
	default:
		result.Status = StatusFailed
	}
	e.metrics.TaskFinished(task.Mode, string(result.Status), result.Duration)
	e.logger.Printf("task %s finished: %s in %s", task.ID, result.Status, result.Duration.Round(time.Millisecond))
	return result
}

// Cancel flags a running task for cooperative cancellation. It reports
// whether the task was in flight.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	rc, ok := e.running[taskID]
	e.mu.Unlock()
	if ok {
		rc.Cancel()
		e.logger.Printf("task %s cancellation requested", taskID)
	}
	return ok
}

// Running lists the ids of in-flight tasks.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	return out
}
