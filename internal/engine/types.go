package engine

import (
	"errors"
	"time"

	"github.com/mohammad-safakhou/videomuse/internal/platform"
)

// Status is the lifecycle state of a research task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrCancelled marks a run stopped by user request. Callers map it to
	// StatusCancelled, never StatusFailed.
	ErrCancelled = errors.New("task cancelled")

	// ErrNoUsableContent means acquisition found videos but not a single
	// transcript, so there is nothing to analyze.
	ErrNoUsableContent = errors.New("no usable content: no transcripts could be extracted")
)

// Task is a single research request.
type Task struct {
	ID          string    `json:"id"`
	Query       string    `json:"query"`
	Platform    string    `json:"platform"`
	TargetCount int       `json:"target_count"`
	Mode        string    `json:"mode"` // "pipeline" or "agent"
	Status      Status    `json:"status"`
	Progress    float64   `json:"progress"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ContentItem is one video moving through the run: metadata from search,
// then a transcript, then a summary.
type ContentItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	URL        string `json:"url"`
	Duration   int    `json:"duration"`
	CoverURL   string `json:"cover_url,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Method     string `json:"method,omitempty"` // transcript provenance
	Summary    string `json:"summary,omitempty"`
}

func itemFromVideo(v platform.VideoInfo) ContentItem {
	return ContentItem{
		ID:       v.ID,
		Title:    v.Title,
		Author:   v.Author,
		URL:      v.URL,
		Duration: v.Duration,
		CoverURL: v.CoverURL,
	}
}

// Event types emitted during a run.
const (
	EventThinking = "thinking"
	EventAction   = "action"
	EventResult   = "result"
	EventError    = "error"
	EventComplete = "complete"
)

// Event is one observable step of a run, identical in shape for the pipeline
// and the autonomous loop.
type Event struct {
	Type          string            `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Content       string            `json:"content,omitempty"`
	Action        string            `json:"action,omitempty"`
	Args          map[string]string `json:"args,omitempty"`
	ResultPreview string            `json:"result_preview,omitempty"`
}

// Report is the final consolidated artifact of a run.
type Report struct {
	Query       string        `json:"query"`
	Platform    string        `json:"platform"`
	ItemCount   int           `json:"video_count"`
	Items       []ContentItem `json:"videos"`
	Markdown    string        `json:"markdown"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// ProgressSink receives monotonic progress updates in [0,100].
type ProgressSink interface {
	OnProgress(taskID string, percent float64)
}

// EventSink receives run events as they happen.
type EventSink interface {
	OnEvent(taskID string, ev Event)
}

// CheckpointSink receives resume markers after each completed pipeline stage.
type CheckpointSink interface {
	OnStageComplete(taskID, stage string, state ResumeState)
}

// ResumeState is the serializable snapshot a checkpoint carries: enough to
// restart the pipeline after the recorded stage.
type ResumeState struct {
	Items []ContentItem `json:"items"`
}

// NopSinks are the defaults when a caller wires no observers.
type (
	nopProgress   struct{}
	nopEvents     struct{}
	nopCheckpoint struct{}
)

func (nopProgress) OnProgress(string, float64)                {}
func (nopEvents) OnEvent(string, Event)                       {}
func (nopCheckpoint) OnStageComplete(string, string, ResumeState) {}
