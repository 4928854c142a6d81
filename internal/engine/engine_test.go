package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/videomuse/internal/llm"
	"github.com/mohammad-safakhou/videomuse/internal/platform"
)

// fakeAdapter serves scripted search results and transcripts while
// recording every call.
type fakeAdapter struct {
	mu          sync.Mutex
	videos      []platform.VideoInfo
	transcripts map[string]string
	extractErr  map[string]error

	searchCalls  int
	extractCalls []string
}

func makeVideos(n int) []platform.VideoInfo {
	out := make([]platform.VideoInfo, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, platform.VideoInfo{
			ID:       fmt.Sprintf("BV%03d", i),
			Title:    fmt.Sprintf("Video %d", i),
			Author:   "author",
			URL:      fmt.Sprintf("https://example.com/BV%03d", i),
			Duration: 60 * i,
			Platform: "bilibili",
		})
	}
	return out
}

func (f *fakeAdapter) Search(ctx context.Context, query string, limit int) ([]platform.VideoInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if limit > len(f.videos) {
		limit = len(f.videos)
	}
	return f.videos[:limit], nil
}

func (f *fakeAdapter) GetTranscript(ctx context.Context, videoID string) (platform.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls = append(f.extractCalls, videoID)
	if err, ok := f.extractErr[videoID]; ok {
		return platform.Transcript{}, err
	}
	text := f.transcripts[videoID]
	if text == "" {
		return platform.Transcript{}, nil
	}
	return platform.Transcript{Text: text, Method: "subtitle"}, nil
}

func (f *fakeAdapter) GetAudioURL(ctx context.Context, videoID string) (string, error) {
	return "", nil
}

func (f *fakeAdapter) extracted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.extractCalls...)
}

// fakeProvider answers by inspecting the system prompt: summaries get a
// canned summary, reports get canned markdown, and agent steps replay a
// scripted sequence. Per-item summary failures are injectable.
type fakeProvider struct {
	mu          sync.Mutex
	summaryErr  map[string]bool // keyed by video title substring
	agentScript []string
	agentStep   int
	chatCalls   [][]llm.Message
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls = append(f.chatCalls, append([]llm.Message(nil), msgs...))

	system := ""
	if len(msgs) > 0 && msgs[0].Role == "system" {
		system = msgs[0].Content
	}
	switch {
	case system == summarySystem:
		user := msgs[len(msgs)-1].Content
		for title := range f.summaryErr {
			if strings.Contains(user, title) {
				return "", fmt.Errorf("model overloaded")
			}
		}
		return "summary: " + firstLine(user), nil
	case system == reportSystem:
		return "# Report\n\nConsolidated findings.", nil
	default:
		if f.agentStep < len(f.agentScript) {
			reply := f.agentScript[f.agentStep]
			f.agentStep++
			return reply, nil
		}
		return "Thought: nothing left\nAction: report\nAction Input:", nil
	}
}

func (f *fakeProvider) ChatJSON(ctx context.Context, msgs []llm.Message, opts llm.Options, out any) error {
	return fmt.Errorf("not used")
}

func (f *fakeProvider) calls() [][]llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]llm.Message(nil), f.chatCalls...)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// progressRecorder captures the sequence of reported percentages.
type progressRecorder struct {
	mu   sync.Mutex
	pcts []float64
}

func (p *progressRecorder) OnProgress(taskID string, pct float64) {
	p.mu.Lock()
	p.pcts = append(p.pcts, pct)
	p.mu.Unlock()
}

// eventRecorder captures emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventRecorder) OnEvent(taskID string, ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

// checkpointRecorder captures stage completions in order.
type checkpointRecorder struct {
	mu     sync.Mutex
	stages []string
	states []ResumeState
}

func (c *checkpointRecorder) OnStageComplete(taskID, stage string, state ResumeState) {
	c.mu.Lock()
	c.stages = append(c.stages, stage)
	c.states = append(c.states, state)
	c.mu.Unlock()
}

func testOps(adapter platform.Adapter, provider llm.Provider) *Operations {
	ops := NewOperations(adapter, provider, log.New(log.Writer(), "[TEST] ", 0))
	ops.ExtractDelay = 0
	ops.sleep = func(context.Context, time.Duration) error { return nil }
	return ops
}

func testTask(target int, mode string) Task {
	return Task{
		ID:          "task-1",
		Query:       "go concurrency patterns",
		Platform:    "bilibili",
		TargetCount: target,
		Mode:        mode,
	}
}
