package engine

import (
	"context"
	"log"
	"testing"

	"github.com/mohammad-safakhou/videomuse/internal/platform"
)

func testEngine(adapter platform.Adapter, provider *fakeProvider) *Engine {
	registry := platform.NewRegistry()
	registry.Register("bilibili", adapter)
	return NewEngine(registry, provider, nil, nil, nil, nil,
		EngineOptions{ExtractDelay: 1}, log.New(log.Writer(), "[TEST] ", 0))
}

func TestEngineRunTaskPipeline(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(4), transcripts: transcriptsFor(4)}
	e := testEngine(adapter, &fakeProvider{})

	res := e.RunTask(context.Background(), testTask(2, ModePipeline), "", nil)
	if res.Status != StatusDone {
		t.Fatalf("status: got %s (err %v)", res.Status, res.Err)
	}
	if res.Report == nil || res.Report.ItemCount != 2 {
		t.Fatalf("report: got %+v", res.Report)
	}
}

func TestEngineUnknownPlatform(t *testing.T) {
	e := testEngine(&fakeAdapter{}, &fakeProvider{})
	task := testTask(2, ModePipeline)
	task.Platform = "youtube"

	res := e.RunTask(context.Background(), task, "", nil)
	if res.Status != StatusFailed {
		t.Fatalf("status: got %s", res.Status)
	}
}

func TestEngineNoUsableContentFails(t *testing.T) {
	adapter := &fakeAdapter{videos: makeVideos(3)}
	e := testEngine(adapter, &fakeProvider{})

	res := e.RunTask(context.Background(), testTask(2, ModePipeline), "", nil)
	if res.Status != StatusFailed {
		t.Fatalf("status: got %s", res.Status)
	}
}

func TestEngineCancelUnknownTask(t *testing.T) {
	e := testEngine(&fakeAdapter{}, &fakeProvider{})
	if e.Cancel("nope") {
		t.Fatalf("cancel of an unknown task must report false")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusDone, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
