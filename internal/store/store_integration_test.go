package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/videomuse/internal/engine"
	"github.com/mohammad-safakhou/videomuse/internal/server"
	"github.com/mohammad-safakhou/videomuse/internal/store"
)

func TestStoreTaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("videomuse"),
		tcPostgres.WithUsername("videomuse"),
		tcPostgres.WithPassword("videomuse"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://videomuse:videomuse@%s:%s/videomuse?sslmode=disable", host, port.Port())

	if err := server.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	id, err := s.CreateTask(ctx, engine.Task{Query: "go profiling", Platform: "bilibili", TargetCount: 3, Mode: "pipeline"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.UpdateTaskStatus(ctx, id, engine.StatusRunning, ""); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if err := s.UpdateProgress(ctx, id, 42.5); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := s.AppendEvent(ctx, id, engine.Event{Type: engine.EventResult, Timestamp: time.Now().UTC(), Content: "found videos"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	state := engine.ResumeState{Items: []engine.ContentItem{{ID: "BV001", Title: "t", Transcript: "text"}}}
	if err := s.SaveCheckpoint(ctx, id, engine.StageExtract, state); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	// Later checkpoint replaces the earlier one.
	state.Items[0].Summary = "s"
	if err := s.SaveCheckpoint(ctx, id, engine.StageSummarize, state); err != nil {
		t.Fatalf("SaveCheckpoint (replace): %v", err)
	}
	stage, got, err := s.LatestCheckpoint(ctx, id)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if stage != engine.StageSummarize || got.Items[0].Summary != "s" {
		t.Fatalf("checkpoint not replaced: stage=%q state=%+v", stage, got)
	}

	report := engine.Report{Query: "go profiling", Platform: "bilibili", ItemCount: 1,
		Items: state.Items, Markdown: "# Report", GeneratedAt: time.Now().UTC()}
	if err := s.SaveReport(ctx, id, report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, id, engine.StatusDone, ""); err != nil {
		t.Fatalf("UpdateTaskStatus done: %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != engine.StatusDone || task.Progress != 42.5 {
		t.Fatalf("task state: %+v", task)
	}
	events, err := s.ListEvents(ctx, id)
	if err != nil || len(events) != 1 {
		t.Fatalf("events: %v %+v", err, events)
	}
	loaded, err := s.GetReport(ctx, id)
	if err != nil || loaded.ItemCount != 1 || loaded.Markdown != "# Report" {
		t.Fatalf("report: %v %+v", err, loaded)
	}
}
