package server

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/videomuse/internal/engine"
	"github.com/mohammad-safakhou/videomuse/internal/store"
	"github.com/mohammad-safakhou/videomuse/internal/stream"
)

// storeSinks persists engine observations and mirrors events to the Redis
// stream when one is configured. Persistence failures are logged, never
// propagated; observability must not take a run down.
type storeSinks struct {
	store     *store.Store
	publisher *stream.Publisher
	logger    *log.Logger
}

func newStoreSinks(st *store.Store, publisher *stream.Publisher, logger *log.Logger) *storeSinks {
	if logger == nil {
		logger = log.New(log.Writer(), "[SINK] ", log.LstdFlags)
	}
	return &storeSinks{store: st, publisher: publisher, logger: logger}
}

func (s *storeSinks) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (s *storeSinks) OnProgress(taskID string, pct float64) {
	ctx, cancel := s.withTimeout()
	defer cancel()
	if err := s.store.UpdateProgress(ctx, taskID, pct); err != nil {
		s.logger.Printf("progress persist failed for %s: %v", taskID, err)
	}
}

func (s *storeSinks) OnEvent(taskID string, ev engine.Event) {
	ctx, cancel := s.withTimeout()
	defer cancel()
	if err := s.store.AppendEvent(ctx, taskID, ev); err != nil {
		s.logger.Printf("event persist failed for %s: %v", taskID, err)
	}
	if s.publisher != nil {
		s.publisher.OnEvent(taskID, ev)
	}
}

func (s *storeSinks) OnStageComplete(taskID, stage string, state engine.ResumeState) {
	ctx, cancel := s.withTimeout()
	defer cancel()
	if err := s.store.SaveCheckpoint(ctx, taskID, stage, state); err != nil {
		s.logger.Printf("checkpoint persist failed for %s: %v", taskID, err)
	}
}
