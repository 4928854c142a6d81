package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/mohammad-safakhou/videomuse/config"
	"github.com/mohammad-safakhou/videomuse/internal/engine"
	"github.com/mohammad-safakhou/videomuse/internal/index"
	"github.com/mohammad-safakhou/videomuse/internal/llm"
	"github.com/mohammad-safakhou/videomuse/internal/platform"
	"github.com/mohammad-safakhou/videomuse/internal/store"
	"github.com/mohammad-safakhou/videomuse/internal/stream"
	"github.com/mohammad-safakhou/videomuse/internal/telemetry"
)

// Run wires all dependencies and serves the HTTP API until the listener
// fails.
func Run(cfgPath, addr string) error {
	cfg := appconfig.LoadConfig(cfgPath)
	if addr == "" {
		addr = cfg.Server.Address
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate(cfg.Server.MigrationsDir, dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	if cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	provider := llm.New(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		MaxRetries: cfg.LLM.MaxRetries,
		Timeout:    cfg.LLM.Timeout,
	})

	registry := platform.NewRegistry()
	var whisper platform.Transcriber
	if cfg.Whisper.APIKey != "" {
		whisper = platform.NewWhisperClient(platform.WhisperOptions{
			BaseURL: cfg.Whisper.BaseURL,
			APIKey:  cfg.Whisper.APIKey,
			Model:   cfg.Whisper.Model,
		})
	}
	registry.Register("bilibili", platform.NewBilibiliAdapter(platform.BilibiliOptions{
		SessData:           cfg.Platforms.Bilibili.SessData,
		SubtitleRetries:    cfg.Platforms.Bilibili.SubtitleRetries,
		SubtitleRetryDelay: cfg.Platforms.Bilibili.SubtitleRetryDelay,
		RequestsPerSecond:  cfg.Platforms.Bilibili.RequestsPerSecond,
		Whisper:            whisper,
	}))

	var publisher *stream.Publisher
	if cfg.Storage.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		publisher = stream.NewPublisher(client, cfg.Storage.Redis.Stream, cfg.Storage.Redis.MaxLen, nil)
	}

	sinks := newStoreSinks(st, publisher, baseLogger)
	eng := engine.NewEngine(registry, provider, sinks, sinks, sinks, metrics, engine.EngineOptions{
		ExtractDelay:     cfg.Engine.ExtractDelay,
		SummarizeWorkers: cfg.Engine.SummarizeWorkers,
		MaxSteps:         cfg.Engine.AgentMaxSteps,
		LoopTimeout:      cfg.Engine.AgentTimeout,
	}, nil)

	reports, err := index.NewReportIndex()
	if err != nil {
		return err
	}
	if err := seedReportIndex(ctx, st, reports); err != nil {
		baseLogger.Printf("report index seed failed: %v", err)
	}

	th := &TasksHandler{
		Store:         st,
		Engine:        eng,
		Reports:       reports,
		DefaultTarget: cfg.Engine.DefaultTargetCount,
		Logger:        log.New(log.Writer(), "[TASKS] ", log.LstdFlags),
	}
	api := e.Group("/api")
	th.Register(api)

	return e.Start(addr)
}

// seedReportIndex rebuilds the in-memory search index from stored reports.
func seedReportIndex(ctx context.Context, st *store.Store, idx *index.ReportIndex) error {
	tasks, err := st.ListTasks(ctx, 500)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		report, err := st.GetReport(ctx, t.ID)
		if err != nil {
			continue
		}
		if err := idx.Add(t.ID, report); err != nil {
			return err
		}
	}
	return nil
}
