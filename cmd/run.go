package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/videomuse/config"
	"github.com/mohammad-safakhou/videomuse/internal/engine"
	"github.com/mohammad-safakhou/videomuse/internal/llm"
	"github.com/mohammad-safakhou/videomuse/internal/platform"
)

// runCMD executes a single research task without the server or database:
// events stream to stderr and the final report prints to stdout.
func runCMD() *cobra.Command {
	var (
		cfgPath      string
		platformName string
		mode         string
		target       int
	)

	var run = &cobra.Command{
		Use:   "run <query>",
		Short: "Run one research task and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if target <= 0 {
				target = cfg.Engine.DefaultTargetCount
			}

			provider := llm.New(llm.Config{
				BaseURL:    cfg.LLM.BaseURL,
				APIKey:     cfg.LLM.APIKey,
				Model:      cfg.LLM.Model,
				MaxRetries: cfg.LLM.MaxRetries,
				Timeout:    cfg.LLM.Timeout,
			})

			var whisper platform.Transcriber
			if cfg.Whisper.APIKey != "" {
				whisper = platform.NewWhisperClient(platform.WhisperOptions{
					BaseURL: cfg.Whisper.BaseURL,
					APIKey:  cfg.Whisper.APIKey,
					Model:   cfg.Whisper.Model,
				})
			}
			registry := platform.NewRegistry()
			registry.Register("bilibili", platform.NewBilibiliAdapter(platform.BilibiliOptions{
				SessData:           cfg.Platforms.Bilibili.SessData,
				SubtitleRetries:    cfg.Platforms.Bilibili.SubtitleRetries,
				SubtitleRetryDelay: cfg.Platforms.Bilibili.SubtitleRetryDelay,
				RequestsPerSecond:  cfg.Platforms.Bilibili.RequestsPerSecond,
				Whisper:            whisper,
			}))

			printer := &consoleSink{logger: log.New(os.Stderr, "", 0)}
			eng := engine.NewEngine(registry, provider, printer, printer, nil, nil, engine.EngineOptions{
				ExtractDelay:     cfg.Engine.ExtractDelay,
				SummarizeWorkers: cfg.Engine.SummarizeWorkers,
				MaxSteps:         cfg.Engine.AgentMaxSteps,
				LoopTimeout:      cfg.Engine.AgentTimeout,
			}, nil)

			task := engine.Task{
				ID:          uuid.NewString(),
				Query:       args[0],
				Platform:    platformName,
				TargetCount: target,
				Mode:        mode,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				eng.Cancel(task.ID)
			}()

			res := eng.RunTask(ctx, task, "", nil)
			if res.Report != nil {
				fmt.Println(res.Report.Markdown)
			}
			if res.Status != engine.StatusDone {
				return fmt.Errorf("task %s: %v", res.Status, res.Err)
			}
			return nil
		},
	}
	run.Flags().StringVar(&platformName, "platform", "bilibili", "video platform")
	run.Flags().StringVar(&mode, "mode", engine.ModePipeline, "execution mode: pipeline or agent")
	run.Flags().IntVar(&target, "target", 0, "target video count (default from config)")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}

// consoleSink prints run progress and events to stderr.
type consoleSink struct {
	logger *log.Logger
}

func (c *consoleSink) OnProgress(taskID string, pct float64) {
	c.logger.Printf("[%3.0f%%]", pct)
}

func (c *consoleSink) OnEvent(taskID string, ev engine.Event) {
	switch ev.Type {
	case engine.EventThinking:
		c.logger.Printf("thinking: %s", ev.Content)
	case engine.EventAction:
		c.logger.Printf("action: %s %v", ev.Action, ev.Args)
	case engine.EventResult:
		if ev.ResultPreview != "" {
			c.logger.Printf("result: %s", ev.ResultPreview)
		} else {
			c.logger.Printf("result: %s", ev.Content)
		}
	case engine.EventError:
		c.logger.Printf("error: %s", ev.Content)
	case engine.EventComplete:
		c.logger.Printf("done: %s", ev.Content)
	}
}
