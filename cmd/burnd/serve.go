package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/patchburner/patchburner/internal/api"
	"github.com/patchburner/patchburner/internal/apply"
	"github.com/patchburner/patchburner/internal/build"
	"github.com/patchburner/patchburner/internal/config"
	"github.com/patchburner/patchburner/internal/pipeline"
	"github.com/patchburner/patchburner/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue daemon and HTTP API",
	Long: `Run the daemon: serve the cfbot REST API and tick the ring queue every
poll interval, driving each dequeued patch through the pipeline.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default from config)")
	serveCmd.Flags().Duration("poll-interval", 0, "queue tick interval (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		config.Set("listen", v)
	}
	if v, _ := cmd.Flags().GetDuration("poll-interval"); v > 0 {
		config.Set("poll-interval", v.String())
	}

	logger := setupLogger()
	slog.SetDefault(logger)

	// Singleton guard: one daemon per database.
	lockPath := config.GetString("db") + ".lock"
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("another burnd instance is already running (lock: %s)", lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := buildEngine(store, logger)
	server := api.NewServer(config.GetString("listen"), store, engine,
		config.GetDuration("request-timeout"), logger)

	serverErrChan := make(chan error, 1)
	go func() { serverErrChan <- server.Start() }()
	<-server.Ready()

	interval := config.GetDuration("poll-interval")
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("burnd started",
		"db", store.Path(), "listen", server.Addr(), "poll_interval", interval)

	runEventLoop(ctx, cancel, ticker, store, engine, server, serverErrChan, logger)
	return nil
}

// setupLogger builds the slog logger, rotating through lumberjack when a log
// file is configured.
func setupLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if logFile := config.GetString("log-file"); logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// buildEngine wires the stage drivers from configuration.
func buildEngine(store storage.Storage, logger *slog.Logger) *pipeline.Engine {
	baseDir := config.GetString("burner-dir")
	applier := apply.New(store, apply.Config{
		BaseDir:      baseDir,
		TemplateDir:  config.GetString("template-dir"),
		FetchURLBase: config.GetString("fetch-url-base"),
		ApplyScript:  config.GetString("apply-script"),
		GitUserName:  config.GetString("git-user-name"),
		GitUserEmail: config.GetString("git-user-email"),
	}, nil, logger)
	compiler := build.NewCompiler(store, baseDir, nil, logger)
	tester := build.NewTester(store, baseDir, nil, logger)
	notifier := pipeline.NewStoreNotifier(store, logger)
	return pipeline.NewEngine(store, applier, compiler, tester, notifier, logger)
}

// runEventLoop ticks the queue until a signal, a server failure, or context
// cancellation stops the daemon.
func runEventLoop(ctx context.Context, cancel context.CancelFunc, ticker *time.Ticker, store storage.Storage, engine *pipeline.Engine, server *api.Server, serverErrChan chan error, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// One driver goroutine per in-flight patch keeps ticks for a single
	// branch strictly serialized while branches progress independently.
	var wg sync.WaitGroup
	var active sync.Map // patch id -> struct{}

	stop := func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
		wg.Wait()
	}

	for {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			item, _, err := store.Queue().GetAndAdvance(ctx)
			if err != nil {
				logger.Error("queue tick failed", "error", err)
				continue
			}
			if item == nil {
				continue
			}
			if _, running := active.LoadOrStore(item.PatchID, struct{}{}); running {
				continue
			}
			wg.Add(1)
			go func(patchID int64) {
				defer wg.Done()
				defer active.Delete(patchID)
				driveBranch(ctx, store, engine, patchID, logger)
			}(item.PatchID)

		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			stop()
			return

		case err := <-serverErrChan:
			if err != nil {
				logger.Error("api server failed", "error", err)
			}
			stop()
			return

		case <-ctx.Done():
			logger.Info("context canceled, shutting down")
			stop()
			return
		}
	}
}

// driveBranch runs one full attempt: a fresh branch record, then engine
// steps paced by the drivers' delay hints until no re-tick is scheduled.
func driveBranch(ctx context.Context, store storage.Storage, engine *pipeline.Engine, patchID int64, logger *slog.Logger) {
	branch, _, err := pipeline.EnsureBranch(ctx, store, patchID)
	if err != nil {
		logger.Error("failed to ensure branch", "patch_id", patchID, "error", err)
		return
	}

	for {
		delay, err := engine.Step(ctx, branch)
		if err != nil {
			logger.Error("branch step failed",
				"patch_id", patchID, "status", branch.Status, "error", err)
			return
		}
		if delay == nil {
			return
		}
		if *delay > 0 {
			select {
			case <-time.After(*delay):
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
