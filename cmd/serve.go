package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/cliauth"
	"github.com/nextlevelbuilder/climpire/internal/config"
	"github.com/nextlevelbuilder/climpire/internal/gateway"
	"github.com/nextlevelbuilder/climpire/internal/httpagent"
	"github.com/nextlevelbuilder/climpire/internal/meeting"
	"github.com/nextlevelbuilder/climpire/internal/oauth"
	"github.com/nextlevelbuilder/climpire/internal/orchestrator"
	"github.com/nextlevelbuilder/climpire/internal/runner"
	"github.com/nextlevelbuilder/climpire/internal/store/sqlite"
	"github.com/nextlevelbuilder/climpire/internal/telemetry"
	"github.com/nextlevelbuilder/climpire/internal/usage"
	"github.com/nextlevelbuilder/climpire/internal/vault"
	"github.com/nextlevelbuilder/climpire/internal/worktree"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopTracing, err := telemetry.Setup(ctx, gateway.AppName, Version, logger)
	if err != nil {
		logger.Warn("telemetry setup failed", "error", err)
	} else {
		defer stopTracing()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Error("create data directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		logger.Error("create logs directory", "error", err)
		os.Exit(1)
	}

	st, err := sqlite.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.SeedIfEmpty(ctx); err != nil {
		logger.Error("seed store", "error", err)
		os.Exit(1)
	}

	b := bus.New()
	oauthSvc := oauth.New(st, vault.New(cfg.EncryptionSecret), cfg, logger)
	usageSvc := usage.New(st, b, logger)
	detector := cliauth.New(logger)

	cli, err := runner.New(cfg.LogsDir, b, logger)
	if err != nil {
		logger.Error("create cli runner", "error", err)
		os.Exit(1)
	}
	httpRunner, err := httpagent.New(cfg.LogsDir, oauthSvc, b, logger)
	if err != nil {
		logger.Error("create http agent runner", "error", err)
		os.Exit(1)
	}
	launch := orchestrator.NewLauncher(cli, httpRunner)

	modelFor := func(provider string) (string, string) {
		o := cfg.Workspace.Models[provider]
		return o.Model, o.ReasoningEffort
	}

	eng := meeting.New(st, b, launch, logger, meeting.Options{
		MinTurnDelay: time.Duration(cfg.Workspace.Meeting.MinTurnDelayMS) * time.Millisecond,
		MaxTurnDelay: time.Duration(cfg.Workspace.Meeting.MaxTurnDelayMS) * time.Millisecond,
		ModelFor:     modelFor,
	})

	orc := orchestrator.New(st, b, launch, eng, worktree.NewManager(logger), usageSvc, logger, orchestrator.Options{
		LogsDir:      cfg.LogsDir,
		ProjectRoots: cfg.Workspace.ProjectRoots,
		ModelFor:     modelFor,
	})

	go usageSvc.Run(ctx)
	go detector.Run(ctx)
	go orc.Run(ctx)

	srv := gateway.New(cfg, gateway.Deps{
		Store:   st,
		Bus:     b,
		Orc:     orc,
		Usage:   usageSvc,
		CliAuth: detector,
		OAuth:   oauthSvc,
		Version: Version,
		Logger:  logger,
	})

	logger.Info("climpire starting", "version", Version, "db", cfg.DBPath, "logs", cfg.LogsDir)

	if err := srv.Start(ctx); err != nil {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}

	// HTTP is drained; give running tasks a bounded window to stop and
	// roll their worktrees back.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orc.Shutdown(shutdownCtx)
}
