// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/oklog/run"

	"visaworker/src/browser"
	"visaworker/src/captcha"
	"visaworker/src/config"
	"visaworker/src/containerization"
	"visaworker/src/events"
	"visaworker/src/flow"
	"visaworker/src/logging"
	"visaworker/src/model"
	"visaworker/src/processor"
	"visaworker/src/queue"
	"visaworker/src/scheduler"
	"visaworker/src/storage/postgres"
)

const dueBatch = 100

type WorkerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	languages []string
}

func NewWorkerCommand(rootCmd *RootCommand, app *kingpin.Application) *WorkerCommand {
	c := &WorkerCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("worker", "Run the worker: job runner, retry scheduler and operator API.")
	c.Cmd.Flag("ocr-lang", "Tesseract languages used on captcha tiles.").Default("eng").StringsVar(&c.languages)
	return c
}

func (c WorkerCommand) Name() string { return c.Cmd.FullCommand() }

func (c WorkerCommand) Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	if c.rootCmd.PortalProfile != "" {
		cfg.PortalProfile = c.rootCmd.PortalProfile
	}
	profile, err := config.LoadProfile(cfg.PortalProfile)
	if err != nil {
		return fmt.Errorf("could not load portal profile: %w", err)
	}

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logging.Log(fmt.Sprintf("OTel shutdown error: %v", err), slog.LevelError)
		}
	}()
	logging.InitializeWorkerCounters()

	db, err := postgres.Open(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	store := postgres.NewStore(db)

	listener, err := postgres.NewInputListener(cfg.DSN())
	if err != nil {
		return err
	}
	defer listener.Close()

	rdb, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	jobs := queue.New(rdb)

	var publisher events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = nc
	}

	workerID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting worker with UUID: %s", workerID), slog.LevelInfo)
	workerstats := logging.NewWorkerStats(workerID)

	launcher := &browser.Launcher{
		Headless:       cfg.Headless,
		PageTimeout:    profile.PageTimeout,
		ElementTimeout: profile.Timing.ElementTimeout,
		DebugDir:       cfg.DebugDir,
	}

	var g run.Group

	switch cfg.BrowserMode {
	case config.BrowserModeDocker:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer cli.Close()

		networkID, err := containerization.EnsureBrowserNetwork(ctx, cli)
		if err != nil {
			return fmt.Errorf("failed to setup browser network: %w", err)
		}
		logging.Log(fmt.Sprintf("Ensuring Docker image %s is available...", cfg.BrowserImage), slog.LevelInfo)
		if err := containerization.PullImage(ctx, cli, cfg.BrowserImage); err != nil {
			logging.Log(fmt.Sprintf("Warning: %v. Execution might fail if image is not present locally.", err), slog.LevelWarn)
		}

		pool := containerization.NewBrowserPool(cli, containerization.PoolConfig{
			Image:     cfg.BrowserImage,
			NetworkID: networkID,
			MaxAge:    cfg.ContainerIdleTimeout,
		})
		launcher.Remote = pool
		defer pool.CleanupActiveContainers()

		reaperCtx, reaperCancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				pool.RunContainerReaper(reaperCtx, time.Minute)
				return nil
			},
			func(_ error) { reaperCancel() },
		)
	default:
		if err := browser.Install(); err != nil {
			return fmt.Errorf("could not install the browser driver: %w", err)
		}
	}

	portal := flow.NewPortal(profile, captcha.NewSolver(captcha.Tesseract{Languages: c.languages}))
	proc, err := processor.New(processor.Config{
		WorkerID:          workerID,
		Store:             store,
		Notifier:          listener,
		Sessions:          launcher,
		Flows:             processor.DefaultFlows(portal),
		Events:            publisher,
		Stats:             workerstats,
		InputPollInterval: cfg.InputPollInterval,
		InputPollAttempts: cfg.InputPollAttempts,
		NoSlotRetryAfter:  cfg.NoSlotRetryAfter,
	})
	if err != nil {
		return err
	}

	runner, err := queue.NewRunner(queue.RunnerConfig{
		Queue:       jobs,
		Executor:    proc,
		Concurrency: cfg.Concurrency,
		SoftLimits: map[model.Flow]time.Duration{
			model.FlowRegister: cfg.RegisterSoftLimit,
			model.FlowBook:     cfg.BookSoftLimit,
		},
	})
	if err != nil {
		return err
	}

	sched := scheduler.New()
	if err := sched.Every(cfg.RetrySchedule, "retry_due", func(ctx context.Context) {
		if _, err := scheduler.RetryDue(ctx, store, jobs, time.Now(), dueBatch); err != nil {
			logging.Log(fmt.Sprintf("Retry sweep failed: %v", err), slog.LevelError)
		}
	}); err != nil {
		return err
	}
	if err := sched.Every("@every "+cfg.PollingInterval.String(), "recover_stale", func(ctx context.Context) {
		processor.RecoverTasks(ctx, store, cfg.StaleTaskTimeout, workerstats)
	}); err != nil {
		return err
	}

	// Initial check
	processor.RecoverTasks(ctx, store, cfg.StaleTaskTimeout, workerstats)

	api := &APIServer{store: store, stats: workerstats, jobs: jobs}

	// Each actor stops when the command context ends or any other actor returns.
	groupCtx, groupCancel := context.WithCancel(ctx)
	defer groupCancel()
	actor := func(fn func(context.Context) error) {
		g.Add(func() error { return fn(groupCtx) }, func(_ error) { groupCancel() })
	}
	actor(listener.Run)
	actor(runner.Run)
	actor(sched.Run)
	actor(func(ctx context.Context) error { return StartAPIServer(ctx, cfg.APIPort, api) })

	logging.Log("Worker started. Waiting for jobs...", slog.LevelInfo)
	err = g.Run()
	logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
	return err
}
