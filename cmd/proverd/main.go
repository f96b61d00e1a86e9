package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"OpenMCP-Prover/internal/agent"
	"OpenMCP-Prover/internal/api"
	"OpenMCP-Prover/internal/config"
	"OpenMCP-Prover/internal/jobsource"
	"OpenMCP-Prover/internal/observability/alerting"
	"OpenMCP-Prover/pkg/logger"
)

// main 是证明代理守护进程的入口。
func main() {
	app := &cli.App{
		Name:    "proverd",
		Usage:   "pull proving jobs from a job source and run them against a circuit prover",
		Version: "0.1.0",
		Flags:   AllFlags(),
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.L().Error("proverd exited with error", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("proverd")

	prover, closeProver, err := buildProver(ctx, cfg.Prover)
	if err != nil {
		return err
	}
	defer closeProver()

	broker, err := buildJobSource(ctx, cfg.JobSource)
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.Warn("failed to close job source", slog.Any("error", err))
		}
	}()

	ag, err := agent.New(prover,
		agent.WithMaxConcurrency(cfg.Agent.MaxConcurrency),
		agent.WithPollInterval(cfg.Agent.PollInterval()),
		agent.WithDrainOnStop(cfg.Agent.Drain()),
		agent.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)
	if err != nil {
		return err
	}

	// 调度循环只由 Stop 结束，以便按配置等待在途任务。
	if err := ag.Start(context.WithoutCancel(ctx), broker); err != nil {
		return err
	}
	if reaper, ok := broker.(jobsource.Reaper); ok && cfg.JobSource.InProgressTTL() > 0 {
		go runReaper(ctx, reaper, cfg.JobSource.ReapInterval(), log)
	}

	serverCtx, cancelServer := context.WithCancel(context.Background())
	defer cancelServer()
	server := api.NewServer(cfg.Server.Address, ag, broker)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(serverCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-serverErr:
		serverErr = nil
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Agent.StopTimeout())
	defer cancelStop()
	if err := ag.Stop(stopCtx); err != nil {
		log.Warn("agent did not drain in time", slog.Int("in_flight", ag.InFlight()), slog.Any("error", err))
	}

	cancelServer()
	if serverErr != nil {
		if err := <-serverErr; err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return runErr
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(ConfigFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.IsSet(MaxConcurrencyFlag.Name) {
		cfg.Agent.MaxConcurrency = c.Int(MaxConcurrencyFlag.Name)
	}
	if c.IsSet(PollIntervalFlag.Name) {
		cfg.Agent.PollIntervalMS = int(c.Duration(PollIntervalFlag.Name) / time.Millisecond)
	}
	if c.IsSet(ListenFlag.Name) {
		cfg.Server.Address = c.String(ListenFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runReaper 周期性地把超时的处理中任务重新入队。
func runReaper(ctx context.Context, reaper jobsource.Reaper, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := reaper.Reap(ctx)
		if err != nil {
			log.Warn("reap expired jobs failed", slog.Any("error", err))
			continue
		}
		if n > 0 {
			log.Info("requeued expired jobs", slog.Int("count", n))
		}
	}
}
