package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML configuration file; defaults are used when empty",
		EnvVars: []string{"PROVER_CONFIG"},
	}
	MaxConcurrencyFlag = &cli.IntFlag{
		Name:    "max-concurrency",
		Usage:   "Maximum number of proving jobs in flight, overrides agent.max_concurrency",
		EnvVars: []string{"PROVER_MAX_CONCURRENCY"},
	}
	PollIntervalFlag = &cli.DurationFlag{
		Name:    "poll-interval",
		Usage:   "Delay between job source polls, overrides agent.poll_interval_ms",
		EnvVars: []string{"PROVER_POLL_INTERVAL"},
		Value:   100 * time.Millisecond,
	}
	ListenFlag = &cli.StringFlag{
		Name:    "listen",
		Usage:   "HTTP API listening address, overrides server.address",
		EnvVars: []string{"PROVER_LISTEN"},
	}
)

func AllFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		MaxConcurrencyFlag,
		PollIntervalFlag,
		ListenFlag,
	}
}
