package main

import (
	"context"
	"fmt"
	"time"

	"OpenMCP-Prover/internal/config"
	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/jobsource"
	"OpenMCP-Prover/internal/prover/ec2"
	"OpenMCP-Prover/internal/prover/rpcprover"
	"OpenMCP-Prover/internal/prover/simulated"
	"OpenMCP-Prover/internal/proving"
)

// buildProver 按配置构造证明器，返回的关闭函数总是可以调用。
func buildProver(ctx context.Context, cfg config.ProverConfig) (proving.CircuitProver, func(), error) {
	switch cfg.Driver {
	case "simulated":
		return simulated.New(cfg.Simulated.Latency()), func() {}, nil
	case "jsonrpc":
		if cfg.EC2 != nil {
			return buildOnDemandProver(ctx, cfg)
		}
		client, err := rpcprover.Dial(ctx, cfg.Endpoint, rpcprover.WithTimeout(cfg.Timeout()))
		if err != nil {
			return nil, nil, err
		}
		readyCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout())
		defer cancel()
		if err := client.WaitReady(readyCtx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidConfiguration, fmt.Sprintf("unknown prover driver %q", cfg.Driver))
	}
}

func buildOnDemandProver(ctx context.Context, cfg config.ProverConfig) (proving.CircuitProver, func(), error) {
	controller, err := ec2.NewController(ctx, cfg.EC2.Region, cfg.EC2.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	timeout := cfg.Timeout()
	dial := func(ctx context.Context, endpoint string) (ec2.Backend, error) {
		client, err := rpcprover.Dial(ctx, endpoint, rpcprover.WithTimeout(timeout))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	opts := []ec2.Option{
		ec2.WithEndpoint(cfg.EC2.Scheme, cfg.EC2.Port),
		ec2.WithReadyTimeout(cfg.ReadyTimeout()),
	}
	if cfg.EC2.StopWhenIdle != nil {
		opts = append(opts, ec2.WithStopWhenIdle(*cfg.EC2.StopWhenIdle))
	}
	prover := ec2.NewOnDemand(controller, dial, opts...)
	return prover, prover.Close, nil
}

// buildJobSource 按配置构造任务源。
func buildJobSource(ctx context.Context, cfg config.JobSourceConfig) (jobsource.Broker, error) {
	opts := jobsource.Options{
		MaxRetries:    cfg.MaxRetries,
		InProgressTTL: cfg.InProgressTTL(),
	}
	var (
		broker jobsource.Broker
		err    error
	)
	switch cfg.Driver {
	case "memory":
		broker = jobsource.NewMemoryQueue(opts)
	case "redis":
		broker, err = newRedis(ctx, jobsource.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Options:  opts,
		})
	case "rabbitmq":
		broker, err = newRabbitMQ(jobsource.RabbitMQConfig{
			URL:         cfg.RabbitMQ.URL,
			Queue:       cfg.RabbitMQ.Queue,
			ResultQueue: cfg.RabbitMQ.ResultQueue,
			Durable:     cfg.RabbitMQ.Durable,
			Options:     opts,
		})
	case "mysql":
		broker, err = newMySQL(ctx, jobsource.MySQLConfig{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			Options:         opts,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, fmt.Sprintf("unknown job source driver %q", cfg.Driver))
	}
	if err != nil {
		return nil, err
	}
	return broker, nil
}

// 以下包装避免把 nil 指针装进非 nil 的接口值。

func newRedis(ctx context.Context, cfg jobsource.RedisConfig) (jobsource.Broker, error) {
	q, err := jobsource.NewRedisQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func newRabbitMQ(cfg jobsource.RabbitMQConfig) (jobsource.Broker, error) {
	q, err := jobsource.NewRabbitMQQueue(cfg)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func newMySQL(ctx context.Context, cfg jobsource.MySQLConfig) (jobsource.Broker, error) {
	q, err := jobsource.NewMySQLQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return q, nil
}
