package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/pkg/logger"
)

// Config 描述证明代理进程启动时需要加载的全部配置。
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Prover    ProverConfig    `yaml:"prover"`
	JobSource JobSourceConfig `yaml:"job_source"`
	Server    ServerConfig    `yaml:"server"`
	Logging   logger.Config   `yaml:"logging"`
}

// AgentConfig 控制调度循环。
type AgentConfig struct {
	MaxConcurrency     int   `yaml:"max_concurrency"`
	PollIntervalMS     int   `yaml:"poll_interval_ms"`
	DrainOnStop        *bool `yaml:"drain_on_stop"`
	StopTimeoutSeconds int   `yaml:"stop_timeout_seconds"`
}

// PollInterval 返回拉取间隔。
func (a AgentConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalMS) * time.Millisecond
}

// StopTimeout 返回停止时等待在途任务的最长时间。
func (a AgentConfig) StopTimeout() time.Duration {
	return time.Duration(a.StopTimeoutSeconds) * time.Second
}

// Drain 判断停止时是否等待在途任务。
func (a AgentConfig) Drain() bool {
	return a.DrainOnStop == nil || *a.DrainOnStop
}

// ProverConfig 选择证明后端。
type ProverConfig struct {
	// Driver 取值 jsonrpc 或 simulated。
	Driver              string          `yaml:"driver"`
	Endpoint            string          `yaml:"endpoint"`
	TimeoutSeconds      int             `yaml:"timeout_seconds"`
	ReadyTimeoutSeconds int             `yaml:"ready_timeout_seconds"`
	Simulated           SimulatedConfig `yaml:"simulated"`
	EC2                 *EC2Config      `yaml:"ec2"`
}

// Timeout 返回单次证明调用的超时时间。
func (p ProverConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ReadyTimeout 返回等待证明服务就绪的最长时间。
func (p ProverConfig) ReadyTimeout() time.Duration {
	return time.Duration(p.ReadyTimeoutSeconds) * time.Second
}

// SimulatedConfig 配置本地模拟证明器。
type SimulatedConfig struct {
	LatencyMS int `yaml:"latency_ms"`
}

// Latency 返回模拟延迟。
func (s SimulatedConfig) Latency() time.Duration {
	return time.Duration(s.LatencyMS) * time.Millisecond
}

// EC2Config 配置按需启停的证明实例。
type EC2Config struct {
	Region       string `yaml:"region"`
	InstanceID   string `yaml:"instance_id"`
	Scheme       string `yaml:"scheme"`
	Port         int    `yaml:"port"`
	StopWhenIdle *bool  `yaml:"stop_when_idle"`
}

// JobSourceConfig 选择任务源。
type JobSourceConfig struct {
	// Driver 取值 memory、redis、rabbitmq 或 mysql。
	Driver               string         `yaml:"driver"`
	MaxRetries           int            `yaml:"max_retries"`
	InProgressTTLSeconds int            `yaml:"in_progress_ttl_seconds"`
	ReapIntervalSeconds  int            `yaml:"reap_interval_seconds"`
	Redis                RedisConfig    `yaml:"redis"`
	RabbitMQ             RabbitMQConfig `yaml:"rabbitmq"`
	MySQL                MySQLConfig    `yaml:"mysql"`
}

// InProgressTTL 返回处理中任务的超时时间。
func (j JobSourceConfig) InProgressTTL() time.Duration {
	return time.Duration(j.InProgressTTLSeconds) * time.Second
}

// ReapInterval 返回超时回收的执行间隔。
func (j JobSourceConfig) ReapInterval() time.Duration {
	return time.Duration(j.ReapIntervalSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL         string `yaml:"url"`
	Queue       string `yaml:"queue"`
	ResultQueue string `yaml:"result_queue"`
	Durable     bool   `yaml:"durable"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// ServerConfig 控制 HTTP API 的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// Default 返回全部使用默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// Load 解析指定路径的 YAML 配置文件，补齐默认值并校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfiguration, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfiguration, err, "读取配置文件失败")
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfiguration, err, "解析配置失败")
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Agent.MaxConcurrency == 0 {
		c.Agent.MaxConcurrency = 1
	}
	if c.Agent.PollIntervalMS == 0 {
		c.Agent.PollIntervalMS = 100
	}
	if c.Agent.StopTimeoutSeconds == 0 {
		c.Agent.StopTimeoutSeconds = 30
	}

	c.Prover.Driver = strings.ToLower(strings.TrimSpace(c.Prover.Driver))
	if c.Prover.Driver == "" {
		c.Prover.Driver = "simulated"
	}
	if c.Prover.TimeoutSeconds == 0 {
		c.Prover.TimeoutSeconds = 600
	}
	if c.Prover.ReadyTimeoutSeconds == 0 {
		c.Prover.ReadyTimeoutSeconds = 300
	}
	if ec2 := c.Prover.EC2; ec2 != nil {
		if ec2.Scheme == "" {
			ec2.Scheme = "http"
		}
		if ec2.Port == 0 {
			ec2.Port = 3030
		}
	}

	c.JobSource.Driver = strings.ToLower(strings.TrimSpace(c.JobSource.Driver))
	if c.JobSource.Driver == "" {
		c.JobSource.Driver = "memory"
	}
	if c.JobSource.MaxRetries == 0 {
		c.JobSource.MaxRetries = 1
	}
	if c.JobSource.ReapIntervalSeconds == 0 {
		c.JobSource.ReapIntervalSeconds = 30
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join("logs", "audit.log")
		}
		if baseDir != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}

// Validate 检查配置是否完整一致。
func (c *Config) Validate() error {
	var problems []string
	if c.Agent.MaxConcurrency < 1 {
		problems = append(problems, fmt.Sprintf("agent.max_concurrency must be at least 1, got %d", c.Agent.MaxConcurrency))
	}
	if c.Agent.PollIntervalMS < 0 {
		problems = append(problems, "agent.poll_interval_ms must not be negative")
	}

	switch c.Prover.Driver {
	case "simulated":
	case "jsonrpc":
		if c.Prover.Endpoint == "" && c.Prover.EC2 == nil {
			problems = append(problems, "prover.endpoint is required for the jsonrpc driver unless prover.ec2 is set")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown prover.driver %q", c.Prover.Driver))
	}
	if ec2 := c.Prover.EC2; ec2 != nil {
		if c.Prover.Driver != "jsonrpc" {
			problems = append(problems, "prover.ec2 requires the jsonrpc driver")
		}
		if ec2.Region == "" || ec2.InstanceID == "" {
			problems = append(problems, "prover.ec2.region and prover.ec2.instance_id are required")
		}
	}

	switch c.JobSource.Driver {
	case "memory":
	case "redis":
		if c.JobSource.Redis.Address == "" {
			problems = append(problems, "job_source.redis.address is required")
		}
	case "rabbitmq":
		if c.JobSource.RabbitMQ.URL == "" {
			problems = append(problems, "job_source.rabbitmq.url is required")
		}
	case "mysql":
		if c.JobSource.MySQL.DSN == "" {
			problems = append(problems, "job_source.mysql.dsn is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown job_source.driver %q", c.JobSource.Driver))
	}
	if c.JobSource.MaxRetries < 1 {
		problems = append(problems, "job_source.max_retries must be at least 1")
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
