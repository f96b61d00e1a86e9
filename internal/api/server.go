package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"

	"OpenMCP-Prover/internal/agent"
	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/jobsource"
	"OpenMCP-Prover/internal/proving"
	"OpenMCP-Prover/pkg/logger"
)

// Jobs 是 API 依赖的任务源生产者接口。
type Jobs interface {
	Enqueue(ctx context.Context, req proving.ProvingRequest) (proving.JobID, error)
	Get(ctx context.Context, id proving.JobID) (*jobsource.Record, error)
}

// AgentControl 是 API 依赖的代理控制接口。
type AgentControl interface {
	State() agent.State
	InFlight() int
	MaxConcurrency() int
	SetMaxConcurrency(n int) error
}

// Server 负责暴露 REST 接口，用于投递证明任务与调整代理。
type Server struct {
	addr   string
	agent  AgentControl
	jobs   Jobs
	engine *gin.Engine
	logger *slog.Logger
}

// Option 定义可选的服务配置。
type Option func(*options)

type options struct {
	meter metric.Meter
}

// WithMeter 指定记录 HTTP 指标的 Meter，默认使用全局 MeterProvider。
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag AgentControl, jobs Jobs, opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	s := &Server{
		addr:   addr,
		agent:  ag,
		jobs:   jobs,
		engine: gin.New(),
		logger: logger.Named("api"),
	}
	s.engine.Use(gin.Recovery(), newHTTPMetrics(o.meter).middleware(), s.accessLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/jobs", s.createJob)
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/agent", s.agentStatus)
		v1.PUT("/agent/concurrency", s.setConcurrency)
	}
}

// Handler 返回路由后的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api server listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "api server stopped")
		}
		return nil
	}
}

type createJobRequest struct {
	Type       string          `json:"type" binding:"required"`
	KernelType string          `json:"kernel_type"`
	Inputs     json.RawMessage `json:"inputs"`
}

func (s *Server) createJob(c *gin.Context) {
	var body createJobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"))
		return
	}
	requestType, err := proving.ParseRequestType(body.Type)
	if err != nil {
		s.fail(c, xerrors.Wrap(xerrors.CodeInvalidRequestKind, err, "invalid proving request type: "+body.Type))
		return
	}
	var kernelType proving.PublicKernelType
	if err := kernelType.UnmarshalText([]byte(body.KernelType)); err != nil {
		s.fail(c, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid kernel type"))
		return
	}

	id, err := s.jobs.Enqueue(c.Request.Context(), proving.ProvingRequest{
		Type:       requestType,
		KernelType: kernelType,
		Inputs:     body.Inputs,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) getJob(c *gin.Context) {
	record, err := s.jobs.Get(c.Request.Context(), proving.JobID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type agentStatus struct {
	State          string `json:"state"`
	InFlight       int    `json:"in_flight"`
	MaxConcurrency int    `json:"max_concurrency"`
}

func (s *Server) agentStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status())
}

type concurrencyRequest struct {
	MaxConcurrency *int `json:"max_concurrency" binding:"required"`
}

func (s *Server) setConcurrency(c *gin.Context) {
	var body concurrencyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"))
		return
	}
	if err := s.agent.SetMaxConcurrency(*body.MaxConcurrency); err != nil {
		s.fail(c, err)
		return
	}
	logger.Audit().Info("max concurrency changed", slog.Int("max_concurrency", *body.MaxConcurrency))
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) health(c *gin.Context) {
	state := s.agent.State()
	code := http.StatusOK
	if state != agent.StateRunning {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": state.String()})
}

func (s *Server) status() agentStatus {
	return agentStatus{
		State:          s.agent.State().String(),
		InFlight:       s.agent.InFlight(),
		MaxConcurrency: s.agent.MaxConcurrency(),
	}
}

// fail 将错误码映射为 HTTP 状态并输出统一的错误结构。
func (s *Server) fail(c *gin.Context, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed",
			slog.String("path", c.FullPath()),
			slog.String("code", string(code)),
			slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": err.Error()})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidRequestKind, xerrors.CodeInvalidConfiguration:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeJobSourceFailure, xerrors.CodeProverUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}
