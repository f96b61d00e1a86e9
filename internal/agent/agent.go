package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/observability/alerting"
	"OpenMCP-Prover/internal/proving"
	"OpenMCP-Prover/pkg/logger"
)

// JobSource 是代理消费的拉取式任务源。
type JobSource interface {
	// GetProvingJob 返回一个就绪任务；当前没有任务时返回 nil, nil。
	GetProvingJob(ctx context.Context) (*proving.ProvingJob, error)
	// ResolveProvingJob 上报任务成功。
	ResolveProvingJob(ctx context.Context, id proving.JobID, result *proving.ProvingRequestResult) error
	// RejectProvingJob 上报任务失败。
	RejectProvingJob(ctx context.Context, id proving.JobID, provingErr *proving.ProvingError) error
}

// State 表示调度循环的生命周期阶段。
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultMaxConcurrency = 1
	defaultPollInterval   = 100 * time.Millisecond
)

// Agent 从任务源拉取证明任务，限制并发并把结果回报给任务源。
type Agent struct {
	router       atomic.Pointer[Router]
	governor     *governor
	pollInterval time.Duration
	drainOnStop  bool
	logger       *slog.Logger
	metrics      *agentMetrics
	alerter      alerting.Dispatcher

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	loopDone chan struct{}
}

type options struct {
	maxConcurrency int
	pollInterval   time.Duration
	drainOnStop    bool
	logger         *slog.Logger
	meter          metric.Meter
	alerter        alerting.Dispatcher
}

// Option 定义可选的 Agent 配置。
type Option func(*options)

// WithMaxConcurrency 设置同时处理的任务上限。
func WithMaxConcurrency(n int) Option {
	return func(o *options) {
		o.maxConcurrency = n
	}
}

// WithPollInterval 设置任务源无任务时两次拉取之间的间隔。
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithDrainOnStop 决定 Stop 是否等待在途任务全部完成，默认等待。
func WithDrainOnStop(drain bool) Option {
	return func(o *options) {
		o.drainOnStop = drain
	}
}

// WithLogger 指定生命周期日志的输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMeter 指定记录指标使用的 Meter。
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithAlertDispatcher 配置任务被拒绝时的告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *options) {
		o.alerter = d
	}
}

// New 构造 Agent。
func New(prover proving.CircuitProver, opts ...Option) (*Agent, error) {
	o := options{
		maxConcurrency: defaultMaxConcurrency,
		pollInterval:   defaultPollInterval,
		drainOnStop:    true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.pollInterval < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration,
			fmt.Sprintf("poll interval must not be negative, got %s", o.pollInterval))
	}
	gov, err := newGovernor(o.maxConcurrency)
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(prover)
	if err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = logger.Named("prover-agent")
	}

	a := &Agent{
		governor:     gov,
		pollInterval: o.pollInterval,
		drainOnStop:  o.drainOnStop,
		logger:       o.logger,
		metrics:      newAgentMetrics(o.meter),
		alerter:      o.alerter,
		state:        StateIdle,
	}
	a.router.Store(router)
	return a, nil
}

// SetMaxConcurrency 修改并发上限，下一轮调度生效，不取消在途任务。
func (a *Agent) SetMaxConcurrency(n int) error {
	if err := a.governor.setLimit(n); err != nil {
		return err
	}
	a.logger.Info("max concurrency updated", slog.Int("max_concurrency", n))
	return nil
}

// MaxConcurrency 返回当前的并发上限。
func (a *Agent) MaxConcurrency() int {
	return a.governor.maxConcurrency()
}

// SetCircuitProver 替换证明器。已派发的任务继续使用派发时的实例。
func (a *Agent) SetCircuitProver(prover proving.CircuitProver) error {
	router, err := NewRouter(prover)
	if err != nil {
		return err
	}
	a.router.Store(router)
	a.logger.Info("circuit prover replaced", slog.String("prover", fmt.Sprintf("%T", prover)))
	return nil
}

// InFlight 返回当前在途任务数量。
func (a *Agent) InFlight() int {
	return a.governor.size()
}

// State 返回生命周期阶段。
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsRunning 判断调度循环是否在拉取任务。
func (a *Agent) IsRunning() bool {
	return a.State() == StateRunning
}

// Start 针对给定任务源启动调度循环。循环已存在时返回 ALREADY_RUNNING。
// ctx 结束同样会终止循环；在途任务使用不随 Stop 取消的上下文。
func (a *Agent) Start(ctx context.Context, source JobSource) error {
	if source == nil {
		return xerrors.New(xerrors.CodeInvalidConfiguration, "job source is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRunning || a.state == StateStopping {
		return xerrors.New(xerrors.CodeAlreadyRunning, fmt.Sprintf("agent is already %s", a.state))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.loopDone = done
	a.state = StateRunning

	a.logger.Info("prover agent started",
		slog.Int("max_concurrency", a.governor.maxConcurrency()),
		slog.Duration("poll_interval", a.pollInterval),
	)
	go a.loop(loopCtx, source, done)
	return nil
}

// Stop 停止拉取新任务并等待调度循环退出；从未启动时直接返回。
// 启用 drain-on-stop 时还会等待在途任务完成，ctx 到期则返回 ctx.Err()，
// 此时在途任务仍在后台继续执行。并发或重复调用同样等待上述条件满足。
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateIdle:
		a.mu.Unlock()
		return nil
	case StateStopping, StateStopped:
		done := a.loopDone
		a.mu.Unlock()
		return a.awaitStopped(ctx, done)
	}
	a.state = StateStopping
	cancel, done := a.cancel, a.loopDone
	a.mu.Unlock()

	cancel()
	if err := a.awaitLoop(ctx, done); err != nil {
		return err
	}

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	a.logger.Info("prover agent stopped", slog.Int("in_flight", a.governor.size()))

	if !a.drainOnStop {
		return nil
	}
	return a.governor.wait(ctx)
}

// awaitStopped 供后续的 Stop 调用使用：等待同一个调度循环退出，必要时再等待排空。
func (a *Agent) awaitStopped(ctx context.Context, done <-chan struct{}) error {
	if err := a.awaitLoop(ctx, done); err != nil {
		return err
	}
	if !a.drainOnStop {
		return nil
	}
	return a.governor.wait(ctx)
}

func (a *Agent) awaitLoop(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) loop(ctx context.Context, source JobSource, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		if a.loopDone == done && (a.state == StateRunning || a.state == StateStopping) {
			a.state = StateStopped
		}
		a.mu.Unlock()
		close(done)
	}()

	jobCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		a.pullAvailable(ctx, jobCtx, source)
		timer.Reset(a.pollInterval)
	}
}

// pullAvailable 在有空闲容量时持续拉取任务，任务源为空或出错时结束本轮。
func (a *Agent) pullAvailable(ctx, jobCtx context.Context, source JobSource) {
	for a.governor.hasCapacity() {
		if ctx.Err() != nil {
			return
		}
		job, err := source.GetProvingJob(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.metrics.sourceError(ctx, "get")
				a.logger.Warn("failed to pull proving job", slog.Any("error", err))
			}
			return
		}
		if job == nil {
			return
		}
		a.dispatch(jobCtx, source, job)
	}
}

func (a *Agent) dispatch(ctx context.Context, source JobSource, job *proving.ProvingJob) {
	router := a.router.Load()
	if !a.governor.acquire(job.ID) {
		a.logger.Warn("proving job already in flight, skipping duplicate",
			slog.String("job_id", string(job.ID)),
			slog.String("job_type", job.Request.Type.String()),
		)
		return
	}
	a.metrics.dispatched(ctx)
	go a.work(ctx, source, router, *job)
}

func (a *Agent) work(ctx context.Context, source JobSource, router *Router, job proving.ProvingJob) {
	defer a.governor.release(job.ID)

	start := time.Now()
	result, err := a.prove(ctx, router, job)
	elapsed := time.Since(start)
	jobType := job.Request.Type.String()

	if err == nil {
		if ackErr := source.ResolveProvingJob(ctx, job.ID, result); ackErr != nil {
			a.metrics.sourceError(ctx, "resolve")
			a.logger.Error("failed to resolve proving job",
				slog.Any("error", ackErr),
				slog.String("job_id", string(job.ID)),
			)
		}
		a.metrics.completed(ctx, job.Request.Type, "resolved", elapsed)
		logger.Audit().Info("proving job resolved",
			slog.String("job_id", string(job.ID)),
			slog.String("job_type", jobType),
			slog.Duration("duration", elapsed),
		)
		return
	}

	provingErr := proving.ProvingErrorFrom(err)
	logger.Audit().Error("proving job failed",
		slog.String("job_id", string(job.ID)),
		slog.String("job_type", jobType),
		slog.Duration("duration", elapsed),
		slog.String("error", err.Error()),
	)
	if nackErr := source.RejectProvingJob(ctx, job.ID, provingErr); nackErr != nil {
		a.metrics.sourceError(ctx, "reject")
		a.logger.Error("failed to reject proving job",
			slog.Any("error", nackErr),
			slog.String("job_id", string(job.ID)),
		)
	}
	a.metrics.completed(ctx, job.Request.Type, "rejected", elapsed)
	a.emitAlert(ctx, job, err, provingErr)
}

// prove 调用路由表，并把 panic 与空结果转换为普通错误。
func (a *Agent) prove(ctx context.Context, router *Router, job proving.ProvingJob) (result *proving.ProvingRequestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("proving operation panicked",
				slog.String("job_id", string(job.ID)),
				slog.String("job_type", job.Request.Type.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	result, err = router.Route(ctx, job.Request)
	if err == nil && result == nil {
		err = xerrors.New(xerrors.CodeProvingFailure, "prover returned no result")
	}
	return result, err
}

func (a *Agent) emitAlert(ctx context.Context, job proving.ProvingJob, cause error, provingErr *proving.ProvingError) {
	if a.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeProvingFailure
	}
	event := alerting.Event{
		Code:       code,
		Message:    "proving job rejected",
		Severity:   xerrors.AttributesOf(code).Severity,
		JobID:      string(job.ID),
		JobType:    job.Request.Type.String(),
		Metadata:   map[string]string{"cause": provingErr.Message},
		OccurredAt: time.Now(),
	}
	if err := a.alerter.Notify(ctx, event); err != nil {
		a.logger.Error("alert notification failed",
			slog.Any("error", err),
			slog.String("job_id", string(job.ID)),
		)
	}
}
