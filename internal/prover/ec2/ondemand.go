package ec2

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"OpenMCP-Prover/internal/proving"
	"OpenMCP-Prover/pkg/logger"
)

// Backend 是实例上运行的证明服务客户端。
type Backend interface {
	proving.CircuitProver
	WaitReady(ctx context.Context) error
	Close()
}

// DialFunc 根据实例地址建立证明服务连接。
type DialFunc func(ctx context.Context, endpoint string) (Backend, error)

const defaultReadyTimeout = 5 * time.Minute

// OnDemand 在有证明任务时启动 EC2 实例，任务全部完成后停止实例。
type OnDemand struct {
	controller   *Controller
	dial         DialFunc
	scheme       string
	port         int
	stopWhenIdle bool
	readyTimeout time.Duration
	logger       *slog.Logger

	// lifecycle 串行化实例的启动、连接与停止。
	lifecycle sync.Mutex

	mu       sync.Mutex
	inFlight int
	backend  Backend
	endpoint string
}

// Option 定义可选的 OnDemand 配置。
type Option func(*OnDemand)

// WithEndpoint 设置证明服务的协议与端口。
func WithEndpoint(scheme string, port int) Option {
	return func(o *OnDemand) {
		if scheme != "" {
			o.scheme = scheme
		}
		if port > 0 {
			o.port = port
		}
	}
}

// WithStopWhenIdle 决定没有在途证明时是否停止实例，默认停止。
func WithStopWhenIdle(stop bool) Option {
	return func(o *OnDemand) {
		o.stopWhenIdle = stop
	}
}

// WithReadyTimeout 设置等待证明服务就绪的最长时间。
func WithReadyTimeout(d time.Duration) Option {
	return func(o *OnDemand) {
		if d > 0 {
			o.readyTimeout = d
		}
	}
}

// NewOnDemand 创建按需启停的证明器。
func NewOnDemand(controller *Controller, dial DialFunc, opts ...Option) *OnDemand {
	o := &OnDemand{
		controller:   controller,
		dial:         dial,
		scheme:       "http",
		port:         3030,
		stopWhenIdle: true,
		readyTimeout: defaultReadyTimeout,
		logger:       logger.Named("ec2-prover"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func (o *OnDemand) GetPublicKernelProof(ctx context.Context, kernelType proving.PublicKernelType, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return o.with(ctx, func(b Backend) (*proving.ProvingRequestResult, error) {
		return b.GetPublicKernelProof(ctx, kernelType, inputs)
	})
}

func (o *OnDemand) GetPublicTailProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return o.with(ctx, func(b Backend) (*proving.ProvingRequestResult, error) {
		return b.GetPublicTailProof(ctx, inputs)
	})
}

func (o *OnDemand) GetBaseRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return o.with(ctx, func(b Backend) (*proving.ProvingRequestResult, error) {
		return b.GetBaseRollupProof(ctx, inputs)
	})
}

func (o *OnDemand) GetMergeRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return o.with(ctx, func(b Backend) (*proving.ProvingRequestResult, error) {
		return b.GetMergeRollupProof(ctx, inputs)
	})
}

func (o *OnDemand) GetRootRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return o.with(ctx, func(b Backend) (*proving.ProvingRequestResult, error) {
		return b.GetRootRollupProof(ctx, inputs)
	})
}

func (o *OnDemand) GetBaseParityProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return o.with(ctx, func(b Backend) (*proving.ProvingRequestResult, error) {
		return b.GetBaseParityProof(ctx, inputs)
	})
}

func (o *OnDemand) GetRootParityProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return o.with(ctx, func(b Backend) (*proving.ProvingRequestResult, error) {
		return b.GetRootParityProof(ctx, inputs)
	})
}

func (o *OnDemand) GetEmptyPrivateKernelProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return o.with(ctx, func(b Backend) (*proving.ProvingRequestResult, error) {
		return b.GetEmptyPrivateKernelProof(ctx, inputs)
	})
}

// InFlight 返回正在进行的证明数量。
func (o *OnDemand) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight
}

// Close 关闭当前连接，不改变实例状态。
func (o *OnDemand) Close() {
	o.mu.Lock()
	backend := o.backend
	o.backend = nil
	o.endpoint = ""
	o.mu.Unlock()
	if backend != nil {
		backend.Close()
	}
}

func (o *OnDemand) with(ctx context.Context, call func(Backend) (*proving.ProvingRequestResult, error)) (*proving.ProvingRequestResult, error) {
	o.mu.Lock()
	o.inFlight++
	o.mu.Unlock()
	defer o.release(context.WithoutCancel(ctx))

	backend, err := o.ensureBackend(ctx)
	if err != nil {
		return nil, err
	}
	return call(backend)
}

func (o *OnDemand) ensureBackend(ctx context.Context) (Backend, error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if err := o.controller.StartIfNotRunning(ctx); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s://%s:%d", o.scheme, o.controller.IPAddress(), o.port)

	o.mu.Lock()
	if o.backend != nil && o.endpoint == endpoint {
		backend := o.backend
		o.mu.Unlock()
		return backend, nil
	}
	o.mu.Unlock()

	backend, err := o.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	readyCtx, cancel := context.WithTimeout(ctx, o.readyTimeout)
	defer cancel()
	if err := backend.WaitReady(readyCtx); err != nil {
		backend.Close()
		return nil, err
	}
	o.logger.Info("connected to prover instance", slog.String("endpoint", endpoint))

	o.mu.Lock()
	previous := o.backend
	o.backend = backend
	o.endpoint = endpoint
	o.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return backend, nil
}

func (o *OnDemand) release(ctx context.Context) {
	o.mu.Lock()
	o.inFlight--
	idle := o.inFlight == 0
	o.mu.Unlock()
	if !idle || !o.stopWhenIdle {
		return
	}

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	o.mu.Lock()
	if o.inFlight != 0 {
		o.mu.Unlock()
		return
	}
	backend := o.backend
	o.backend = nil
	o.endpoint = ""
	o.mu.Unlock()

	if backend != nil {
		backend.Close()
	}
	o.controller.StopIfRunning(ctx)
}

var _ proving.CircuitProver = (*OnDemand)(nil)
