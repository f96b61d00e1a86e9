package rpcprover

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
	"OpenMCP-Prover/pkg/logger"
)

// namespace 是证明服务暴露的 JSON-RPC 命名空间。
const namespace = "prover"

const (
	defaultTimeout      = 10 * time.Minute
	defaultReadyPolling = time.Second
)

// Client 通过 JSON-RPC 调用远端证明服务，实现 proving.CircuitProver。
type Client struct {
	rpc          *rpc.Client
	endpoint     string
	timeout      time.Duration
	readyPolling time.Duration
	logger       *slog.Logger
}

// Option 定义可选的客户端配置。
type Option func(*Client)

// WithTimeout 设置单次证明调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithReadyPolling 设置 WaitReady 两次探测之间的间隔。
func WithReadyPolling(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readyPolling = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial 连接证明服务，支持 http、ws 与 IPC 端点。
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, "prover endpoint 不能为空")
	}
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProverUnavailable, err, "连接证明服务失败",
			xerrors.WithMetadata("endpoint", endpoint))
	}
	return NewClient(c, endpoint, opts...), nil
}

// NewClient 基于已有的 rpc.Client 构造证明客户端。
func NewClient(c *rpc.Client, endpoint string, opts ...Option) *Client {
	client := &Client{
		rpc:          c,
		endpoint:     endpoint,
		timeout:      defaultTimeout,
		readyPolling: defaultReadyPolling,
		logger:       logger.Named("rpc-prover"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Endpoint 返回连接地址。
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Status 调用 prover_status。
func (c *Client) Status(ctx context.Context) (string, error) {
	var status string
	if err := c.rpc.CallContext(ctx, &status, namespace+"_status"); err != nil {
		return "", c.classify(err, "status")
	}
	return status, nil
}

// WaitReady 轮询 prover_status 直到服务应答或 ctx 结束。
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		status, err := c.Status(ctx)
		if err == nil {
			c.logger.Info("prover backend ready", slog.String("endpoint", c.endpoint), slog.String("status", status))
			return nil
		}
		c.logger.Debug("prover backend not ready", slog.String("endpoint", c.endpoint), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeProverUnavailable, ctx.Err(), "等待证明服务就绪超时",
				xerrors.WithMetadata("endpoint", c.endpoint))
		case <-time.After(c.readyPolling):
		}
	}
}

// Close 关闭底层连接。
func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) GetPublicKernelProof(ctx context.Context, kernelType proving.PublicKernelType, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return c.prove(ctx, proving.PublicKernelNonTail, "getPublicKernelProof", kernelType, inputs)
}

func (c *Client) GetPublicTailProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return c.prove(ctx, proving.PublicKernelTail, "getPublicTailProof", inputs)
}

func (c *Client) GetBaseRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return c.prove(ctx, proving.BaseRollup, "getBaseRollupProof", inputs)
}

func (c *Client) GetMergeRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return c.prove(ctx, proving.MergeRollup, "getMergeRollupProof", inputs)
}

func (c *Client) GetRootRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return c.prove(ctx, proving.RootRollup, "getRootRollupProof", inputs)
}

func (c *Client) GetBaseParityProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return c.prove(ctx, proving.BaseParity, "getBaseParityProof", inputs)
}

func (c *Client) GetRootParityProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return c.prove(ctx, proving.RootParity, "getRootParityProof", inputs)
}

func (c *Client) GetEmptyPrivateKernelProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return c.prove(ctx, proving.PrivateKernelEmpty, "getEmptyPrivateKernelProof", inputs)
}

func (c *Client) prove(ctx context.Context, t proving.RequestType, method string, args ...any) (*proving.ProvingRequestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result *proving.ProvingRequestResult
	if err := c.rpc.CallContext(ctx, &result, namespace+"_"+method, args...); err != nil {
		return nil, c.classify(err, method)
	}
	if result == nil {
		return nil, xerrors.New(xerrors.CodeProvingFailure, "prover returned an empty result",
			xerrors.WithMetadata("method", method))
	}
	result.Type = t
	return result, nil
}

// classify 将服务端返回的 JSON-RPC 错误转换为证明失败，保留原始信息；
// 其余错误视为证明服务不可用。
func (c *Client) classify(err error, method string) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return proving.NewProvingError(rpcErr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "证明调用超时",
			xerrors.WithMetadata("method", method), xerrors.WithMetadata("endpoint", c.endpoint))
	}
	return xerrors.Wrap(xerrors.CodeProverUnavailable, err, "调用证明服务失败",
		xerrors.WithMetadata("method", method), xerrors.WithMetadata("endpoint", c.endpoint))
}

var _ proving.CircuitProver = (*Client)(nil)
