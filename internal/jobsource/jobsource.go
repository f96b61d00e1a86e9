package jobsource

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

// Status 表示证明任务在任务源中的生命周期状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// timeoutMessage 是超时回收任务时记录的错误信息。
const timeoutMessage = "proving job timed out"

// Record 描述任务源保存的一条任务记录。时间戳为毫秒。
type Record struct {
	ID         proving.JobID                 `json:"id"`
	Request    proving.ProvingRequest        `json:"request"`
	Digest     common.Hash                   `json:"digest"`
	Status     Status                        `json:"status"`
	Attempts   int                           `json:"attempts"`
	MaxRetries int                           `json:"max_retries"`
	Result     *proving.ProvingRequestResult `json:"result,omitempty"`
	LastError  string                        `json:"last_error,omitempty"`
	CreatedAt  int64                         `json:"created_at"`
	UpdatedAt  int64                         `json:"updated_at"`
}

// Broker 在代理所需的拉取接口之外，提供生产者侧的投递与查询能力。
type Broker interface {
	GetProvingJob(ctx context.Context) (*proving.ProvingJob, error)
	ResolveProvingJob(ctx context.Context, id proving.JobID, result *proving.ProvingRequestResult) error
	RejectProvingJob(ctx context.Context, id proving.JobID, provingErr *proving.ProvingError) error

	// Enqueue 投递一个新任务并返回其 ID。
	Enqueue(ctx context.Context, req proving.ProvingRequest) (proving.JobID, error)
	// Get 查询任务记录。
	Get(ctx context.Context, id proving.JobID) (*Record, error)
	Close() error
}

// Reaper 由支持超时回收的任务源实现。
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Options 是各任务源共享的重试参数。
type Options struct {
	// MaxRetries 为单个任务允许的最大尝试次数，至少为 1。
	MaxRetries int `yaml:"max_retries"`
	// InProgressTTL 为处理中任务的超时时间，超过后由 Reap 重新入队；0 表示不回收。
	InProgressTTL time.Duration `yaml:"-"`
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	if o.InProgressTTL < 0 {
		o.InProgressTTL = 0
	}
	return o
}

func validateRequest(req proving.ProvingRequest) error {
	if !req.Type.Valid() {
		return xerrors.New(xerrors.CodeInvalidRequestKind,
			fmt.Sprintf("invalid proving request type: %s", req.Type))
	}
	return nil
}

// afterFailure 根据尝试次数决定失败任务重新入队还是进入终态。
func afterFailure(attempts, maxRetries int) Status {
	if attempts < maxRetries {
		return StatusPending
	}
	return StatusRejected
}

func errJobNotFound(id proving.JobID) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("proving job %s not found", id))
}

func errJobNotInProgress(id proving.JobID, status Status) error {
	return xerrors.New(xerrors.CodeConflict,
		fmt.Sprintf("proving job %s is %s, not in progress", id, status),
		xerrors.WithSeverity(xerrors.SeverityWarning))
}

func errClosed() error {
	return xerrors.New(xerrors.CodeJobSourceFailure, "job source is closed")
}
