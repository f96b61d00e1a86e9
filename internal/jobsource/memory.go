package jobsource

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

// MemoryQueue 是进程内的 FIFO 任务源，适合单机运行与测试。
type MemoryQueue struct {
	mu      sync.Mutex
	opts    Options
	records map[proving.JobID]*Record
	pending []proving.JobID
	done    map[proving.JobID]chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryQueue 创建内存任务源。
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		records: make(map[proving.JobID]*Record),
		done:    make(map[proving.JobID]chan struct{}),
		now:     time.Now,
	}
}

// Enqueue 投递任务。
func (q *MemoryQueue) Enqueue(ctx context.Context, req proving.ProvingRequest) (proving.JobID, error) {
	id, _, err := q.enqueue(ctx, req)
	return id, err
}

func (q *MemoryQueue) enqueue(ctx context.Context, req proving.ProvingRequest) (proving.JobID, <-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if err := validateRequest(req); err != nil {
		return "", nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", nil, errClosed()
	}
	id := proving.JobID(uuid.NewString())
	now := q.now().UnixMilli()
	q.records[id] = &Record{
		ID:         id,
		Request:    req,
		Digest:     proving.RequestDigest(req),
		Status:     StatusPending,
		MaxRetries: q.opts.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.pending = append(q.pending, id)
	done := make(chan struct{})
	q.done[id] = done
	return id, done, nil
}

// GetProvingJob 按投递顺序取出下一个待处理任务。
func (q *MemoryQueue) GetProvingJob(ctx context.Context) (*proving.ProvingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errClosed()
	}
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		rec, ok := q.records[id]
		if !ok || rec.Status != StatusPending {
			continue
		}
		rec.Status = StatusInProgress
		rec.Attempts++
		rec.UpdatedAt = q.now().UnixMilli()
		return &proving.ProvingJob{ID: id, Request: rec.Request}, nil
	}
	return nil, nil
}

// ResolveProvingJob 记录任务结果。
func (q *MemoryQueue) ResolveProvingJob(_ context.Context, id proving.JobID, result *proving.ProvingRequestResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.inProgress(id)
	if err != nil {
		return err
	}
	rec.Status = StatusResolved
	rec.Result = result
	rec.LastError = ""
	rec.UpdatedAt = q.now().UnixMilli()
	q.finish(id)
	return nil
}

// RejectProvingJob 记录失败；尝试次数未用尽时任务重新入队。
func (q *MemoryQueue) RejectProvingJob(_ context.Context, id proving.JobID, provingErr *proving.ProvingError) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.inProgress(id)
	if err != nil {
		return err
	}
	q.fail(rec, provingErr.Error())
	return nil
}

// Reap 将超时的处理中任务重新入队，返回处理的任务数。
func (q *MemoryQueue) Reap(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if q.opts.InProgressTTL <= 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-q.opts.InProgressTTL).UnixMilli()
	reaped := 0
	for _, rec := range q.records {
		if rec.Status == StatusInProgress && rec.UpdatedAt < cutoff {
			q.fail(rec, timeoutMessage)
			reaped++
		}
	}
	return reaped, nil
}

// Get 返回任务记录的副本。
func (q *MemoryQueue) Get(_ context.Context, id proving.JobID) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return nil, errJobNotFound(id)
	}
	cp := *rec
	return &cp, nil
}

// Len 返回待处理任务数量。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.pending {
		if rec, ok := q.records[id]; ok && rec.Status == StatusPending {
			n++
		}
	}
	return n
}

// Prove 投递任务并等待其进入终态。任务被拒绝时返回 PROVING_FAILURE，
// 其 cause 为 *proving.ProvingError。
func (q *MemoryQueue) Prove(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
	id, done, err := q.enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	q.mu.Lock()
	rec := *q.records[id]
	q.mu.Unlock()
	switch rec.Status {
	case StatusResolved:
		return rec.Result, nil
	case StatusRejected:
		return nil, xerrors.Wrap(xerrors.CodeProvingFailure, proving.NewProvingError(rec.LastError), "proving job rejected",
			xerrors.WithMetadata("job_id", string(id)))
	default:
		return nil, xerrors.New(xerrors.CodeJobSourceFailure, "job source closed before the job completed")
	}
}

// Close 关闭任务源，并唤醒所有等待中的 Prove 调用。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, done := range q.done {
		close(done)
		delete(q.done, id)
	}
	return nil
}

func (q *MemoryQueue) inProgress(id proving.JobID) (*Record, error) {
	rec, ok := q.records[id]
	if !ok {
		return nil, errJobNotFound(id)
	}
	if rec.Status != StatusInProgress {
		return nil, errJobNotInProgress(id, rec.Status)
	}
	return rec, nil
}

// fail 要求调用方持有锁。
func (q *MemoryQueue) fail(rec *Record, message string) {
	rec.LastError = message
	rec.Status = afterFailure(rec.Attempts, rec.MaxRetries)
	rec.UpdatedAt = q.now().UnixMilli()
	if rec.Status == StatusPending {
		q.pending = append(q.pending, rec.ID)
		return
	}
	q.finish(rec.ID)
}

func (q *MemoryQueue) finish(id proving.JobID) {
	if done, ok := q.done[id]; ok {
		close(done)
		delete(q.done, id)
	}
}
