package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"OpenMCP-Prover/internal/proving"
)

type proveHook func(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error)

// fakeProver 记录每次调用的任务类型，可为指定类型注入行为。
type fakeProver struct {
	mu          sync.Mutex
	calls       []proving.RequestType
	kernelTypes []proving.PublicKernelType
	hooks       map[proving.RequestType]proveHook
}

func newFakeProver() *fakeProver {
	return &fakeProver{hooks: make(map[proving.RequestType]proveHook)}
}

func (p *fakeProver) on(t proving.RequestType, hook proveHook) *fakeProver {
	p.mu.Lock()
	p.hooks[t] = hook
	p.mu.Unlock()
	return p
}

func (p *fakeProver) callsFor() []proving.RequestType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proving.RequestType(nil), p.calls...)
}

func (p *fakeProver) call(ctx context.Context, t proving.RequestType, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, t)
	hook := p.hooks[t]
	p.mu.Unlock()
	if hook != nil {
		return hook(ctx, inputs)
	}
	return &proving.ProvingRequestResult{Type: t, Proof: []byte{byte(t)}}, nil
}

func (p *fakeProver) GetPublicKernelProof(ctx context.Context, kernelType proving.PublicKernelType, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	p.mu.Lock()
	p.kernelTypes = append(p.kernelTypes, kernelType)
	p.mu.Unlock()
	return p.call(ctx, proving.PublicKernelNonTail, inputs)
}

func (p *fakeProver) GetPublicTailProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.call(ctx, proving.PublicKernelTail, inputs)
}

func (p *fakeProver) GetBaseRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.call(ctx, proving.BaseRollup, inputs)
}

func (p *fakeProver) GetMergeRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.call(ctx, proving.MergeRollup, inputs)
}

func (p *fakeProver) GetRootRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.call(ctx, proving.RootRollup, inputs)
}

func (p *fakeProver) GetBaseParityProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.call(ctx, proving.BaseParity, inputs)
}

func (p *fakeProver) GetRootParityProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.call(ctx, proving.RootParity, inputs)
}

func (p *fakeProver) GetEmptyPrivateKernelProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.call(ctx, proving.PrivateKernelEmpty, inputs)
}

// fakeSource 是内存中的任务源，记录拉取与回报。
type fakeSource struct {
	mu        sync.Mutex
	queue     []*proving.ProvingJob
	pullErrs  []error
	pulls     int
	resolved  map[proving.JobID]*proving.ProvingRequestResult
	rejected  map[proving.JobID]*proving.ProvingError
	completed int
	// pulledAfter 记录每个任务被拉取时已完成的任务数。
	pulledAfter map[proving.JobID]int
}

func newFakeSource(jobs ...*proving.ProvingJob) *fakeSource {
	return &fakeSource{
		queue:       jobs,
		resolved:    make(map[proving.JobID]*proving.ProvingRequestResult),
		rejected:    make(map[proving.JobID]*proving.ProvingError),
		pulledAfter: make(map[proving.JobID]int),
	}
}

func (s *fakeSource) push(jobs ...*proving.ProvingJob) {
	s.mu.Lock()
	s.queue = append(s.queue, jobs...)
	s.mu.Unlock()
}

func (s *fakeSource) GetProvingJob(context.Context) (*proving.ProvingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++
	if len(s.pullErrs) > 0 {
		err := s.pullErrs[0]
		s.pullErrs = s.pullErrs[1:]
		return nil, err
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	s.pulledAfter[job.ID] = s.completed
	return job, nil
}

func (s *fakeSource) ResolveProvingJob(_ context.Context, id proving.JobID, result *proving.ProvingRequestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[id] = result
	s.completed++
	return nil
}

func (s *fakeSource) RejectProvingJob(_ context.Context, id proving.JobID, provingErr *proving.ProvingError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[id] = provingErr
	s.completed++
	return nil
}

func (s *fakeSource) pullCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

func (s *fakeSource) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *fakeSource) resolution(id proving.JobID) (*proving.ProvingRequestResult, *proving.ProvingError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved[id], s.rejected[id]
}

func job(id string, t proving.RequestType) *proving.ProvingJob {
	return &proving.ProvingJob{
		ID:      proving.JobID(id),
		Request: proving.ProvingRequest{Type: t, Inputs: json.RawMessage(`{"job":"` + id + `"}`)},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T, prover *fakeProver, opts ...Option) *Agent {
	t.Helper()
	base := []Option{WithLogger(quietLogger()), WithPollInterval(5 * time.Millisecond)}
	ag, err := New(prover, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ag.Stop(ctx)
	})
	return ag
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}
