package agent

import (
	"context"
	"fmt"
	"sync"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

// governor 维护在途任务集合，并限制同时处理的任务数量。
// 容量检查与 acquire 只在调度协程中调用，release 可来自任意任务协程。
type governor struct {
	mu       sync.Mutex
	limit    int
	inFlight map[proving.JobID]struct{}
	drained  chan struct{}
}

func newGovernor(limit int) (*governor, error) {
	if limit < 1 {
		return nil, invalidConcurrency(limit)
	}
	return &governor{limit: limit, inFlight: make(map[proving.JobID]struct{})}, nil
}

func invalidConcurrency(n int) error {
	return xerrors.New(xerrors.CodeInvalidConfiguration,
		fmt.Sprintf("max concurrency must be at least 1, got %d", n))
}

func (g *governor) hasCapacity() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight) < g.limit
}

// acquire 将任务加入在途集合，重复的 ID 返回 false。
// 容量已由调度协程在拉取前检查，这里不再拒绝。
func (g *governor) acquire(id proving.JobID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.inFlight[id]; exists {
		return false
	}
	g.inFlight[id] = struct{}{}
	return true
}

// release 将任务移出在途集合，对同一 ID 多次调用只生效一次。
func (g *governor) release(id proving.JobID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.inFlight[id]; !exists {
		return false
	}
	delete(g.inFlight, id)
	if len(g.inFlight) == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
	return true
}

func (g *governor) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

func (g *governor) maxConcurrency() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// setLimit 修改并发上限，只影响之后的拉取，不会取消在途任务。
func (g *governor) setLimit(n int) error {
	if n < 1 {
		return invalidConcurrency(n)
	}
	g.mu.Lock()
	g.limit = n
	g.mu.Unlock()
	return nil
}

// wait 阻塞直到在途集合为空或 ctx 结束。
func (g *governor) wait(ctx context.Context) error {
	g.mu.Lock()
	if len(g.inFlight) == 0 {
		g.mu.Unlock()
		return nil
	}
	if g.drained == nil {
		g.drained = make(chan struct{})
	}
	drained := g.drained
	g.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
