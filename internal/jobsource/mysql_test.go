package jobsource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

func TestMySQLQueueEnqueue(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(insertJobSQL, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	q := newMySQLQueue(db, Options{MaxRetries: 3})
	id, err := q.Enqueue(context.Background(), proving.ProvingRequest{Type: proving.BaseRollup, Inputs: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a job id")
	}
	args := drv.ops[0].args
	if len(args) != 8 || args[1] != "BASE_ROLLUP" || args[4] != string(StatusPending) || args[5] != int64(3) {
		t.Fatalf("unexpected insert args %v", args)
	}
}

func TestMySQLQueueEnqueueDuplicate(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertJobSQL, err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	q := newMySQLQueue(db, Options{})
	_, err := q.Enqueue(context.Background(), proving.ProvingRequest{Type: proving.BaseParity})
	if !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestMySQLQueueClaimsPendingJob(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(claimJobSQL, mockRowsData{
			columns: []string{"id", "request"},
			values:  [][]driver.Value{{"job-1", []byte(`{"type":"ROOT_ROLLUP","inputs":{"a":1}}`)}},
		}),
		execOp(markInProgressSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	q := newMySQLQueue(db, Options{})
	job := mustGet(t, q)
	if job.ID != "job-1" || job.Request.Type != proving.RootRollup || string(job.Request.Inputs) != `{"a":1}` {
		t.Fatalf("unexpected job %+v", job)
	}
	if args := drv.ops[1].args; len(args) != 1 || args[0] != string(StatusPending) {
		t.Fatalf("unexpected claim args %v", args)
	}
}

func TestMySQLQueueEmpty(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(claimJobSQL, mockRowsData{columns: []string{"id", "request"}}),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	q := newMySQLQueue(db, Options{})
	job, err := q.GetProvingJob(context.Background())
	if err != nil || job != nil {
		t.Fatalf("expected empty queue, got %+v / %v", job, err)
	}
}

func TestMySQLQueueResolve(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(resolveJobSQL, mockResult{rowsAffected: 1}),
		execOp(resolveJobSQL, mockResult{rowsAffected: 0}),
		queryOp(jobStatusSQL, mockRowsData{columns: []string{"status"}, values: [][]driver.Value{{"resolved"}}}),
		execOp(resolveJobSQL, mockResult{rowsAffected: 0}),
		queryOp(jobStatusSQL, mockRowsData{columns: []string{"status"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	q := newMySQLQueue(db, Options{})
	ctx := context.Background()
	result := &proving.ProvingRequestResult{Type: proving.RootRollup}
	if err := q.ResolveProvingJob(ctx, "job-1", result); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := q.ResolveProvingJob(ctx, "job-1", result); !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if err := q.ResolveProvingJob(ctx, "missing", result); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestMySQLQueueRejectDecidesRetry(t *testing.T) {
	lockRows := func(attempts, maxRetries int64) mockRowsData {
		return mockRowsData{
			columns: []string{"status", "attempts", "max_retries"},
			values:  [][]driver.Value{{"in_progress", attempts, maxRetries}},
		}
	}
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(lockJobSQL, lockRows(1, 3)),
		execOp(failJobSQL, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		queryOp(lockJobSQL, lockRows(3, 3)),
		execOp(failJobSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	q := newMySQLQueue(db, Options{})
	ctx := context.Background()
	if err := q.RejectProvingJob(ctx, "job-1", proving.NewProvingError("flaky")); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if args := drv.ops[2].args; args[0] != string(StatusPending) || args[1] != "flaky" {
		t.Fatalf("expected requeue, got %v", args)
	}
	if err := q.RejectProvingJob(ctx, "job-1", proving.NewProvingError("bad witness")); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if args := drv.ops[6].args; args[0] != string(StatusRejected) || args[1] != "bad witness" {
		t.Fatalf("expected rejection, got %v", args)
	}
}

func TestMySQLQueueReap(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(reapJobsSQL, mockResult{rowsAffected: 2}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	clock := newClock()
	q := newMySQLQueue(db, Options{InProgressTTL: time.Minute})
	q.now = clock.now
	n, err := q.Reap(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 reaped jobs, got %d / %v", n, err)
	}
	args := drv.ops[0].args
	if args[5] != clock.t.Add(-time.Minute).UnixMilli() {
		t.Fatalf("unexpected cutoff %v", args[5])
	}
}

func TestMySQLQueueGet(t *testing.T) {
	req := proving.ProvingRequest{Type: proving.PublicKernelNonTail, KernelType: proving.KernelAppLogic}
	digest := proving.RequestDigest(req)
	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectJobSQL, mockRowsData{
			columns: []string{"id", "request", "digest", "status", "attempts", "max_retries", "result", "last_error", "created_at", "updated_at"},
			values: [][]driver.Value{{
				"job-9",
				[]byte(`{"type":"PUBLIC_KERNEL_NON_TAIL","kernel_type":"APP_LOGIC"}`),
				digest.Hex(),
				"resolved",
				int64(1),
				int64(2),
				[]byte(`{"type":"PUBLIC_KERNEL_NON_TAIL","proof":"0x0102","verification_key_hash":"0x0000000000000000000000000000000000000000000000000000000000000000"}`),
				nil,
				int64(10),
				int64(20),
			}},
		}),
		queryOp(selectJobSQL, mockRowsData{columns: []string{"id"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	q := newMySQLQueue(db, Options{})
	rec, err := q.Get(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Request.Type != req.Type || rec.Request.KernelType != req.KernelType || rec.Digest != digest || rec.Status != StatusResolved || rec.MaxRetries != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Result == nil || len(rec.Result.Proof) != 2 || rec.CreatedAt != 10 || rec.UpdatedAt != 20 {
		t.Fatalf("unexpected result %+v", rec.Result)
	}
	if _, err := q.Get(context.Background(), "missing"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
	// args 记录实际收到的参数。
	args []driver.Value
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-jobsource-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string, args []driver.NamedValue) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	for _, arg := range args {
		op.args = append(op.args, arg.Value)
	}
	return op, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

func TestMySQLQueueRejectsMalformedRowAndMovesOn(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(claimJobSQL, mockRowsData{
			columns: []string{"id", "request"},
			values:  [][]driver.Value{{"job-bad", []byte(`not json`)}},
		}),
		execOp(failJobSQL, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		queryOp(claimJobSQL, mockRowsData{
			columns: []string{"id", "request"},
			values:  [][]driver.Value{{"job-next", []byte(`{"type":"BASE_PARITY"}`)}},
		}),
		execOp(markInProgressSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	q := newMySQLQueue(db, Options{})
	job := mustGet(t, q)
	if job.ID != "job-next" || job.Request.Type != proving.BaseParity {
		t.Fatalf("expected the following job, got %+v", job)
	}
	args := drv.ops[2].args
	if len(args) != 4 || args[0] != string(StatusRejected) || args[3] != "job-bad" {
		t.Fatalf("unexpected reject args %v", args)
	}
	if msg, _ := args[1].(string); !strings.HasPrefix(msg, "malformed proving request") {
		t.Fatalf("unexpected last_error %v", args[1])
	}
}
