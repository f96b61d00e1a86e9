package jobsource

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

// MySQLConfig 描述 MySQL 任务源的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Options
}

// MySQLQueue 将任务保存在 proving_jobs 表中，多个代理可通过
// SELECT ... FOR UPDATE SKIP LOCKED 并发领取任务。
type MySQLQueue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

const mysqlSchema = `CREATE TABLE IF NOT EXISTS proving_jobs (
        id VARCHAR(64) PRIMARY KEY,
        request_type VARCHAR(64) NOT NULL,
        request LONGBLOB NOT NULL,
        digest CHAR(66) NOT NULL,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 1,
        result LONGBLOB NULL,
        last_error TEXT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_proving_jobs_status (status, created_at)
)`

const (
	insertJobSQL = `INSERT INTO proving_jobs
        (id, request_type, request, digest, status, attempts, max_retries, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?)`
	claimJobSQL = `SELECT id, request FROM proving_jobs
        WHERE status = ? ORDER BY created_at, id LIMIT 1 FOR UPDATE SKIP LOCKED`
	markInProgressSQL = `UPDATE proving_jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`
	resolveJobSQL     = `UPDATE proving_jobs SET status = ?, result = ?, last_error = '', updated_at = ?
        WHERE id = ? AND status = ?`
	lockJobSQL   = `SELECT status, attempts, max_retries FROM proving_jobs WHERE id = ? FOR UPDATE`
	failJobSQL   = `UPDATE proving_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	jobStatusSQL = `SELECT status FROM proving_jobs WHERE id = ?`
	reapJobsSQL  = `UPDATE proving_jobs
        SET status = CASE WHEN attempts < max_retries THEN ? ELSE ? END, last_error = ?, updated_at = ?
        WHERE status = ? AND updated_at < ?`
	selectJobSQL = `SELECT id, request, digest, status, attempts, max_retries, result, last_error, created_at, updated_at
        FROM proving_jobs WHERE id = ?`
)

// NewMySQLQueue 连接 MySQL 并确保表结构存在。
func NewMySQLQueue(ctx context.Context, cfg MySQLConfig) (*MySQLQueue, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, "MySQL DSN 不能为空")
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfiguration, err, "解析 MySQL DSN 失败")
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfiguration, err, "创建 MySQL 连接器失败")
	}
	db := sql.OpenDB(connector)

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 proving_jobs 表失败")
	}
	return newMySQLQueue(db, cfg.Options), nil
}

func newMySQLQueue(db *sql.DB, opts Options) *MySQLQueue {
	return &MySQLQueue{db: db, opts: opts.withDefaults(), now: time.Now}
}

// Enqueue 插入一条待处理任务。
func (q *MySQLQueue) Enqueue(ctx context.Context, req proving.ProvingRequest) (proving.JobID, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证明请求失败")
	}
	id := proving.JobID(uuid.NewString())
	now := q.now().UnixMilli()
	_, err = q.db.ExecContext(ctx, insertJobSQL,
		string(id),
		req.Type.String(),
		payload,
		proving.RequestDigest(req).Hex(),
		string(StatusPending),
		q.opts.MaxRetries,
		now,
		now,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return "", xerrors.Wrap(xerrors.CodeConflict, err, "任务 ID 冲突")
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入证明任务失败")
	}
	return id, nil
}

// GetProvingJob 在事务中领取最早的待处理任务，已被其他事务锁定的行会被跳过。
// 请求无法解析的任务直接标记为 rejected，随后继续领取下一条。
func (q *MySQLQueue) GetProvingJob(ctx context.Context) (*proving.ProvingJob, error) {
	for {
		job, claimed, err := q.claim(ctx)
		if err != nil || claimed {
			return job, err
		}
		if ctx.Err() != nil {
			return nil, nil
		}
	}
}

// claim 领取一条任务。claimed 为 false 且没有错误时表示刚拒绝了一条损坏的任务；
// 队列为空时 claimed 为 true 且 job 为 nil。
func (q *MySQLQueue) claim(ctx context.Context) (job *proving.ProvingJob, claimed bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var (
		id      string
		payload []byte
	)
	err = tx.QueryRowContext(ctx, claimJobSQL, string(StatusPending)).Scan(&id, &payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "领取证明任务失败")
	}

	var req proving.ProvingRequest
	if decodeErr := json.Unmarshal(payload, &req); decodeErr != nil {
		if _, err := tx.ExecContext(ctx, failJobSQL, string(StatusRejected),
			"malformed proving request: "+decodeErr.Error(), q.now().UnixMilli(), id); err != nil {
			return nil, false, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "拒绝损坏任务失败",
				xerrors.WithMetadata("job_id", id))
		}
		if err := tx.Commit(); err != nil {
			return nil, false, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "提交事务失败")
		}
		return nil, false, nil
	}

	if _, err := tx.ExecContext(ctx, markInProgressSQL, string(StatusInProgress), q.now().UnixMilli(), id); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "更新任务状态失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "提交事务失败")
	}
	return &proving.ProvingJob{ID: proving.JobID(id), Request: req}, true, nil
}

// ResolveProvingJob 保存证明结果。
func (q *MySQLQueue) ResolveProvingJob(ctx context.Context, id proving.JobID, result *proving.ProvingRequestResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证明结果失败")
	}
	res, err := q.db.ExecContext(ctx, resolveJobSQL,
		string(StatusResolved), payload, q.now().UnixMilli(), string(id), string(StatusInProgress))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "更新任务结果失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		return q.explainMiss(ctx, id)
	}
	return nil
}

// RejectProvingJob 记录失败；尝试次数未用尽时任务回到待处理状态。
func (q *MySQLQueue) RejectProvingJob(ctx context.Context, id proving.JobID, provingErr *proving.ProvingError) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var (
		status     string
		attempts   int
		maxRetries int
	)
	err = tx.QueryRowContext(ctx, lockJobSQL, string(id)).Scan(&status, &attempts, &maxRetries)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return errJobNotFound(id)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "读取任务失败")
	}
	if Status(status) != StatusInProgress {
		return errJobNotInProgress(id, Status(status))
	}
	next := afterFailure(attempts, maxRetries)
	if _, err := tx.ExecContext(ctx, failJobSQL, string(next), provingErr.Error(), q.now().UnixMilli(), string(id)); err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "更新任务状态失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "提交事务失败")
	}
	return nil
}

// Reap 将超时的处理中任务放回待处理状态，尝试次数用尽的直接拒绝。
func (q *MySQLQueue) Reap(ctx context.Context) (int, error) {
	if q.opts.InProgressTTL <= 0 {
		return 0, nil
	}
	now := q.now()
	cutoff := now.Add(-q.opts.InProgressTTL).UnixMilli()
	res, err := q.db.ExecContext(ctx, reapJobsSQL,
		string(StatusPending), string(StatusRejected), timeoutMessage, now.UnixMilli(),
		string(StatusInProgress), cutoff)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "回收超时任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "读取影响行数失败")
	}
	return int(affected), nil
}

// Get 读取任务记录。
func (q *MySQLQueue) Get(ctx context.Context, id proving.JobID) (*Record, error) {
	var (
		rec       Record
		rawID     string
		request   []byte
		digest    string
		status    string
		result    []byte
		lastError sql.NullString
	)
	err := q.db.QueryRowContext(ctx, selectJobSQL, string(id)).Scan(
		&rawID, &request, &digest, &status, &rec.Attempts, &rec.MaxRetries,
		&result, &lastError, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, errJobNotFound(id)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明任务失败")
	}
	rec.ID = proving.JobID(rawID)
	rec.Digest = common.HexToHash(digest)
	rec.Status = Status(status)
	rec.LastError = lastError.String
	if err := json.Unmarshal(request, &rec.Request); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明请求失败")
	}
	if len(result) > 0 {
		rec.Result = &proving.ProvingRequestResult{}
		if err := json.Unmarshal(result, rec.Result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明结果失败")
		}
	}
	return &rec, nil
}

// Close 关闭数据库连接池。
func (q *MySQLQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// explainMiss 区分任务不存在与状态不符两种情况。
func (q *MySQLQueue) explainMiss(ctx context.Context, id proving.JobID) error {
	var status string
	err := q.db.QueryRowContext(ctx, jobStatusSQL, string(id)).Scan(&status)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return errJobNotFound(id)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "读取任务状态失败")
	}
	return errJobNotInProgress(id, Status(status))
}
