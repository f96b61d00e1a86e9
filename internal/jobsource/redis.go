package jobsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

// RedisConfig 描述 Redis 任务源的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix 为所有键的前缀，默认 "prover"。
	Prefix string
	Options
}

// RedisQueue 使用 Redis list 保存待处理与处理中的任务 ID，任务详情保存在 hash 中。
//
//	<prefix>:pending     待处理任务，LPUSH 入队，从右侧取出
//	<prefix>:processing  已被取出、尚未回报的任务
//	<prefix>:job:<id>    任务记录
type RedisQueue struct {
	client *redis.Client
	prefix string
	opts   Options
	now    func() time.Time
}

// NewRedisQueue 创建 Redis 任务源并检查连接。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg.Prefix, cfg.Options), nil
}

func newRedisQueue(client *redis.Client, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "prover"
	}
	return &RedisQueue{client: client, prefix: prefix, opts: opts.withDefaults(), now: time.Now}
}

func (q *RedisQueue) pendingKey() string    { return q.prefix + ":pending" }
func (q *RedisQueue) processingKey() string { return q.prefix + ":processing" }
func (q *RedisQueue) jobKey(id proving.JobID) string {
	return q.prefix + ":job:" + string(id)
}

// Enqueue 写入任务记录并加入待处理队列。
func (q *RedisQueue) Enqueue(ctx context.Context, req proving.ProvingRequest) (proving.JobID, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证明请求失败")
	}
	id := proving.JobID(uuid.NewString())
	now := q.now().UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			"request":     payload,
			"digest":      proving.RequestDigest(req).Hex(),
			"status":      string(StatusPending),
			"attempts":    0,
			"max_retries": q.opts.MaxRetries,
			"last_error":  "",
			"created_at":  now,
			"updated_at":  now,
		})
		pipe.LPush(ctx, q.pendingKey(), string(id))
		return nil
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "Redis 投递任务失败")
	}
	return id, nil
}

// maxWatchRetries 是 WATCH 事务因并发修改失败后的最大重试次数。
const maxWatchRetries = 8

// GetProvingJob 将最早的待处理任务原子地移入处理中列表。
func (q *RedisQueue) GetProvingJob(ctx context.Context) (*proving.ProvingJob, error) {
	for {
		raw, err := q.client.LMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "Redis 取任务失败")
		}
		job, err := q.claim(ctx, proving.JobID(raw))
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
}

// claim 在 WATCH 保护下把刚移入处理中列表的任务标记为处理中。
// 孤立 ID、非 pending 的重复 ID 与无法解析的请求都会被移出处理中列表并返回 nil。
func (q *RedisQueue) claim(ctx context.Context, id proving.JobID) (*proving.ProvingJob, error) {
	var job *proving.ProvingJob
	err := q.watch(ctx, id, func(tx *redis.Tx) error {
		job = nil
		values, err := tx.HMGet(ctx, q.jobKey(id), "status", "request").Result()
		if err != nil {
			return err
		}
		if values[0] == nil || Status(fmt.Sprint(values[0])) != StatusPending {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey(), 1, string(id))
				return nil
			})
			return err
		}

		payload, _ := values[1].(string)
		var req proving.ProvingRequest
		if decodeErr := json.Unmarshal([]byte(payload), &req); decodeErr != nil {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				q.queueSettle(ctx, pipe, id, redisSettlement{
					status: StatusRejected,
					fields: map[string]any{"last_error": "malformed proving request: " + decodeErr.Error()},
				})
				return nil
			})
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
			pipe.HSet(ctx, q.jobKey(id), "status", string(StatusInProgress), "updated_at", q.now().UnixMilli())
			return nil
		})
		if err != nil {
			return err
		}
		job = &proving.ProvingJob{ID: id, Request: req}
		return nil
	})
	return job, err
}

// ResolveProvingJob 保存结果并将任务移出处理中列表。
func (q *RedisQueue) ResolveProvingJob(ctx context.Context, id proving.JobID, result *proving.ProvingRequestResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证明结果失败")
	}
	_, err = q.settleInProgress(ctx, id, func(*redisJobState) (redisSettlement, bool) {
		return redisSettlement{
			status: StatusResolved,
			fields: map[string]any{"result": payload, "last_error": ""},
		}, true
	})
	return err
}

// RejectProvingJob 记录失败；尝试次数未用尽时任务重新入队。
func (q *RedisQueue) RejectProvingJob(ctx context.Context, id proving.JobID, provingErr *proving.ProvingError) error {
	message := provingErr.Error()
	_, err := q.settleInProgress(ctx, id, func(state *redisJobState) (redisSettlement, bool) {
		return failure(state, message), true
	})
	return err
}

// Reap 将超时的处理中任务重新入队，返回处理的任务数。
func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	if q.opts.InProgressTTL <= 0 {
		return 0, nil
	}
	ids, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "Redis 读取处理中任务失败")
	}
	cutoff := q.now().Add(-q.opts.InProgressTTL).UnixMilli()
	reaped := 0
	for _, raw := range ids {
		settled, err := q.settleInProgress(ctx, proving.JobID(raw), func(state *redisJobState) (redisSettlement, bool) {
			if state.updatedAt >= cutoff {
				return redisSettlement{}, false
			}
			return failure(state, timeoutMessage), true
		})
		if xerrors.IsCode(err, xerrors.CodeNotFound) || xerrors.IsCode(err, xerrors.CodeConflict) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		if settled {
			reaped++
		}
	}
	return reaped, nil
}

// Get 读取任务记录。
func (q *RedisQueue) Get(ctx context.Context, id proving.JobID) (*Record, error) {
	values, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "Redis 读取任务失败")
	}
	if len(values) == 0 {
		return nil, errJobNotFound(id)
	}
	return decodeRedisRecord(id, values)
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

type redisJobState struct {
	status     Status
	attempts   int
	maxRetries int
	updatedAt  int64
}

// redisSettlement 描述一次状态变更；requeue 时任务重新加入待处理队列。
type redisSettlement struct {
	status  Status
	fields  map[string]any
	requeue bool
}

func failure(state *redisJobState, message string) redisSettlement {
	next := afterFailure(state.attempts, state.maxRetries)
	return redisSettlement{
		status:  next,
		fields:  map[string]any{"last_error": message},
		requeue: next == StatusPending,
	}
}

// settleInProgress 在同一个 WATCH 事务内确认任务仍处于处理中并写入 decide 给出的变更，
// 并发的回报与回收因此不会覆盖彼此。decide 返回 false 时不做修改。
func (q *RedisQueue) settleInProgress(ctx context.Context, id proving.JobID, decide func(*redisJobState) (redisSettlement, bool)) (bool, error) {
	settled := false
	err := q.watch(ctx, id, func(tx *redis.Tx) error {
		settled = false
		state, err := q.inProgress(ctx, tx, id)
		if err != nil {
			return err
		}
		change, ok := decide(state)
		if !ok {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			q.queueSettle(ctx, pipe, id, change)
			return nil
		})
		if err != nil {
			return err
		}
		settled = true
		return nil
	})
	return settled, err
}

// watch 监视任务 hash 执行 fn，遇到并发修改时重试。
func (q *RedisQueue) watch(ctx context.Context, id proving.JobID, fn func(*redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := q.client.Watch(ctx, fn, q.jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err == nil {
			return nil
		}
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "Redis 更新任务状态失败",
			xerrors.WithMetadata("job_id", string(id)))
	}
	return xerrors.New(xerrors.CodeJobSourceFailure, "Redis 任务被并发修改，重试次数已用尽",
		xerrors.WithMetadata("job_id", string(id)),
		xerrors.WithRetryable(true))
}

type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (q *RedisQueue) inProgress(ctx context.Context, r hashReader, id proving.JobID) (*redisJobState, error) {
	values, err := r.HMGet(ctx, q.jobKey(id), "status", "attempts", "max_retries", "updated_at").Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "Redis 读取任务失败")
	}
	if values[0] == nil {
		return nil, errJobNotFound(id)
	}
	state := &redisJobState{
		status:     Status(fmt.Sprint(values[0])),
		attempts:   int(parseInt(values[1])),
		maxRetries: int(parseInt(values[2])),
		updatedAt:  parseInt(values[3]),
	}
	if state.status != StatusInProgress {
		return nil, errJobNotInProgress(id, state.status)
	}
	return state, nil
}

// queueSettle 把状态更新与列表调整加入事务管道。
func (q *RedisQueue) queueSettle(ctx context.Context, pipe redis.Pipeliner, id proving.JobID, change redisSettlement) {
	fields := make(map[string]any, len(change.fields)+2)
	for k, v := range change.fields {
		fields[k] = v
	}
	fields["status"] = string(change.status)
	fields["updated_at"] = q.now().UnixMilli()
	pipe.HSet(ctx, q.jobKey(id), fields)
	pipe.LRem(ctx, q.processingKey(), 1, string(id))
	if change.requeue {
		pipe.LPush(ctx, q.pendingKey(), string(id))
	}
}

func decodeRedisRecord(id proving.JobID, values map[string]string) (*Record, error) {
	rec := &Record{
		ID:         id,
		Digest:     common.HexToHash(values["digest"]),
		Status:     Status(values["status"]),
		Attempts:   int(parseInt(values["attempts"])),
		MaxRetries: int(parseInt(values["max_retries"])),
		LastError:  values["last_error"],
		CreatedAt:  parseInt(values["created_at"]),
		UpdatedAt:  parseInt(values["updated_at"]),
	}
	if err := json.Unmarshal([]byte(values["request"]), &rec.Request); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "解析任务请求失败")
	}
	if raw := values["result"]; raw != "" {
		var result proving.ProvingRequestResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "解析任务结果失败")
		}
		rec.Result = &result
	}
	return rec, nil
}

func parseInt(v any) int64 {
	if v == nil {
		return 0
	}
	n, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
	return n
}
