package jobsource

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

// attemptsHeader 记录任务已被尝试的次数，重新发布时递增。
const attemptsHeader = "x-prover-attempts"

// RabbitMQConfig 描述 RabbitMQ 任务源的连接参数。
type RabbitMQConfig struct {
	URL string
	// Queue 为任务队列，默认 "prover.jobs"。
	Queue string
	// ResultQueue 接收任务结果，为空时不发布结果。
	ResultQueue string
	Durable     bool
	Options
}

// Outcome 是发布到结果队列的消息。
type Outcome struct {
	ID     proving.JobID                 `json:"id"`
	Status Status                        `json:"status"`
	Result *proving.ProvingRequestResult `json:"result,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

// amqpChannel 是本任务源用到的 *amqp.Channel 方法子集。
type amqpChannel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type rabbitDelivery struct {
	tag      uint64
	attempts int
	request  proving.ProvingRequest
}

// RabbitMQQueue 通过 basic.get 按需拉取任务，并在回报时手动确认。
// 任务记录只保存在本进程内，Get 只能查询本进程投递或拉取过的任务。
type RabbitMQQueue struct {
	conn        io.Closer
	ch          amqpChannel
	queue       string
	resultQueue string
	opts        Options
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[proving.JobID]rabbitDelivery
	records  map[proving.JobID]*Record
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明任务队列与结果队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "创建 RabbitMQ channel 失败")
	}
	q := newRabbitMQQueue(conn, ch, cfg)
	for _, name := range []string{q.queue, q.resultQueue} {
		if name == "" {
			continue
		}
		if _, err := ch.QueueDeclare(name, cfg.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "声明 RabbitMQ 队列失败",
				xerrors.WithMetadata("queue", name))
		}
	}
	return q, nil
}

func newRabbitMQQueue(conn io.Closer, ch amqpChannel, cfg RabbitMQConfig) *RabbitMQQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "prover.jobs"
	}
	return &RabbitMQQueue{
		conn:        conn,
		ch:          ch,
		queue:       queue,
		resultQueue: cfg.ResultQueue,
		opts:        cfg.Options.withDefaults(),
		now:         time.Now,
		inFlight:    make(map[proving.JobID]rabbitDelivery),
		records:     make(map[proving.JobID]*Record),
	}
}

// Enqueue 将任务发布到任务队列。
func (q *RabbitMQQueue) Enqueue(ctx context.Context, req proving.ProvingRequest) (proving.JobID, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	job := proving.ProvingJob{ID: proving.JobID(uuid.NewString()), Request: req}
	if err := q.publishJob(ctx, job, 0); err != nil {
		return "", err
	}
	now := q.now().UnixMilli()
	q.mu.Lock()
	q.records[job.ID] = &Record{
		ID:         job.ID,
		Request:    req,
		Digest:     proving.RequestDigest(req),
		Status:     StatusPending,
		MaxRetries: q.opts.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.mu.Unlock()
	return job.ID, nil
}

// GetProvingJob 使用 basic.get 取出一条消息；队列为空时返回 nil, nil。
func (q *RabbitMQQueue) GetProvingJob(ctx context.Context) (*proving.ProvingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, ok, err := q.ch.Get(q.queue, false)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "RabbitMQ 取任务失败")
	}
	if !ok {
		return nil, nil
	}

	var job proving.ProvingJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		// 无法解析的消息不再重新投递。
		_ = q.ch.Nack(msg.DeliveryTag, false, false)
		return nil, xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "解析 RabbitMQ 任务失败",
			xerrors.WithMetadata("message_id", msg.MessageId))
	}
	if job.ID == "" {
		job.ID = proving.JobID(msg.MessageId)
	}
	if job.ID == "" {
		job.ID = proving.JobID(uuid.NewString())
	}
	attempts := headerInt(msg.Headers, attemptsHeader) + 1

	now := q.now().UnixMilli()
	q.mu.Lock()
	q.inFlight[job.ID] = rabbitDelivery{tag: msg.DeliveryTag, attempts: attempts, request: job.Request}
	rec, exists := q.records[job.ID]
	if !exists {
		rec = &Record{
			ID:         job.ID,
			Request:    job.Request,
			Digest:     proving.RequestDigest(job.Request),
			MaxRetries: q.opts.MaxRetries,
			CreatedAt:  now,
		}
		q.records[job.ID] = rec
	}
	rec.Status = StatusInProgress
	rec.Attempts = attempts
	rec.UpdatedAt = now
	q.mu.Unlock()
	return &job, nil
}

// ResolveProvingJob 发布结果并确认消息。
func (q *RabbitMQQueue) ResolveProvingJob(ctx context.Context, id proving.JobID, result *proving.ProvingRequestResult) error {
	delivery, err := q.take(id)
	if err != nil {
		return err
	}
	if err := q.publishOutcome(ctx, Outcome{ID: id, Status: StatusResolved, Result: result}); err != nil {
		q.restore(id, delivery)
		return err
	}
	if err := q.ch.Ack(delivery.tag, false); err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "RabbitMQ 确认消息失败")
	}
	q.update(id, func(rec *Record) {
		rec.Status = StatusResolved
		rec.Result = result
		rec.LastError = ""
	})
	return nil
}

// RejectProvingJob 尝试次数未用尽时重新发布任务，否则发布失败结果；两种情况都确认原消息。
func (q *RabbitMQQueue) RejectProvingJob(ctx context.Context, id proving.JobID, provingErr *proving.ProvingError) error {
	delivery, err := q.take(id)
	if err != nil {
		return err
	}
	message := provingErr.Error()
	next := afterFailure(delivery.attempts, q.opts.MaxRetries)
	if next == StatusPending {
		err = q.publishJob(ctx, proving.ProvingJob{ID: id, Request: delivery.request}, delivery.attempts)
	} else {
		err = q.publishOutcome(ctx, Outcome{ID: id, Status: StatusRejected, Error: message})
	}
	if err != nil {
		q.restore(id, delivery)
		return err
	}
	if err := q.ch.Ack(delivery.tag, false); err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "RabbitMQ 确认消息失败")
	}
	q.update(id, func(rec *Record) {
		rec.Status = next
		rec.LastError = message
	})
	return nil
}

// Get 返回本进程记录的任务状态。
func (q *RabbitMQQueue) Get(_ context.Context, id proving.JobID) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return nil, errJobNotFound(id)
	}
	cp := *rec
	return &cp, nil
}

// Close 关闭 channel 与连接，未确认的消息由 broker 重新投递。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func (q *RabbitMQQueue) publishJob(ctx context.Context, job proving.ProvingJob, attempts int) error {
	body, err := json.Marshal(job)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证明任务失败")
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(job.ID),
		Timestamp:    q.now(),
		Type:         job.Request.Type.String(),
		Headers:      amqp.Table{attemptsHeader: int64(attempts)},
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

func (q *RabbitMQQueue) publishOutcome(ctx context.Context, outcome Outcome) error {
	if q.resultQueue == "" {
		return nil
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}
	err = q.ch.PublishWithContext(ctx, "", q.resultQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(outcome.ID),
		Timestamp:    q.now(),
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeJobSourceFailure, err, "RabbitMQ 发布任务结果失败")
	}
	return nil
}

func (q *RabbitMQQueue) take(id proving.JobID) (rabbitDelivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delivery, ok := q.inFlight[id]
	if !ok {
		if rec, known := q.records[id]; known {
			return rabbitDelivery{}, errJobNotInProgress(id, rec.Status)
		}
		return rabbitDelivery{}, errJobNotFound(id)
	}
	delete(q.inFlight, id)
	return delivery, nil
}

func (q *RabbitMQQueue) restore(id proving.JobID, delivery rabbitDelivery) {
	q.mu.Lock()
	q.inFlight[id] = delivery
	q.mu.Unlock()
}

func (q *RabbitMQQueue) update(id proving.JobID, fn func(*Record)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.records[id]; ok {
		fn(rec)
		rec.UpdatedAt = q.now().UnixMilli()
	}
}

func headerInt(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
