package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/core"
	"github.com/minyoung/trigger.dev/internal/logging"
	"github.com/minyoung/trigger.dev/internal/model"
)

// defaultProcessingTimeout is the visibility window a message gets once
// dequeued, absent an explicit heartbeat extension.
const defaultProcessingTimeout = 30 * time.Second

// Config covers the redis client's configuration surface.
type Config struct {
	Addresses    []string
	DB           int
	Username     string
	Password     string
	Mode         string // "single" | "cluster" | "sentinel"
	SentinelMaster string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisQueue implements Client as a per-queue sorted-set of visibility
// deadlines plus a hash of opaque message bodies. The visibility-timeout
// scheme is a standard Redis delayed-queue pattern adapted to the
// dequeue/ack/nack/heartbeat contract this module needs.
type RedisQueue struct {
	*core.BaseComponent
	cfg    Config
	client redis.UniversalClient
}

func NewRedisQueue(cfg Config) *RedisQueue {
	return &RedisQueue{BaseComponent: core.NewBaseComponent(consts.CompQueueRedis), cfg: cfg}
}

func (q *RedisQueue) Start(ctx context.Context) error {
	if err := q.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if len(q.cfg.Addresses) == 0 {
		return errors.New("redis addresses empty")
	}

	opts := &redis.UniversalOptions{
		Addrs:        q.cfg.Addresses,
		DB:           q.cfg.DB,
		Username:     q.cfg.Username,
		Password:     q.cfg.Password,
		MasterName:   q.cfg.SentinelMaster,
		PoolSize:     q.cfg.PoolSize,
		MinIdleConns: q.cfg.MinIdleConns,
		DialTimeout:  q.cfg.DialTimeout,
		ReadTimeout:  q.cfg.ReadTimeout,
		WriteTimeout: q.cfg.WriteTimeout,
	}

	switch strings.ToLower(q.cfg.Mode) {
	case "single", "cluster", "sentinel", "":
	default:
		return fmt.Errorf("unknown redis mode: %s", q.cfg.Mode)
	}

	q.client = redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.client.Ping(pingCtx).Err(); err != nil {
		_ = q.client.Close()
		q.client = nil
		return fmt.Errorf("redis ping failed: %w", err)
	}
	logging.Info(ctx, "queue_redis started")
	return nil
}

func (q *RedisQueue) Stop(ctx context.Context) error {
	if q.client != nil {
		_ = q.client.Close()
	}
	return q.BaseComponent.Stop(ctx)
}

func (q *RedisQueue) HealthCheck() error {
	if err := q.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if q.client == nil {
		return errors.New("redis client nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) visKey(queueKey string) string  { return "dispatch:vis:" + queueKey }
func (q *RedisQueue) dataKey(queueKey string) string { return "dispatch:data:" + queueKey }

// Dequeue pops the earliest message whose visibility score is <= now, and
// immediately re-scores it to now+defaultProcessingTimeout so concurrent
// dequeuers don't see it until either an explicit Ack/Nack or the
// processing timeout lapses.
func (q *RedisQueue) Dequeue(ctx context.Context, queueKey string) (*model.QueueMessage, error) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.visKey(queueKey), &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	messageID := ids[0]

	nextScore := float64(now.Add(defaultProcessingTimeout).UnixMilli())
	added, err := q.client.ZAdd(ctx, q.visKey(queueKey), redis.Z{Score: nextScore, Member: messageID}).Result()
	if err != nil {
		return nil, fmt.Errorf("zadd claim: %w", err)
	}
	if added != 0 {
		// ZAdd reported an insert rather than an update: another consumer
		// raced us and removed the member between ZRangeByScore and ZAdd.
		return nil, nil
	}

	data, err := q.client.HGet(ctx, q.dataKey(queueKey), messageID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Body missing (already ack'd concurrently); drop the stale score.
			_ = q.client.ZRem(ctx, q.visKey(queueKey), messageID).Err()
			return nil, nil
		}
		return nil, fmt.Errorf("hget body: %w", err)
	}

	return &model.QueueMessage{MessageID: messageID, Data: data}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, queueKey string, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.visKey(queueKey), messageID)
	pipe.HDel(ctx, q.dataKey(queueKey), messageID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, queueKey string, messageID string, visibleAt time.Time) error {
	score := float64(time.Now().UnixMilli())
	if !visibleAt.IsZero() {
		score = float64(visibleAt.UnixMilli())
	}
	return q.client.ZAdd(ctx, q.visKey(queueKey), redis.Z{Score: score, Member: messageID}).Err()
}

// Heartbeat extends messageID's visibility deadline only if it's still a
// member of the sorted set. XX makes the check-and-extend atomic, so a late
// heartbeat for an already-acked message can't re-add it. A message that
// expired and was dequeued again is still a member, so a late heartbeat does
// overwrite its new deadline.
func (q *RedisQueue) Heartbeat(ctx context.Context, queueKey string, messageID string, extendSeconds int) error {
	newScore := float64(time.Now().Add(time.Duration(extendSeconds) * time.Second).UnixMilli())
	return q.client.ZAddArgs(ctx, q.visKey(queueKey), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: newScore, Member: messageID}},
	}).Err()
}

// Enqueue is not part of the Client contract the dispatcher consumes (spec
// §1 treats enqueue as owned by the producer side); the adapter exposes it
// to store a message body and make it visible immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, queueKey string, messageID string, data []byte) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dataKey(queueKey), messageID, data)
	pipe.ZAdd(ctx, q.visKey(queueKey), redis.Z{Score: float64(time.Now().UnixMilli()), Member: messageID})
	_, err := pipe.Exec(ctx)
	return err
}
