// Package redisqueue implements the durable queue on Redis Streams with a
// single consumer group. Delayed requeues wait in a sorted set until due.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cwygoda/cepresolver/internal/domain"
)

const (
	DefaultPrefix            = "cepresolver"
	DefaultVisibilityTimeout = 30 * time.Second
	promoteBatch             = 100
)

// promoteScript moves due entries from the delay set into the stream.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  local item = cjson.decode(m)
  redis.call('XADD', KEYS[1], '*', 'identifier', item.identifier, 'attempts', item.attempts, 'enqueued_at', item.enqueued_at)
  redis.call('ZREM', KEYS[2], m)
end
return #due
`)

// settleScript acknowledges a pending entry if the caller still holds its
// lease, and optionally schedules a delayed copy. It returns 0 when the
// lease was lost.
var settleScript = redis.NewScript(`
local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1)
if #p == 0 or tostring(p[1][4]) ~= ARGV[3] then
  return 0
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
redis.call('XDEL', KEYS[1], ARGV[2])
if ARGV[4] ~= '' then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[4])
end
return 1
`)

// extendScript resets the idle time of a pending entry still held under the
// caller's delivery count. JUSTID leaves the count unchanged.
var extendScript = redis.NewScript(`
local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1)
if #p == 0 or tostring(p[1][4]) ~= ARGV[3] then
  return 0
end
redis.call('XCLAIM', KEYS[1], ARGV[1], ARGV[4], 0, ARGV[2], 'JUSTID')
return 1
`)

// ErrMalformedEntry reports a stream entry that could not be decoded. The
// entry is moved to the dead-letter stream and never redelivered.
var ErrMalformedEntry = errors.New("malformed queue entry")

// Queue implements domain.Queue. The receipt of a delivery is the entry's
// delivery count, which changes whenever another consumer claims it.
type Queue struct {
	client     redis.UniversalClient
	stream     string
	delayed    string
	dead       string
	group      string
	consumer   string
	visibility time.Duration
	now        func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithPrefix sets the key prefix and consumer group name.
func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix != "" {
			q.stream = prefix + ":stream"
			q.delayed = prefix + ":delayed"
			q.dead = prefix + ":dead"
			q.group = prefix
		}
	}
}

// WithVisibilityTimeout sets how long a pending entry stays with its
// consumer before others may claim it.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// New creates the queue and its consumer group if missing.
func New(ctx context.Context, client redis.UniversalClient, opts ...Option) (*Queue, error) {
	q := &Queue{
		client:     client,
		consumer:   "worker-" + uuid.NewString(),
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
	}
	WithPrefix(DefaultPrefix)(q)
	for _, opt := range opts {
		opt(q)
	}

	err := client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, domain.Unavailable("create consumer group", err)
	}
	return q, nil
}

// Open parses a redis:// URL, checks the connection and creates the queue.
func Open(ctx context.Context, url string, opts ...Option) (*Queue, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, domain.Unavailable("redis ping", err)
	}
	q, err := New(ctx, client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Publish(ctx context.Context, item domain.WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"identifier":  item.Identifier,
			"attempts":    item.Attempts,
			"enqueued_at": strconv.FormatInt(item.EnqueuedAt.UnixNano(), 10),
		},
	}).Err()
	return domain.Unavailable("publish", err)
}

// Receive promotes due delayed entries, then reclaims an expired lease or
// reads a new entry.
func (q *Queue) Receive(ctx context.Context) (domain.Delivery, error) {
	err := promoteScript.Run(ctx, q.client, []string{q.stream, q.delayed},
		q.now().UnixMilli(), promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Delivery{}, domain.Unavailable("promote delayed", err)
	}

	msg, err := q.claim(ctx)
	if err != nil {
		return domain.Delivery{}, err
	}
	if msg == nil {
		if msg, err = q.readNew(ctx); err != nil {
			return domain.Delivery{}, err
		}
	}
	if msg == nil {
		return domain.Delivery{}, domain.ErrQueueEmpty
	}

	item, err := decodeItem(msg.Values)
	if err != nil {
		return domain.Delivery{}, q.deadLetter(ctx, msg, err)
	}

	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err != nil {
		return domain.Delivery{}, domain.Unavailable("pending", err)
	}
	if len(pending) == 0 {
		return domain.Delivery{}, domain.ErrQueueEmpty
	}

	return domain.Delivery{
		ID:      msg.ID,
		Receipt: strconv.FormatInt(pending[0].RetryCount, 10),
		Item:    item,
	}, nil
}

func (q *Queue) claim(ctx context.Context) (*redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, domain.Unavailable("autoclaim", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (q *Queue) readNew(ctx context.Context) (*redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable("read group", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], nil
		}
	}
	return nil, nil
}

// deadLetter copies msg to the dead-letter stream with the decode error and
// removes it from the group.
func (q *Queue) deadLetter(ctx context.Context, msg *redis.XMessage, cause error) error {
	values := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["source_id"] = msg.ID
	values["error"] = cause.Error()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.dead, Values: values})
		pipe.XAck(ctx, q.stream, q.group, msg.ID)
		pipe.XDel(ctx, q.stream, msg.ID)
		return nil
	})
	if err != nil {
		return domain.Unavailable("dead-letter", err)
	}
	return fmt.Errorf("entry %s: %w: %w", msg.ID, ErrMalformedEntry, cause)
}

// Extend resets the idle time of d's entry so XAUTOCLAIM leaves it alone for
// another visibility timeout.
func (q *Queue) Extend(ctx context.Context, d domain.Delivery) error {
	n, err := extendScript.Run(ctx, q.client, []string{q.stream},
		q.group, d.ID, d.Receipt, q.consumer).Int()
	if err != nil {
		return domain.Unavailable("extend", err)
	}
	if n == 0 {
		return fmt.Errorf("entry %s: %w", d.ID, domain.ErrLeaseLost)
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, d domain.Delivery) error {
	return q.settle(ctx, d, "", 0)
}

func (q *Queue) Requeue(ctx context.Context, d domain.Delivery, delay time.Duration) error {
	member, err := json.Marshal(delayedItem{
		Nonce:      uuid.NewString(),
		Identifier: d.Item.Identifier,
		Attempts:   d.Item.Attempts,
		EnqueuedAt: strconv.FormatInt(d.Item.EnqueuedAt.UnixNano(), 10),
	})
	if err != nil {
		return fmt.Errorf("encode delayed item: %w", err)
	}
	return q.settle(ctx, d, string(member), q.now().Add(delay).UnixMilli())
}

func (q *Queue) settle(ctx context.Context, d domain.Delivery, member string, score int64) error {
	n, err := settleScript.Run(ctx, q.client, []string{q.stream, q.delayed},
		q.group, d.ID, d.Receipt, member, score).Int()
	if err != nil {
		return domain.Unavailable("settle", err)
	}
	if n == 0 {
		return fmt.Errorf("entry %s: %w", d.ID, domain.ErrLeaseLost)
	}
	return nil
}

// Len counts stream entries not yet acknowledged plus delayed entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.stream)
	zcard := pipe.ZCard(ctx, q.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, domain.Unavailable("len", err)
	}
	return int(xlen.Val() + zcard.Val()), nil
}

type delayedItem struct {
	Nonce      string `json:"nonce"`
	Identifier string `json:"identifier"`
	Attempts   int    `json:"attempts"`
	EnqueuedAt string `json:"enqueued_at"`
}

func decodeItem(values map[string]any) (domain.WorkItem, error) {
	id, _ := values["identifier"].(string)
	if id == "" {
		return domain.WorkItem{}, errors.New("missing identifier")
	}
	attempts, err := strconv.Atoi(fmt.Sprint(values["attempts"]))
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("attempts: %w", err)
	}
	nanos, err := strconv.ParseInt(fmt.Sprint(values["enqueued_at"]), 10, 64)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("enqueued_at: %w", err)
	}
	return domain.WorkItem{
		Identifier: id,
		Attempts:   attempts,
		EnqueuedAt: time.Unix(0, nanos).UTC(),
	}, nil
}
