//go:build integration

package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/cwygoda/cepresolver/internal/domain"
)

type QueueSuite struct {
	suite.Suite
	container *tcredis.RedisContainer
	client    *redis.Client
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func (s *QueueSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err, "failed to start redis container")
	s.container = container

	addr, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	opts, err := redis.ParseURL(addr)
	s.Require().NoError(err)
	s.client = redis.NewClient(opts)
	s.Require().NoError(s.client.Ping(ctx).Err())
}

func (s *QueueSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *QueueSuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
}

func (s *QueueSuite) newQueue(visibility time.Duration) *Queue {
	q, err := New(context.Background(), s.client, WithVisibilityTimeout(visibility))
	s.Require().NoError(err)
	return q
}

func (s *QueueSuite) TestPublishReceiveAck() {
	ctx := context.Background()
	q := s.newQueue(time.Minute)

	s.Require().NoError(q.Publish(ctx, domain.WorkItem{Identifier: "01310100"}))

	d, err := q.Receive(ctx)
	s.Require().NoError(err)
	s.Equal("01310100", d.Item.Identifier)
	s.Equal("1", d.Receipt)

	_, err = q.Receive(ctx)
	s.ErrorIs(err, domain.ErrQueueEmpty)

	s.Require().NoError(q.Ack(ctx, d))
	n, err := q.Len(ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *QueueSuite) TestExpiredLeaseIsReclaimed() {
	ctx := context.Background()
	first := s.newQueue(50 * time.Millisecond)
	second := s.newQueue(50 * time.Millisecond)

	s.Require().NoError(first.Publish(ctx, domain.WorkItem{Identifier: "01310100"}))
	d1, err := first.Receive(ctx)
	s.Require().NoError(err)

	time.Sleep(100 * time.Millisecond)
	d2, err := second.Receive(ctx)
	s.Require().NoError(err)
	s.Equal(d1.ID, d2.ID)
	s.NotEqual(d1.Receipt, d2.Receipt)

	s.ErrorIs(first.Ack(ctx, d1), domain.ErrLeaseLost)
	s.NoError(second.Ack(ctx, d2))
}

func (s *QueueSuite) TestRequeueDelaysAndKeepsAttempts() {
	ctx := context.Background()
	q := s.newQueue(time.Minute)

	s.Require().NoError(q.Publish(ctx, domain.WorkItem{Identifier: "01310100"}))
	d, err := q.Receive(ctx)
	s.Require().NoError(err)

	d.Item.Attempts = 2
	s.Require().NoError(q.Requeue(ctx, d, 200*time.Millisecond))

	_, err = q.Receive(ctx)
	s.ErrorIs(err, domain.ErrQueueEmpty)
	n, _ := q.Len(ctx)
	s.Equal(1, n)

	time.Sleep(250 * time.Millisecond)
	again, err := q.Receive(ctx)
	s.Require().NoError(err)
	s.Equal(2, again.Item.Attempts)
	s.Equal("01310100", again.Item.Identifier)
}

func (s *QueueSuite) TestExtendHoldsLease() {
	ctx := context.Background()
	first := s.newQueue(100 * time.Millisecond)
	second := s.newQueue(100 * time.Millisecond)

	s.Require().NoError(first.Publish(ctx, domain.WorkItem{Identifier: "01310100"}))
	d, err := first.Receive(ctx)
	s.Require().NoError(err)

	for range 3 {
		time.Sleep(60 * time.Millisecond)
		s.Require().NoError(first.Extend(ctx, d))
	}
	_, err = second.Receive(ctx)
	s.ErrorIs(err, domain.ErrQueueEmpty, "extended entry must not be reclaimed")

	time.Sleep(150 * time.Millisecond)
	stolen, err := second.Receive(ctx)
	s.Require().NoError(err)
	s.ErrorIs(first.Extend(ctx, d), domain.ErrLeaseLost)
	s.NoError(second.Ack(ctx, stolen))
}

func (s *QueueSuite) TestMalformedEntryIsDeadLettered() {
	ctx := context.Background()
	q := s.newQueue(50 * time.Millisecond)

	s.Require().NoError(s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"identifier": "01310100", "attempts": "many", "enqueued_at": "0"},
	}).Err())

	_, err := q.Receive(ctx)
	s.ErrorIs(err, ErrMalformedEntry)

	n, err := q.Len(ctx)
	s.Require().NoError(err)
	s.Zero(n)
	dead, err := s.client.XLen(ctx, q.dead).Result()
	s.Require().NoError(err)
	s.EqualValues(1, dead)

	time.Sleep(100 * time.Millisecond)
	_, err = q.Receive(ctx)
	s.ErrorIs(err, domain.ErrQueueEmpty)
}
