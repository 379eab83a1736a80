package events

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stalledBroker accepts TCP connections and never answers the AMQP handshake.
func stalledBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return "amqp://guest:guest@" + ln.Addr().String() + "/"
}

func unconnectedPublisher(url string) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		cfg:    RabbitMQConfig{URL: url, Queue: TransactionNotificationsQueue, Heartbeat: time.Second},
		logger: zap.NewNop(),
	}
}

func TestRabbitMQPublisher_PublishHonorsDeadline(t *testing.T) {
	p := unconnectedPublisher(stalledBroker(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Publish(ctx, NotificationEvent{EntityID: "acc-1"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRabbitMQPublisher_FailsFastWhileRedialing(t *testing.T) {
	p := unconnectedPublisher(stalledBroker(t))

	slowCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Publish(slowCtx, NotificationEvent{EntityID: "acc-1"}) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.dialing
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	err := p.Publish(context.Background(), NotificationEvent{EntityID: "acc-2"})
	assert.ErrorIs(t, err, ErrPublisherReconnecting)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.Error(t, <-done)
}

func TestNewRabbitMQPublisher_DialTimeout(t *testing.T) {
	start := time.Now()
	_, err := NewRabbitMQPublisher(RabbitMQConfig{
		URL:         stalledBroker(t),
		DialTimeout: 200 * time.Millisecond,
	}, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRabbitMQPublisher_ClosedRejects(t *testing.T) {
	p := unconnectedPublisher("amqp://localhost:1/")
	require.NoError(t, p.Close())
	err := p.Publish(context.Background(), NotificationEvent{})
	assert.ErrorContains(t, err, "closed")
}
