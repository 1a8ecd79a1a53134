package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/shared/logger"
)

type fakeChannel struct {
	closed    bool
	published []amqp.Publishing
	notify    chan *amqp.Error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	if f.closed {
		return amqp.ErrClosed
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.notify = c
	return c
}

func (f *fakeChannel) IsClosed() bool {
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestClient(current *fakeChannel, open func() (publishChannel, error)) *Client {
	c := &Client{
		config:      &Config{ExchangeName: "jobs"},
		logger:      logger.NewNop(),
		openChannel: open,
	}
	c.watchLocked(current)
	return c
}

func TestClient_PublishReopensClosedChannel(t *testing.T) {
	stale := &fakeChannel{}
	fresh := &fakeChannel{}
	opened := 0
	client := newTestClient(stale, func() (publishChannel, error) {
		opened++
		return fresh, nil
	})

	require.NoError(t, client.Publish(context.Background(), "media", []byte("one"), "text/plain"))
	assert.Len(t, stale.published, 1)
	assert.Equal(t, 0, opened)

	// The broker closes the channel, e.g. after a precondition failure
	stale.closed = true
	stale.notify <- &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"}

	require.NoError(t, client.Publish(context.Background(), "media", []byte("two"), "text/plain"))
	assert.Equal(t, 1, opened)
	require.Len(t, fresh.published, 1)
	assert.Equal(t, []byte("two"), fresh.published[0].Body)
	assert.NotNil(t, fresh.notify, "the reopened channel is watched")
}

func TestClient_PublishReopenFailure(t *testing.T) {
	client := newTestClient(&fakeChannel{closed: true}, func() (publishChannel, error) {
		return nil, errors.New("connection closed")
	})

	err := client.Publish(context.Background(), "media", []byte("x"), "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reopen channel")
}

func TestClient_PublishAfterClose(t *testing.T) {
	client := newTestClient(&fakeChannel{}, nil)
	client.closed = true

	err := client.Publish(context.Background(), "media", []byte("x"), "text/plain")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDeadLetterNames(t *testing.T) {
	cfg := &Config{ExchangeName: "jobs"}
	assert.Equal(t, "jobs.dlx", cfg.DeadLetterExchange())
	assert.Equal(t, "media.dead", DeadLetterQueue("media"))
}
