package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/notify"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	args := m.Called(ctx, topic, key, payload)
	return args.Error(0)
}

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, msg notify.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func stageOutbox(t *testing.T, repo *store.MemoryStore, n int) {
	t.Helper()
	require.NoError(t, repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for i := 1; i <= n; i++ {
			if err := tx.InsertOutbox(ctx, &models.OutboxRecord{
				EventID: fmt.Sprintf("evt-%d", i),
				Topic:   "order-events",
				Key:     fmt.Sprintf("order-%d", i),
				Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func pending(t *testing.T, repo *store.MemoryStore) []models.OutboxRecord {
	t.Helper()
	recs, err := repo.FetchPendingOutbox(context.Background(), 100)
	require.NoError(t, err)
	return recs
}

func TestRelayOncePublishesInOrder(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	repo := store.NewMemoryStore()
	stageOutbox(t, repo, 3)

	pub := new(mockPublisher)
	var keys []string
	pub.On("Publish", mock.Anything, "order-events", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { keys = append(keys, args.String(2)) }).
		Return(nil)

	relay := NewOutboxRelay(repo, pub, time.Second, 2)

	sent, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, pending(t, repo), 1)

	sent, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Empty(t, pending(t, repo))

	assert.Equal(t, []string{"order-1", "order-2", "order-3"}, keys)
}

func TestRelayOnceStopsAtFirstFailure(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	repo := store.NewMemoryStore()
	stageOutbox(t, repo, 3)

	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, "order-1", mock.Anything).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything, "order-2", mock.Anything).Return(errors.New("broker down")).Once()

	relay := NewOutboxRelay(repo, pub, time.Second, 10)
	sent, err := relay.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, sent)

	left := pending(t, repo)
	require.Len(t, left, 2)
	assert.Equal(t, "order-2", left[0].Key)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, "order-3", mock.Anything)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	util.SetLogger(zaptest.NewLogger(t))
	repo := store.NewMemoryStore()
	stageOutbox(t, repo, 1)

	published := make(chan struct{}, 1)
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { published <- struct{}{} }).
		Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewOutboxRelay(repo, pub, 10*time.Millisecond, 10).Run(ctx) }()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never published")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// chanSource feeds messages from a channel into the handler
type chanSource struct {
	msgs   chan kafka.Message
	closed bool
}

func (s *chanSource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.msgs:
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *chanSource) Close() error {
	s.closed = true
	return nil
}

func cancelledMessage(t *testing.T, eventID string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(models.OrderCancelledEvent{
		BaseEvent:   models.NewBaseEvent(eventID, models.EventTypeOrderCancelled, time.Now()),
		OrderID:     5,
		OrderNumber: "ODR00000005",
	})
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func newNotificationWorker(t *testing.T, mailer notify.Mailer) (*NotificationWorker, *store.MemoryStore) {
	util.SetLogger(zaptest.NewLogger(t))
	repo := store.NewMemoryStore()
	n := notify.NewNotifier(notify.NewInvoiceRenderer("Acme Apparel", ""), mailer, "admin@example.com")
	return NewNotificationWorker(&chanSource{msgs: make(chan kafka.Message)}, repo, n), repo
}

func TestNotificationWorkerSkipsDuplicates(t *testing.T) {
	mailer := new(mockMailer)
	mailer.On("Send", mock.Anything, mock.MatchedBy(func(m notify.Message) bool {
		return m.Subject == "Order Cancelled - ODR00000005"
	})).Return(nil).Once()

	w, repo := newNotificationWorker(t, mailer)
	ctx := context.Background()
	msg := cancelledMessage(t, "evt-9")

	require.NoError(t, w.handle(ctx, msg))
	require.NoError(t, w.handle(ctx, msg))

	mailer.AssertNumberOfCalls(t, "Send", 1)
	processed, err := repo.IsEventProcessed(ctx, "evt-9")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestNotificationWorkerCommitsFailedNotifications(t *testing.T) {
	mailer := new(mockMailer)
	mailer.On("Send", mock.Anything, mock.Anything).Return(errors.New("relay down"))

	w, repo := newNotificationWorker(t, mailer)
	ctx := context.Background()

	assert.NoError(t, w.handle(ctx, cancelledMessage(t, "evt-10")))
	processed, err := repo.IsEventProcessed(ctx, "evt-10")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestNotificationWorkerDropsMalformedMessages(t *testing.T) {
	mailer := new(mockMailer)
	w, _ := newNotificationWorker(t, mailer)

	assert.NoError(t, w.handle(context.Background(), kafka.Message{Value: []byte("not json")}))
	mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestNotificationWorkerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	mailer := new(mockMailer)
	sent := make(chan struct{}, 1)
	mailer.On("Send", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { sent <- struct{}{} }).
		Return(nil)

	w, _ := newNotificationWorker(t, mailer)
	src := w.source.(*chanSource)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	src.msgs <- cancelledMessage(t, "evt-11")
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not sent")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, w.Stop())
	assert.True(t, src.closed)
}
