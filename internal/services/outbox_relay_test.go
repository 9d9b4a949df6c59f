package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) Notify(ctx context.Context, n workflow.Notification) error {
	return m.Called(ctx, n).Error(0)
}

func (m *MockMessenger) CreateTask(ctx context.Context, t models.Task) error {
	return m.Called(ctx, t).Error(0)
}

func enqueue(t *testing.T, store *repository.MemoryStore, kind models.OutboxKind, id string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	err = store.WithTx(context.Background(), func(q repository.Queries) error {
		return q.EnqueueOutbox(context.Background(), &models.OutboxMessage{
			ID: id, EntityID: "DOC-1", Kind: kind, Payload: raw, CreatedAt: time.Now(),
		})
	})
	require.NoError(t, err)
}

func newRelay(t *testing.T, store OutboxStore, m workflow.Messenger) *OutboxRelay {
	t.Helper()
	r, err := NewOutboxRelay(store, m, RelayConfig{Workers: 2, BatchSize: 10, MaxAttempts: 2}, nil)
	require.NoError(t, err)
	return r
}

func TestOutboxRelayDeliversEachKind(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	n := workflow.Notification{ID: "n-1", EntityID: "DOC-1", Channel: "qa-room", Message: "hi"}
	task := models.Task{ID: "t-1", EntityID: "DOC-1", Role: "qa", Title: "Review", Status: models.TaskPending}
	esc := workflow.Escalation{ID: "e-1", EntityID: "DOC-1", CurrentStateID: "s-qa", AssignedTo: "carol", SLADeadline: "2026-03-03T09:00:00Z"}
	enqueue(t, store, models.OutboxNotify, n.ID, n)
	enqueue(t, store, models.OutboxCreateTask, task.ID, task)
	enqueue(t, store, models.OutboxSLAEscalation, esc.ID, esc)

	m := new(MockMessenger)
	m.On("Notify", mock.Anything, n).Return(nil).Once()
	m.On("CreateTask", mock.Anything, mock.MatchedBy(func(got models.Task) bool { return got.ID == "t-1" && got.Role == "qa" })).Return(nil).Once()
	m.On("Notify", mock.Anything, mock.MatchedBy(func(got workflow.Notification) bool {
		return got.ID == "e-1" && len(got.Recipients) == 1 && got.Recipients[0] == "carol"
	})).Return(nil).Once()

	relay := newRelay(t, store, m)
	delivered, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	m.AssertExpectations(t)

	pending, err := store.ClaimOutbox(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	delivered, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered, "delivered messages are not sent again")
}

func TestOutboxRelayGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	enqueue(t, store, models.OutboxNotify, "n-1", workflow.Notification{ID: "n-1", Message: "hi"})

	m := new(MockMessenger)
	m.On("Notify", mock.Anything, mock.Anything).Return(&StatusError{Op: "notify", Code: 400})
	relay := newRelay(t, store, m)

	for range 3 {
		delivered, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
	}
	m.AssertNumberOfCalls(t, "Notify", 2)

	left, err := store.ClaimOutbox(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 2, left[0].Attempts)
	assert.Contains(t, left[0].LastError, "status code 400")
}

func TestOutboxRelayRetriesTemporaryFailures(t *testing.T) {
	store := repository.NewMemoryStore()
	enqueue(t, store, models.OutboxNotify, "n-1", workflow.Notification{ID: "n-1", Message: "hi"})

	m := new(MockMessenger)
	m.On("Notify", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Once()
	m.On("Notify", mock.Anything, mock.Anything).Return(nil).Once()

	relay, err := NewOutboxRelay(store, m, RelayConfig{Workers: 1, MaxAttempts: 5, Retries: 2}, nil)
	require.NoError(t, err)
	delivered, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	m.AssertExpectations(t)
}

func TestOutboxRelayRejectsUnknownKind(t *testing.T) {
	store := repository.NewMemoryStore()
	enqueue(t, store, "fax", "x-1", map[string]string{"to": "qa"})

	m := new(MockMessenger)
	relay, err := NewOutboxRelay(store, m, RelayConfig{MaxAttempts: 1, Retries: 3}, nil)
	require.NoError(t, err)
	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)

	left, err := store.ClaimOutbox(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 1, left[0].Attempts)
	m.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestOutboxRelayRunStopsOnCancel(t *testing.T) {
	store := repository.NewMemoryStore()
	relay, err := NewOutboxRelay(store, new(MockMessenger), RelayConfig{PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestMessengerWithoutNotifierLogs(t *testing.T) {
	dir := repository.NewMemoryDirectory()
	m := NewMessenger(nil, dir, nil)
	ctx := context.Background()

	require.NoError(t, m.Notify(ctx, workflow.Notification{ID: "n-1", Message: "hi"}))
	require.NoError(t, m.CreateTask(ctx, models.Task{ID: "t-1", Role: "qa", Title: "Review", Status: models.TaskPending}))
	require.NoError(t, m.CreateTask(ctx, models.Task{ID: "t-1", Role: "qa", Title: "Review", Status: models.TaskPending}))
	assert.Len(t, dir.Tasks(), 1, "tasks are idempotent on ID")
}
