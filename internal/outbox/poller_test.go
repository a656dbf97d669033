package outbox

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	messages map[int64]*Message
	nextID   int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{messages: map[int64]*Message{}}
}

func (m *memoryStore) Insert(_ context.Context, msg Message) error {
	m.nextID++
	msg.ID = m.nextID
	msg.Status = StatusPending
	msg.CreatedAt = time.Now()
	m.messages[msg.ID] = &msg
	return nil
}

func (m *memoryStore) ListPending(_ context.Context, limit int) ([]Message, error) {
	var out []Message
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		if msg, ok := m.messages[id]; ok && msg.Status == StatusPending {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *memoryStore) Delete(_ context.Context, id int64) error {
	delete(m.messages, id)
	return nil
}

func (m *memoryStore) IncrementAttempts(_ context.Context, id int64) error {
	if msg, ok := m.messages[id]; ok {
		msg.Attempts++
	}
	return nil
}

func (m *memoryStore) MarkFailed(_ context.Context, id int64) error {
	if msg, ok := m.messages[id]; ok {
		msg.Status = StatusFailed
	}
	return nil
}

type fakePublisher struct {
	published []string
	failures  int
}

func (f *fakePublisher) Publish(_ context.Context, key string, _ []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, key)
	return nil
}

func TestDrainPublishesAndDeletes(t *testing.T) {
	store := newMemoryStore()
	docID := uuid.New()
	msg, err := NewMessage("document.submitted", docID, map[string]string{"number": "SINV-00001"})
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), msg))

	pub := &fakePublisher{}
	poller := NewPoller(store, pub, slog.Default(), time.Second, 10, 3)

	require.NoError(t, poller.drain(context.Background()))
	require.Equal(t, []string{docID.String()}, pub.published)
	require.Empty(t, store.messages)
}

func TestDrainRetriesUntilExhausted(t *testing.T) {
	store := newMemoryStore()
	msg, err := NewMessage("document.cancelled", uuid.New(), map[string]string{})
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), msg))

	pub := &fakePublisher{failures: 10}
	poller := NewPoller(store, pub, slog.Default(), time.Second, 10, 2)

	require.NoError(t, poller.drain(context.Background()))
	require.Equal(t, StatusPending, store.messages[1].Status)
	require.Equal(t, 1, store.messages[1].Attempts)

	require.NoError(t, poller.drain(context.Background()))
	require.Equal(t, StatusFailed, store.messages[1].Status)

	// Failed messages stay parked.
	require.NoError(t, poller.drain(context.Background()))
	require.Equal(t, 2, store.messages[1].Attempts)
}

func TestDrainKeepsOrderAcrossMessages(t *testing.T) {
	store := newMemoryStore()
	first := uuid.New()
	second := uuid.New()
	for _, id := range []uuid.UUID{first, second} {
		msg, err := NewMessage("document.submitted", id, nil)
		require.NoError(t, err)
		require.NoError(t, store.Insert(context.Background(), msg))
	}

	pub := &fakePublisher{}
	poller := NewPoller(store, pub, slog.Default(), time.Second, 10, 3)
	require.NoError(t, poller.drain(context.Background()))
	require.Equal(t, []string{first.String(), second.String()}, pub.published)
}
