package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.telex/internal/model"
)

func openTestDatabase(t *testing.T, name string) *Database {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", name), DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestQueue(t *testing.T) *QueueStore {
	t.Helper()
	queue, err := NewQueueStore(context.Background(), openTestDatabase(t, "messages.db"))
	require.NoError(t, err)
	return queue
}

func queuedAt(createdAt time.Time, body string) *model.QueuedMessage {
	msg := model.NewQueuedMessage(json.RawMessage(`{"body":"`+body+`"}`), 5)
	msg.CreatedAt = createdAt
	return msg
}

func TestQueueStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Enqueue and Get", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		msg := model.NewQueuedMessage(json.RawMessage(`{"to":"5678","text":"hello"}`), 7)
		require.NoError(t, queue.Enqueue(ctx, msg))

		got, err := queue.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(msg.ID, got.ID)
		assert.Equal(7, got.Priority)
		assert.JSONEq(`{"to":"5678","text":"hello"}`, string(got.Payload))
		assert.Equal(model.DefaultPayloadSchema, got.Schema)
		assert.Equal(model.StatusPending, got.Status)
		assert.WithinDuration(msg.CreatedAt, got.CreatedAt, time.Millisecond)
		assert.Equal(time.UTC, got.CreatedAt.Location())
	})

	t.Run("Enqueue fills defaults", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		msg := &model.QueuedMessage{ID: uuid.New(), Payload: json.RawMessage(`[1,2,3]`)}
		before := time.Now().UTC()
		require.NoError(t, queue.Enqueue(ctx, msg))

		got, err := queue.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(model.StatusPending, got.Status)
		assert.Equal(0, got.Priority)
		assert.False(got.CreatedAt.Before(before.Truncate(time.Microsecond)))
	})

	t.Run("Enqueue duplicate id", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		msg := queuedAt(time.Now(), "one")
		require.NoError(t, queue.Enqueue(ctx, msg))

		err := queue.Enqueue(ctx, msg)
		require.Error(t, err)
		var storageErr *StorageError
		assert.True(errors.As(err, &storageErr))
		assert.ErrorIs(err, model.ErrorDuplicateMessage)
	})

	t.Run("Enqueue rejects invalid messages", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		tooHigh := queuedAt(time.Now(), "x")
		tooHigh.Priority = 11
		assert.ErrorIs(queue.Enqueue(ctx, tooHigh), model.ErrorInvalidPriority)

		negative := queuedAt(time.Now(), "x")
		negative.Priority = -1
		assert.ErrorIs(queue.Enqueue(ctx, negative), model.ErrorInvalidPriority)

		badPayload := queuedAt(time.Now(), "x")
		badPayload.Payload = json.RawMessage(`{"unterminated"`)
		assert.ErrorIs(queue.Enqueue(ctx, badPayload), model.ErrorInvalidPayload)

		badStatus := queuedAt(time.Now(), "x")
		badStatus.Status = "LOST"
		assert.ErrorIs(queue.Enqueue(ctx, badStatus), model.ErrorInvalidStatus)
	})

	t.Run("Priority check constraint", func(t *testing.T) {
		queue := newTestQueue(t)
		_, err := queue.db.db.Exec(`insert into message_queue (id, priority, payload, created_at, status)
			values (?, 11, '{}', ?, 'PENDING')`, uuid.NewString(), formatTime(time.Now()))
		assert.Error(t, err)
	})

	t.Run("NextBatch is FIFO and honours limit", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		base := time.Now().UTC().Add(-time.Minute)
		third := queuedAt(base.Add(2*time.Second), "third")
		first := queuedAt(base, "first")
		second := queuedAt(base.Add(time.Second), "second")
		for _, msg := range []*model.QueuedMessage{third, first, second} {
			require.NoError(t, queue.Enqueue(ctx, msg))
		}

		batch, err := queue.NextBatch(ctx, 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(first.ID, batch[0].ID)
		assert.Equal(second.ID, batch[1].ID)
	})

	t.Run("NextBatch returns only pending", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		base := time.Now().UTC().Add(-time.Hour)
		sent := queuedAt(base, "sent")
		failed := queuedAt(base.Add(time.Second), "failed")
		pending := queuedAt(base.Add(2*time.Second), "pending")
		for _, msg := range []*model.QueuedMessage{sent, failed, pending} {
			require.NoError(t, queue.Enqueue(ctx, msg))
		}
		_, err := queue.UpdateStatus(ctx, sent.ID, model.StatusSent)
		require.NoError(t, err)
		_, err = queue.UpdateStatus(ctx, failed.ID, model.StatusFailed)
		require.NoError(t, err)

		batch, err := queue.NextBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(pending.ID, batch[0].ID)
		for _, msg := range batch {
			assert.Equal(model.StatusPending, msg.Status)
		}
	})

	t.Run("NextBatch skips undecodable rows", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		base := time.Now().UTC().Add(-time.Hour)
		_, err := queue.db.db.Exec(`insert into message_queue (id, priority, payload, created_at, status)
			values (?, 1, 'not json', ?, 'PENDING')`, uuid.NewString(), formatTime(base))
		require.NoError(t, err)
		_, err = queue.db.db.Exec(`insert into message_queue (id, priority, payload, created_at, status)
			values ('not-a-uuid', 1, '{}', ?, 'PENDING')`, formatTime(base.Add(time.Second)))
		require.NoError(t, err)

		good := queuedAt(base.Add(2*time.Second), "good")
		require.NoError(t, queue.Enqueue(ctx, good))

		batch, err := queue.NextBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(good.ID, batch[0].ID)
	})

	t.Run("NextBatch with non-positive limit", func(t *testing.T) {
		queue := newTestQueue(t)
		require.NoError(t, queue.Enqueue(ctx, queuedAt(time.Now(), "x")))

		batch, err := queue.NextBatch(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, batch)
	})

	t.Run("Delete", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		msg := queuedAt(time.Now(), "x")
		require.NoError(t, queue.Enqueue(ctx, msg))

		deleted, err := queue.Delete(ctx, msg.ID)
		assert.NoError(err)
		assert.True(deleted)

		deleted, err = queue.Delete(ctx, msg.ID)
		assert.NoError(err)
		assert.False(deleted)

		_, err = queue.Get(ctx, msg.ID)
		assert.ErrorIs(err, model.ErrorMessageNotFound)
	})

	t.Run("Delete unknown id", func(t *testing.T) {
		queue := newTestQueue(t)
		deleted, err := queue.Delete(ctx, uuid.New())
		assert.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("UpdateStatus follows transition table", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		msg := queuedAt(time.Now(), "x")
		require.NoError(t, queue.Enqueue(ctx, msg))

		updated, err := queue.UpdateStatus(ctx, msg.ID, model.StatusSent)
		assert.NoError(err)
		assert.True(updated)

		got, err := queue.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(model.StatusSent, got.Status)

		updated, err = queue.UpdateStatus(ctx, msg.ID, model.StatusPending)
		assert.ErrorIs(err, model.ErrorInvalidTransition)
		assert.False(updated)

		updated, err = queue.UpdateStatus(ctx, msg.ID, model.StatusFailed)
		assert.ErrorIs(err, model.ErrorInvalidTransition)
		assert.False(updated)

		_, err = queue.UpdateStatus(ctx, msg.ID, model.Status("LOST"))
		assert.ErrorIs(err, model.ErrorInvalidStatus)
	})

	t.Run("UpdateStatus unknown id", func(t *testing.T) {
		queue := newTestQueue(t)
		updated, err := queue.UpdateStatus(ctx, uuid.New(), model.StatusSent)
		assert.NoError(t, err)
		assert.False(t, updated)
	})

	t.Run("Get unknown id", func(t *testing.T) {
		queue := newTestQueue(t)
		msg, err := queue.Get(ctx, uuid.New())
		assert.Nil(t, msg)
		assert.ErrorIs(t, err, model.ErrorMessageNotFound)
	})

	t.Run("DeleteOlderThan is strict", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		cutoff := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
		old := queuedAt(cutoff.Add(-time.Second), "old")
		boundary := queuedAt(cutoff, "boundary")
		fresh := queuedAt(cutoff.Add(time.Second), "fresh")
		for _, msg := range []*model.QueuedMessage{old, boundary, fresh} {
			require.NoError(t, queue.Enqueue(ctx, msg))
		}
		_, err := queue.UpdateStatus(ctx, old.ID, model.StatusSent)
		require.NoError(t, err)

		n, err := queue.DeleteOlderThan(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(int64(1), n)

		_, err = queue.Get(ctx, old.ID)
		assert.ErrorIs(err, model.ErrorMessageNotFound)
		_, err = queue.Get(ctx, boundary.ID)
		assert.NoError(err)
		_, err = queue.Get(ctx, fresh.ID)
		assert.NoError(err)
	})

	t.Run("CountByStatus", func(t *testing.T) {
		assert := assert.New(t)
		queue := newTestQueue(t)

		a := queuedAt(time.Now(), "a")
		b := queuedAt(time.Now(), "b")
		require.NoError(t, queue.Enqueue(ctx, a))
		require.NoError(t, queue.Enqueue(ctx, b))
		_, err := queue.UpdateStatus(ctx, a.ID, model.StatusSent)
		require.NoError(t, err)

		counts, err := queue.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(int64(1), counts[model.StatusPending])
		assert.Equal(int64(1), counts[model.StatusSent])
		assert.Equal(int64(0), counts[model.StatusFailed])
	})
}

func TestQueueStoreInitIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "messages.db")

	db, err := Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	queue, err := NewQueueStore(ctx, db)
	require.NoError(t, err)

	msg := queuedAt(time.Now(), "kept")
	require.NoError(t, queue.Enqueue(ctx, msg))

	assert.NoError(queue.Init(ctx))
	assert.NoError(queue.Init(ctx))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	defer db.Close()
	queue, err = NewQueueStore(ctx, db)
	require.NoError(t, err)

	got, err := queue.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(msg.ID, got.ID)
}
