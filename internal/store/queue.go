package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"uk.co.dudmesh.telex/internal/model"
	"uk.co.dudmesh.telex/internal/observability"
)

var queueSchema = []string{
	`create table if not exists message_queue (
		id             text primary key,
		priority       integer not null default 0,
		payload        text not null,
		payload_schema text not null default 'application/json',
		created_at     text not null,
		status         text not null default 'PENDING',
		check (priority >= 0 and priority <= 10)
	)`,
	`create index if not exists idx_message_queue_created_at on message_queue(created_at)`,
	`create index if not exists idx_message_queue_status on message_queue(status)`,
}

type queueRow struct {
	ID        string `db:"id"`
	Priority  int    `db:"priority"`
	Payload   string `db:"payload"`
	Schema    string `db:"payload_schema"`
	CreatedAt string `db:"created_at"`
	Status    string `db:"status"`
}

func (r *queueRow) decode() (*model.QueuedMessage, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing id: %w", err)
	}
	if !json.Valid([]byte(r.Payload)) {
		return nil, model.ErrorInvalidPayload
	}
	createdAt, err := model.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	status, err := model.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &model.QueuedMessage{
		ID:        id,
		Priority:  r.Priority,
		Payload:   json.RawMessage(r.Payload),
		Schema:    r.Schema,
		CreatedAt: createdAt.UTC(),
		Status:    status,
	}, nil
}

// QueueStore is the access layer over the message_queue table. Each call
// takes its own connection from the pool; there are no cross-call
// transactions.
type QueueStore struct {
	db  *Database
	log *logrus.Entry
}

func NewQueueStore(ctx context.Context, db *Database) (*QueueStore, error) {
	s := &QueueStore{
		db:  db,
		log: observability.Component("queue"),
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Init creates the queue table and indexes if they are missing.
func (s *QueueStore) Init(ctx context.Context) error {
	if err := s.db.Initialize(ctx, queueSchema); err != nil {
		return storageError("init", err)
	}
	return nil
}

func (s *QueueStore) Enqueue(ctx context.Context, msg *model.QueuedMessage) error {
	defer observability.ObserveStore("enqueue", time.Now())

	if err := msg.Validate(); err != nil {
		return fmt.Errorf("validating queued message: %w", err)
	}

	row := &queueRow{
		ID:        msg.ID.String(),
		Priority:  msg.Priority,
		Payload:   string(msg.Payload),
		Schema:    msg.Schema,
		CreatedAt: formatTime(msg.CreatedAt),
		Status:    string(msg.Status),
	}
	_, err := s.db.db.NamedExecContext(ctx, `insert into message_queue
		(id, priority, payload, payload_schema, created_at, status)
		values(:id, :priority, :payload, :payload_schema, :created_at, :status)`, row)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return storageError("enqueue", fmt.Errorf("%w: %s: %w", model.ErrorDuplicateMessage, row.ID, err))
		}
		return storageError("enqueue", err)
	}

	s.log.WithFields(logrus.Fields{
		"message_id": row.ID,
		"priority":   row.Priority,
		"status":     row.Status,
	}).Info("message enqueued")
	return nil
}

// NextBatch returns up to limit PENDING messages, oldest first. Rows that
// cannot be decoded are logged and skipped.
func (s *QueueStore) NextBatch(ctx context.Context, limit int) ([]*model.QueuedMessage, error) {
	defer observability.ObserveStore("next_batch", time.Now())

	if limit <= 0 {
		return []*model.QueuedMessage{}, nil
	}

	rows := []queueRow{}
	err := s.db.db.SelectContext(ctx, &rows, `select id, priority, payload, payload_schema, created_at, status
		from message_queue
		where status = ?
		order by created_at asc
		limit ?`, string(model.StatusPending), limit)
	if err != nil {
		return nil, storageError("next batch", err)
	}

	messages := make([]*model.QueuedMessage, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].decode()
		if err != nil {
			s.log.WithError(err).WithField("message_id", rows[i].ID).Error("skipping undecodable queue row")
			continue
		}
		messages = append(messages, msg)
	}

	s.log.WithFields(logrus.Fields{"count": len(messages), "limit": limit}).Debug("retrieved message batch")
	return messages, nil
}

// Delete removes the message and reports whether it existed.
func (s *QueueStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	defer observability.ObserveStore("delete", time.Now())

	res, err := s.db.db.ExecContext(ctx, `delete from message_queue where id = ?`, id.String())
	if err != nil {
		return false, storageError("delete", err)
	}
	deleted, err := affected(res)
	if err != nil {
		return false, storageError("delete", err)
	}

	log := s.log.WithField("message_id", id.String())
	if deleted {
		log.Info("message deleted")
	} else {
		log.Warn("message not found for deletion")
	}
	return deleted, nil
}

// UpdateStatus moves a message to status. It returns false when no such
// message exists and ErrorInvalidTransition when the message exists but its
// current status cannot move to the requested one.
func (s *QueueStore) UpdateStatus(ctx context.Context, id uuid.UUID, status model.Status) (bool, error) {
	defer observability.ObserveStore("update_status", time.Now())

	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", model.ErrorInvalidStatus, status)
	}
	log := s.log.WithFields(logrus.Fields{"message_id": id.String(), "status": string(status)})

	sources := model.TransitionSources(status)
	if len(sources) > 0 {
		from := make([]string, 0, len(sources))
		for _, source := range sources {
			from = append(from, string(source))
		}
		query, args, err := sqlx.In(`update message_queue set status = ? where id = ? and status in (?)`,
			string(status), id.String(), from)
		if err != nil {
			return false, fmt.Errorf("building status update: %w", err)
		}
		res, err := s.db.db.ExecContext(ctx, s.db.db.Rebind(query), args...)
		if err != nil {
			return false, storageError("update status", err)
		}
		updated, err := affected(res)
		if err != nil {
			return false, storageError("update status", err)
		}
		if updated {
			log.Info("message status updated")
			return true, nil
		}
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrorMessageNotFound) {
			log.Warn("message not found for status update")
			return false, nil
		}
		return false, err
	}
	return false, fmt.Errorf("%w: %s -> %s", model.ErrorInvalidTransition, current.Status, status)
}

// Get returns ErrorMessageNotFound when there is no message with id.
func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (*model.QueuedMessage, error) {
	defer observability.ObserveStore("get", time.Now())

	row := &queueRow{}
	err := s.db.db.GetContext(ctx, row, `select id, priority, payload, payload_schema, created_at, status
		from message_queue where id = ?`, id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorMessageNotFound
		}
		return nil, storageError("get", err)
	}

	msg, err := row.decode()
	if err != nil {
		return nil, storageError("get", fmt.Errorf("decoding row %s: %w", row.ID, err))
	}
	return msg, nil
}

// DeleteOlderThan removes every message created strictly before cutoff,
// whatever its status, and returns how many were removed.
func (s *QueueStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observability.ObserveStore("delete_older_than", time.Now())

	res, err := s.db.db.ExecContext(ctx, `delete from message_queue where created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, storageError("delete expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError("delete expired", err)
	}
	return n, nil
}

func (s *QueueStore) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	defer observability.ObserveStore("count", time.Now())

	rows := []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}{}
	err := s.db.db.SelectContext(ctx, &rows, `select status, count(*) as count from message_queue group by status`)
	if err != nil {
		return nil, storageError("count", err)
	}

	counts := map[model.Status]int64{
		model.StatusPending: 0,
		model.StatusSent:    0,
		model.StatusFailed:  0,
	}
	for _, r := range rows {
		counts[model.Status(r.Status)] = r.Count
	}
	return counts, nil
}

func affected(res sql.Result) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows > 0, nil
}
