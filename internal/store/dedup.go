package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"uk.co.dudmesh.telex/internal/observability"
)

var dedupSchema = []string{
	`create table if not exists seen_messages (
		id          text primary key,
		received_at text not null
	)`,
	`create index if not exists idx_received_at on seen_messages(received_at)`,
}

// DedupStore records message IDs that have already been accepted. Records
// are never updated or removed here.
type DedupStore struct {
	db  *Database
	log *logrus.Entry
}

func NewDedupStore(ctx context.Context, db *Database) (*DedupStore, error) {
	s := &DedupStore{
		db:  db,
		log: observability.Component("dedup"),
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DedupStore) Init(ctx context.Context) error {
	if err := s.db.Initialize(ctx, dedupSchema); err != nil {
		return storageError("init", err)
	}
	return nil
}

func (s *DedupStore) Exists(ctx context.Context, id string) (bool, error) {
	defer observability.ObserveStore("dedup_exists", time.Now())

	var one int
	err := s.db.db.GetContext(ctx, &one, `select 1 from seen_messages where id = ? limit 1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.WithFields(logrus.Fields{"message_id": id, "exists": false}).Debug("message id lookup")
			return false, nil
		}
		return false, storageError("dedup exists", err)
	}
	s.log.WithFields(logrus.Fields{"message_id": id, "exists": true}).Debug("message id lookup")
	return true, nil
}

// Save marks id as seen. Saving an id that is already present is a no-op.
func (s *DedupStore) Save(ctx context.Context, id string) error {
	defer observability.ObserveStore("dedup_save", time.Now())

	receivedAt := formatTime(time.Now())
	_, err := s.db.db.ExecContext(ctx, `insert or ignore into seen_messages (id, received_at) values (?, ?)`, id, receivedAt)
	if err != nil {
		s.log.WithError(err).WithField("message_id", id).Error("failed to save message id")
		return storageError("dedup save", err)
	}
	s.log.WithFields(logrus.Fields{"message_id": id, "received_at": receivedAt}).Debug("message id saved")
	return nil
}
