package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"uk.co.dudmesh.telex/internal/model"
	"uk.co.dudmesh.telex/internal/observability"
)

// PayloadSchema tags queue entries whose payload is a serialized Message.
const PayloadSchema = "telex.message/v1"

type Queue interface {
	Enqueue(ctx context.Context, msg *model.QueuedMessage) error
}

type SeenSet interface {
	Exists(ctx context.Context, id string) (bool, error)
	Save(ctx context.Context, id string) error
}

// Relay accepts validated messages from the listener and stores each one at
// most once.
type Relay struct {
	nodeID string
	queue  Queue
	seen   SeenSet
	now    func() time.Time
	log    *logrus.Entry
}

func New(nodeID string, queue Queue, seen SeenSet) *Relay {
	return &Relay{
		nodeID: nodeID,
		queue:  queue,
		seen:   seen,
		now:    time.Now,
		log:    observability.Component("relay").WithField("node_id", nodeID),
	}
}

// Handle stamps the message with this node's trace hop and queues it unless
// its ID has already been seen.
func (r *Relay) Handle(ctx context.Context, msg *model.Message) error {
	id := msg.MessageID.String()
	log := r.log.WithField("message_id", id)

	seen, err := r.seen.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("checking message id: %w", err)
	}
	if seen {
		observability.MessagesDuplicate.Inc()
		log.Info("duplicate message dropped")
		return nil
	}

	msg.AppendTrace(r.nodeID, r.now().UTC())
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	queued := &model.QueuedMessage{
		ID:        msg.MessageID,
		Priority:  msg.Routing.Priority,
		Payload:   payload,
		Schema:    PayloadSchema,
		CreatedAt: r.now().UTC(),
		Status:    model.StatusPending,
	}
	if queued.ID == uuid.Nil {
		queued.ID = uuid.New()
	}

	if err := r.queue.Enqueue(ctx, queued); err != nil {
		if !errors.Is(err, model.ErrorDuplicateMessage) {
			return fmt.Errorf("enqueueing message: %w", err)
		}
		observability.MessagesDuplicate.Inc()
		log.Info("message already queued")
	} else {
		observability.MessagesEnqueued.Inc()
	}

	if err := r.seen.Save(ctx, id); err != nil {
		return fmt.Errorf("recording message id: %w", err)
	}

	log.WithFields(logrus.Fields{
		"source":      msg.Routing.Source,
		"destination": msg.Routing.Destination,
		"priority":    msg.Routing.Priority,
		"hops":        len(msg.Trace),
	}).Info("message accepted")
	return nil
}
