package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"uk.co.dudmesh.telex/internal/observability"
)

const (
	DefaultTTL      = 72 * time.Hour
	DefaultInterval = 60 * time.Second

	// bounds a single pass, and so how long Stop can wait
	passTimeout = 5 * time.Minute
)

// Reaper removes queue entries created strictly before cutoff.
type Reaper interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	TTL      time.Duration
	Interval time.Duration
}

// Collector periodically deletes queued messages older than the TTL.
type Collector struct {
	reaper   Reaper
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	log      *logrus.Entry

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(reaper Reaper, config Config) *Collector {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &Collector{
		reaper:   reaper,
		ttl:      config.TTL,
		interval: config.Interval,
		now:      time.Now,
		log:      observability.Component("gc"),
	}
}

func (c *Collector) TTL() time.Duration {
	return c.ttl
}

func (c *Collector) Interval() time.Duration {
	return c.interval
}

func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

// Start launches the background loop. Calling Start on a running collector
// logs a warning and does nothing.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		c.log.Warn("garbage collector already running")
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)

	c.log.WithFields(logrus.Fields{
		"ttl_hours":        c.ttl.Hours(),
		"interval_seconds": c.interval.Seconds(),
	}).Info("garbage collector started")
}

// Stop signals the loop and blocks until it has exited, including any pass
// that was in flight. Stopping a stopped collector is a no-op.
func (c *Collector) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	c.log.Info("garbage collector stopped")
}

func (c *Collector) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
			if _, err := c.CleanupNow(ctx); err != nil {
				c.log.WithError(err).Error("garbage collection pass failed")
			}
			cancel()
		}
	}
}

// CleanupNow runs a single pass immediately and returns the number of
// messages removed.
func (c *Collector) CleanupNow(ctx context.Context) (int64, error) {
	cutoff := c.now().UTC().Add(-c.ttl)

	deleted, err := c.reaper.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		observability.CollectorRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("deleting expired messages: %w", err)
	}
	observability.CollectorRuns.WithLabelValues("ok").Inc()
	observability.CollectorDeleted.Add(float64(deleted))

	log := c.log.WithFields(logrus.Fields{"cutoff": cutoff.Format(time.RFC3339), "deleted": deleted})
	if deleted > 0 {
		log.Info("expired messages removed")
	} else {
		log.Debug("no expired messages")
	}
	return deleted, nil
}
