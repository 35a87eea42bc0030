// Package reconcile closes the seam between the job store and the work
// queue: a row inserted whose enqueue never succeeded stays processing
// forever unless someone re-dispatches it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mahabhulekh/ferfar-extracts/internal/job"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

var ErrInvalidConfig = errors.New("reconcile: invalid config")

// OrphanLister is the store slice the sweeper reads.
type OrphanLister interface {
	ListOrphaned(ctx context.Context, olderThan time.Duration, limit int) ([]job.Request, error)
}

// Dispatcher re-enqueues a work item.
type Dispatcher interface {
	Dispatch(ctx context.Context, w workitem.WorkItem) error
}

type Config struct {
	// OlderThan is how long a processing row may sit before it counts as
	// orphaned. Must exceed the slowest plausible extraction, or healthy
	// in-flight jobs get re-enqueued.
	OlderThan time.Duration
	BatchSize int

	Log *slog.Logger
}

type Sweeper struct {
	cfg        Config
	store      OrphanLister
	dispatcher Dispatcher
	log        *slog.Logger
}

func New(cfg Config, store OrphanLister, dispatcher Dispatcher) (*Sweeper, error) {
	if store == nil || dispatcher == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.OlderThan <= 0 {
		cfg.OlderThan = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{cfg: cfg, store: store, dispatcher: dispatcher, log: log}, nil
}

// SweepOnce re-enqueues one batch of orphaned rows and returns how many were
// dispatched. Re-dispatch can duplicate delivery for a job whose original
// message survived; workers own idempotent consumption.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	rows, err := s.store.ListOrphaned(ctx, s.cfg.OlderThan, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list orphaned: %w", err)
	}

	dispatched := 0
	for _, r := range rows {
		item := workitem.FromRequest(r)
		if err := s.dispatcher.Dispatch(ctx, item); err != nil {
			s.log.Error("re-dispatch failed", "id", r.ID, "err", err)
			return dispatched, err
		}
		s.log.Info("orphaned job re-dispatched", "id", r.ID, "age", time.Since(r.CreatedAt).Round(time.Second))
		dispatched++
	}
	return dispatched, nil
}

// Run sweeps on a fixed interval until the context ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("sweep failed", "err", err)
			}
		}
	}
}
