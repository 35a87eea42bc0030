// Package extractworker consumes work items, drives the extractor, and
// writes the result back to the job store. It is the collaborator side of
// the admission contract: it only touches rows it received a work item for,
// and only moves status forward.
package extractworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mahabhulekh/ferfar-extracts/internal/job"
	"github.com/mahabhulekh/ferfar-extracts/internal/queue"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

var ErrInvalidConfig = errors.New("extractworker: invalid config")

// Extractor produces the PDF bytes for one work item.
type Extractor interface {
	Extract(ctx context.Context, w workitem.WorkItem) ([]byte, error)
}

// FileWriter persists a completed PDF under its result key.
type FileWriter interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
}

// ResultStore is the write-back slice of the job store.
type ResultStore interface {
	MarkCompleted(ctx context.Context, id int64, pdfURL string) error
	MarkFailed(ctx context.Context, id int64) error
}

type Config struct {
	MaxInflight int
	AckTimeout  time.Duration
}

type Worker struct {
	cfg Config

	consumer  queue.Consumer
	extractor Extractor
	files     FileWriter
	store     ResultStore
	log       *slog.Logger
}

func New(cfg Config, consumer queue.Consumer, extractor Extractor, files FileWriter, store ResultStore, log *slog.Logger) (*Worker, error) {
	if consumer == nil || extractor == nil || files == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:       cfg,
		consumer:  consumer,
		extractor: extractor,
		files:     files,
		store:     store,
		log:       log,
	}, nil
}

// ResultFileName is the pdf_url recorded for a completed job.
func ResultFileName(w workitem.WorkItem) string {
	return fmt.Sprintf("Ferfar_%s_%d.pdf", w.MutationNo, w.ID)
}

// Run consumes until the context ends or the message channel closes.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(qmsg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handleMessage(ctx, qmsg)
			}(msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) {
	item, err := workitem.Decode(msg.Value)
	if err != nil {
		// Malformed payloads are not retryable; ack so they do not wedge the
		// partition.
		w.log.Error("drop undecodable work item", "err", err)
		w.ack(ctx, msg)
		return
	}

	pdf, err := w.extractor.Extract(ctx, item)
	if err != nil {
		w.log.Error("extraction failed", "id", item.ID, "err", err)
		w.writeBackFailed(ctx, item.ID)
		w.ack(ctx, msg)
		return
	}

	fileName := ResultFileName(item)
	if err := w.files.Put(ctx, fileName, pdf, "application/pdf"); err != nil {
		// Nothing durable was written; leave the row processing and let
		// redelivery or the sweeper retry the whole job.
		w.log.Error("persist pdf failed", "id", item.ID, "err", err)
		return
	}

	if err := w.store.MarkCompleted(ctx, item.ID, fileName); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			// Duplicate delivery of an already finished job.
			w.log.Info("job already terminal", "id", item.ID)
			w.ack(ctx, msg)
			return
		}
		w.log.Error("mark completed failed", "id", item.ID, "err", err)
		return
	}

	w.log.Info("job completed", "id", item.ID, "file", fileName)
	w.ack(ctx, msg)
}

func (w *Worker) writeBackFailed(ctx context.Context, id int64) {
	if err := w.store.MarkFailed(ctx, id); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		w.log.Error("mark failed failed", "id", id, "err", err)
	}
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	// Commit even when shutdown has begun; the work is already durable.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ackCtx); err != nil {
		w.log.Error("ack failed", "err", err)
	}
}
