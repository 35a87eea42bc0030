package job

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("job: not found")
	ErrMissingField      = errors.New("job: missing required field")
	ErrInvalidStatus     = errors.New("job: invalid status")
	ErrInvalidTransition = errors.New("job: invalid transition")
	// ErrPaymentReplayed is returned by Insert when payment id uniqueness is
	// enforced and the payment id was already used for another request.
	ErrPaymentReplayed = errors.New("job: payment id already used")
)

// Store persists extraction requests.
//
// Insert assigns the id and the created_at timestamp. MarkCompleted and
// MarkFailed are the worker write-path: transitions only move forward
// (processing -> completed | failed), repeats of the same terminal write are
// accepted, anything else is ErrInvalidTransition.
type Store interface {
	Insert(ctx context.Context, r Request) (int64, error)
	Get(ctx context.Context, id int64) (Request, error)

	// ListOrphaned returns processing rows created more than olderThan ago,
	// oldest first. These are candidates for re-dispatch: either the enqueue
	// failed after the insert or the work item was lost downstream.
	ListOrphaned(ctx context.Context, olderThan time.Duration, limit int) ([]Request, error)

	MarkCompleted(ctx context.Context, id int64, pdfURL string) error
	MarkFailed(ctx context.Context, id int64) error
}
