package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mahabhulekh/ferfar-extracts/internal/job"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

type captureDispatcher struct {
	items   []workitem.WorkItem
	failIDs map[int64]error
}

func (d *captureDispatcher) Dispatch(_ context.Context, w workitem.WorkItem) error {
	if err, ok := d.failIDs[w.ID]; ok {
		return err
	}
	d.items = append(d.items, w)
	return nil
}

func seedStore(t *testing.T) (*job.MemoryStore, []int64) {
	t.Helper()

	s := job.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetNow(func() time.Time { return now })

	var ids []int64
	for i, paymentID := range []string{"pay_1", "pay_2", "pay_3"} {
		id, err := s.Insert(context.Background(), job.Request{
			District:   "Pune",
			Taluka:     "Haveli",
			Village:    "Wagholi",
			MutationNo: "100" + paymentID[4:],
			PaymentID:  paymentID,
		})
		if err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
		ids = append(ids, id)
	}

	// Third row completes; only the first two can be orphans.
	if err := s.MarkCompleted(context.Background(), ids[2], "done.pdf"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	now = base.Add(time.Hour)
	return s, ids
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	d := &captureDispatcher{}

	if _, err := New(Config{}, nil, d); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: got %v want ErrInvalidConfig", err)
	}
	if _, err := New(Config{}, store, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil dispatcher: got %v want ErrInvalidConfig", err)
	}
}

func TestSweepOnceRedispatchesOrphans(t *testing.T) {
	t.Parallel()

	store, ids := seedStore(t)
	d := &captureDispatcher{}

	sw, err := New(Config{OlderThan: 15 * time.Minute}, store, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched: got %d want 2", n)
	}
	if len(d.items) != 2 {
		t.Fatalf("items: got %d want 2", len(d.items))
	}
	if d.items[0].ID != ids[0] || d.items[1].ID != ids[1] {
		t.Fatalf("item ids: got %d,%d want %d,%d", d.items[0].ID, d.items[1].ID, ids[0], ids[1])
	}
	if d.items[0].DocType != job.DefaultDocType {
		t.Fatalf("doc type: got %q", d.items[0].DocType)
	}
}

func TestSweepOnceStopsOnDispatchError(t *testing.T) {
	t.Parallel()

	store, ids := seedStore(t)
	d := &captureDispatcher{
		failIDs: map[int64]error{ids[1]: workitem.ErrDispatchUnavailable},
	}

	sw, err := New(Config{OlderThan: 15 * time.Minute}, store, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := sw.SweepOnce(context.Background())
	if !errors.Is(err, workitem.ErrDispatchUnavailable) {
		t.Fatalf("SweepOnce: got %v want ErrDispatchUnavailable", err)
	}
	if n != 1 {
		t.Fatalf("dispatched before failure: got %d want 1", n)
	}
}

func TestSweepOnceNoOrphans(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	d := &captureDispatcher{}

	sw, err := New(Config{}, store, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("dispatched: got %d want 0", n)
	}
}

func TestRunRequiresInterval(t *testing.T) {
	t.Parallel()

	sw, err := New(Config{}, job.NewMemoryStore(), &captureDispatcher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sw.Run(context.Background(), 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Run: got %v want ErrInvalidConfig", err)
	}
}

func TestRunSweepsUntilContextEnds(t *testing.T) {
	t.Parallel()

	store, _ := seedStore(t)
	d := &captureDispatcher{}

	sw, err := New(Config{OlderThan: 15 * time.Minute}, store, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := sw.Run(ctx, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: got %v want DeadlineExceeded", err)
	}
	if len(d.items) < 2 {
		t.Fatalf("items: got %d want at least 2", len(d.items))
	}
}
