package extractworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mahabhulekh/ferfar-extracts/internal/job"
	"github.com/mahabhulekh/ferfar-extracts/internal/queue"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

type stubConsumer struct {
	msgCh chan queue.Message
	errCh chan error
}

func newStubConsumer() *stubConsumer {
	return &stubConsumer{
		msgCh: make(chan queue.Message, 16),
		errCh: make(chan error, 16),
	}
}

func (c *stubConsumer) Messages() <-chan queue.Message { return c.msgCh }
func (c *stubConsumer) Errors() <-chan error           { return c.errCh }
func (c *stubConsumer) Close() error                   { return nil }

type stubExtractor struct {
	mu    sync.Mutex
	calls []workitem.WorkItem
	pdf   []byte
	err   error
}

func (e *stubExtractor) Extract(_ context.Context, w workitem.WorkItem) ([]byte, error) {
	e.mu.Lock()
	e.calls = append(e.calls, w)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.pdf, nil
}

func (e *stubExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type stubFiles struct {
	mu   sync.Mutex
	puts map[string][]byte
	err  error
}

func (f *stubFiles) Put(_ context.Context, key string, payload []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[key] = append([]byte(nil), payload...)
	f.mu.Unlock()
	return nil
}

func (f *stubFiles) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.puts[key]
	return b, ok
}

func encodeItem(t *testing.T, w workitem.WorkItem) []byte {
	t.Helper()
	b, err := w.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func testItem() workitem.WorkItem {
	return workitem.WorkItem{
		ID:         7,
		District:   "Pune",
		Taluka:     "Haveli",
		Village:    "Wagholi",
		MutationNo: "1234",
		DocType:    "FERFAR",
	}
}

// runWorker starts Run in the background and returns a stop func that waits
// for it to exit.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Fatalf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("worker did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func seedJob(t *testing.T, store *job.MemoryStore) int64 {
	t.Helper()
	id, err := store.Insert(context.Background(), job.Request{
		District:   "Pune",
		Taluka:     "Haveli",
		Village:    "Wagholi",
		MutationNo: "1234",
		PaymentID:  "pay_456",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	consumer := newStubConsumer()
	extractor := &stubExtractor{pdf: []byte("x")}
	files := &stubFiles{}
	store := job.NewMemoryStore()

	cases := []struct {
		name string
		fn   func() (*Worker, error)
	}{
		{"nil consumer", func() (*Worker, error) { return New(Config{}, nil, extractor, files, store, nil) }},
		{"nil extractor", func() (*Worker, error) { return New(Config{}, consumer, nil, files, store, nil) }},
		{"nil files", func() (*Worker, error) { return New(Config{}, consumer, extractor, nil, store, nil) }},
		{"nil store", func() (*Worker, error) { return New(Config{}, consumer, extractor, files, nil, nil) }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tc.fn(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("New: got %v want ErrInvalidConfig", err)
			}
		})
	}
}

func TestResultFileName(t *testing.T) {
	t.Parallel()

	if got, want := ResultFileName(testItem()), "Ferfar_1234_7.pdf"; got != want {
		t.Fatalf("ResultFileName: got %q want %q", got, want)
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	for i := int64(1); i < 7; i++ {
		seedJob(t, store)
	}
	id := seedJob(t, store) // id 7 matches the work item

	consumer := newStubConsumer()
	extractor := &stubExtractor{pdf: []byte("%PDF-1.4 fake")}
	files := &stubFiles{}

	w, err := New(Config{}, consumer, extractor, files, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runWorker(t, w)
	defer stop()

	consumer.msgCh <- queue.Message{Value: encodeItem(t, testItem())}

	waitFor(t, "job completion", func() bool {
		r, err := store.Get(context.Background(), id)
		return err == nil && r.Status == job.StatusCompleted
	})

	r, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.PDFURL != "Ferfar_1234_7.pdf" {
		t.Fatalf("pdf url: got %q", r.PDFURL)
	}
	if data, ok := files.get("Ferfar_1234_7.pdf"); !ok || string(data) != "%PDF-1.4 fake" {
		t.Fatalf("stored pdf: ok=%t data=%q", ok, data)
	}
}

func TestWorkerMarksFailedOnExtractError(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	for i := int64(1); i < 7; i++ {
		seedJob(t, store)
	}
	id := seedJob(t, store)

	consumer := newStubConsumer()
	extractor := &stubExtractor{err: errors.New("portal unreachable")}
	files := &stubFiles{}

	w, err := New(Config{}, consumer, extractor, files, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runWorker(t, w)
	defer stop()

	consumer.msgCh <- queue.Message{Value: encodeItem(t, testItem())}

	waitFor(t, "job failure", func() bool {
		r, err := store.Get(context.Background(), id)
		return err == nil && r.Status == job.StatusFailed
	})

	if _, ok := files.get("Ferfar_1234_7.pdf"); ok {
		t.Fatalf("pdf written for failed job")
	}
}

func TestWorkerDropsUndecodablePayloads(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	consumer := newStubConsumer()
	extractor := &stubExtractor{pdf: []byte("x")}
	files := &stubFiles{}

	w, err := New(Config{}, consumer, extractor, files, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runWorker(t, w)

	consumer.msgCh <- queue.Message{Value: []byte("not-json")}
	consumer.msgCh <- queue.Message{Value: []byte(`{"id":0}`)}

	// Give the worker time to mishandle them before shutting down.
	time.Sleep(50 * time.Millisecond)
	stop()

	if n := extractor.callCount(); n != 0 {
		t.Fatalf("extractor ran %d times for poison messages", n)
	}
}

func TestWorkerLeavesRowProcessingWhenPersistFails(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	for i := int64(1); i < 7; i++ {
		seedJob(t, store)
	}
	id := seedJob(t, store)

	consumer := newStubConsumer()
	extractor := &stubExtractor{pdf: []byte("x")}
	files := &stubFiles{err: errors.New("disk full")}

	w, err := New(Config{}, consumer, extractor, files, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runWorker(t, w)

	consumer.msgCh <- queue.Message{Value: encodeItem(t, testItem())}

	waitFor(t, "extract call", func() bool { return extractor.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	stop()

	// The row stays processing so redelivery or the sweeper retries it.
	r, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != job.StatusProcessing {
		t.Fatalf("status: got %q want %q", r.Status, job.StatusProcessing)
	}
}

func TestWorkerToleratesDuplicateDelivery(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	for i := int64(1); i < 7; i++ {
		seedJob(t, store)
	}
	id := seedJob(t, store)

	consumer := newStubConsumer()
	extractor := &stubExtractor{pdf: []byte("%PDF-1.4 fake")}
	files := &stubFiles{}

	w, err := New(Config{}, consumer, extractor, files, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runWorker(t, w)
	defer stop()

	consumer.msgCh <- queue.Message{Value: encodeItem(t, testItem())}
	consumer.msgCh <- queue.Message{Value: encodeItem(t, testItem())}

	waitFor(t, "both deliveries handled", func() bool { return extractor.callCount() == 2 })
	waitFor(t, "job completion", func() bool {
		r, err := store.Get(context.Background(), id)
		return err == nil && r.Status == job.StatusCompleted
	})

	r, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.PDFURL != "Ferfar_1234_7.pdf" {
		t.Fatalf("pdf url: got %q", r.PDFURL)
	}
}

func TestWorkerStopsWhenMessagesClose(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	consumer := newStubConsumer()
	extractor := &stubExtractor{pdf: []byte("x")}
	files := &stubFiles{}

	w, err := New(Config{}, consumer, extractor, files, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	close(consumer.msgCh)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after channel close")
	}
}
