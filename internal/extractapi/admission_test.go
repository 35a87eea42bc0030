package extractapi

import (
	"context"
	"errors"
	"testing"

	"github.com/mahabhulekh/ferfar-extracts/internal/job"
	"github.com/mahabhulekh/ferfar-extracts/internal/payment"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(payment.Proof) error { return v.err }

type stubDispatcher struct {
	items []workitem.WorkItem
	err   error
}

func (d *stubDispatcher) Dispatch(_ context.Context, w workitem.WorkItem) error {
	if d.err != nil {
		return d.err
	}
	d.items = append(d.items, w)
	return nil
}

type failingStore struct {
	job.Store
	insertErr error
}

func (s failingStore) Insert(context.Context, job.Request) (int64, error) {
	return 0, s.insertErr
}

func validSubmit() SubmitInput {
	return SubmitInput{
		District:   "Pune",
		Taluka:     "Haveli",
		Village:    "Wagholi",
		MutationNo: "1234",
		Proof: payment.Proof{
			OrderID:   "order_123",
			PaymentID: "pay_456",
			Signature: "sig",
		},
	}
}

func TestNewAdmitterValidation(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	dispatch := &stubDispatcher{}

	cases := []struct {
		name string
		cfg  AdmitterConfig
	}{
		{"nil verifier", AdmitterConfig{Store: store, Dispatcher: dispatch}},
		{"nil store", AdmitterConfig{Verifier: stubVerifier{}, Dispatcher: dispatch}},
		{"nil dispatcher", AdmitterConfig{Verifier: stubVerifier{}, Store: store}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewAdmitter(tc.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("NewAdmitter: got %v want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSubmitAdmitsAndDispatchesOnce(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	dispatch := &stubDispatcher{}
	a, err := NewAdmitter(AdmitterConfig{
		Verifier:   stubVerifier{},
		Store:      store,
		Dispatcher: dispatch,
	})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}

	id, err := a.Submit(context.Background(), validSubmit())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != 1 {
		t.Fatalf("id: got %d want 1", id)
	}

	row, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != job.StatusProcessing {
		t.Fatalf("status: got %q want %q", row.Status, job.StatusProcessing)
	}
	if row.PaymentID != "pay_456" {
		t.Fatalf("payment id: got %q", row.PaymentID)
	}

	if len(dispatch.items) != 1 {
		t.Fatalf("dispatched items: got %d want 1", len(dispatch.items))
	}
	item := dispatch.items[0]
	if item.ID != id {
		t.Fatalf("work item id: got %d want %d", item.ID, id)
	}
	if item.DocType != job.DefaultDocType {
		t.Fatalf("work item doc type: got %q", item.DocType)
	}
}

func TestSubmitRejectsBadProofBeforeAnyState(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	dispatch := &stubDispatcher{}
	a, err := NewAdmitter(AdmitterConfig{
		Verifier:   stubVerifier{err: payment.ErrVerificationFailed},
		Store:      store,
		Dispatcher: dispatch,
	})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}

	if _, err := a.Submit(context.Background(), validSubmit()); !errors.Is(err, payment.ErrVerificationFailed) {
		t.Fatalf("Submit: got %v want ErrVerificationFailed", err)
	}

	if _, err := store.Get(context.Background(), 1); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("row created despite failed verification")
	}
	if len(dispatch.items) != 0 {
		t.Fatalf("dispatched despite failed verification")
	}
}

func TestSubmitMissingFieldPassesThrough(t *testing.T) {
	t.Parallel()

	dispatch := &stubDispatcher{}
	a, err := NewAdmitter(AdmitterConfig{
		Verifier:   stubVerifier{},
		Store:      job.NewMemoryStore(),
		Dispatcher: dispatch,
	})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}

	in := validSubmit()
	in.District = ""
	if _, err := a.Submit(context.Background(), in); !errors.Is(err, job.ErrMissingField) {
		t.Fatalf("Submit: got %v want ErrMissingField", err)
	}
	if len(dispatch.items) != 0 {
		t.Fatalf("dispatched despite invalid request")
	}
}

func TestSubmitPaymentReplayPassesThrough(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	store.UniquePaymentID = true
	dispatch := &stubDispatcher{}
	a, err := NewAdmitter(AdmitterConfig{
		Verifier:   stubVerifier{},
		Store:      store,
		Dispatcher: dispatch,
	})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}

	if _, err := a.Submit(context.Background(), validSubmit()); err != nil {
		t.Fatalf("Submit #1: %v", err)
	}
	if _, err := a.Submit(context.Background(), validSubmit()); !errors.Is(err, job.ErrPaymentReplayed) {
		t.Fatalf("Submit #2: got %v want ErrPaymentReplayed", err)
	}
	if len(dispatch.items) != 1 {
		t.Fatalf("dispatched items: got %d want 1", len(dispatch.items))
	}
}

func TestSubmitStoreFailureWrapped(t *testing.T) {
	t.Parallel()

	dispatch := &stubDispatcher{}
	a, err := NewAdmitter(AdmitterConfig{
		Verifier:   stubVerifier{},
		Store:      failingStore{insertErr: errors.New("connection refused")},
		Dispatcher: dispatch,
	})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}

	if _, err := a.Submit(context.Background(), validSubmit()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Submit: got %v want ErrStoreUnavailable", err)
	}
	if len(dispatch.items) != 0 {
		t.Fatalf("dispatched despite insert failure")
	}
}

func TestSubmitDispatchFailureLeavesOrphanedRow(t *testing.T) {
	t.Parallel()

	store := job.NewMemoryStore()
	dispatch := &stubDispatcher{err: workitem.ErrDispatchUnavailable}
	a, err := NewAdmitter(AdmitterConfig{
		Verifier:   stubVerifier{},
		Store:      store,
		Dispatcher: dispatch,
	})
	if err != nil {
		t.Fatalf("NewAdmitter: %v", err)
	}

	if _, err := a.Submit(context.Background(), validSubmit()); !errors.Is(err, workitem.ErrDispatchUnavailable) {
		t.Fatalf("Submit: got %v want ErrDispatchUnavailable", err)
	}

	// The row persists and stays processing for the sweeper to pick up.
	row, err := store.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get orphan: %v", err)
	}
	if row.Status != job.StatusProcessing {
		t.Fatalf("orphan status: got %q want %q", row.Status, job.StatusProcessing)
	}
}
