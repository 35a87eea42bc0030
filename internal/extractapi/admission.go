package extractapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mahabhulekh/ferfar-extracts/internal/idempotency"
	"github.com/mahabhulekh/ferfar-extracts/internal/job"
	"github.com/mahabhulekh/ferfar-extracts/internal/payment"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

var (
	ErrInvalidConfig = errors.New("extractapi: invalid config")

	// ErrStoreUnavailable marks an admission that failed before any state was
	// created: the insert was rejected or the store was unreachable. Kept
	// distinct from workitem.ErrDispatchUnavailable, which means a row exists
	// and is orphaned.
	ErrStoreUnavailable = errors.New("extractapi: store unavailable")
)

// SubmitInput is one admission call: the request fields plus the payment
// proof tuple.
type SubmitInput struct {
	District   string
	Taluka     string
	Village    string
	MutationNo string
	DocType    string

	Proof payment.Proof
}

// ProofVerifier is the verifier slice admission needs.
type ProofVerifier interface {
	Verify(p payment.Proof) error
}

// WorkDispatcher hands a work item to the queue.
type WorkDispatcher interface {
	Dispatch(ctx context.Context, w workitem.WorkItem) error
}

type AdmitterConfig struct {
	Verifier   ProofVerifier
	Store      job.Store
	Dispatcher WorkDispatcher
	Log        *slog.Logger
}

// Admitter runs the verify -> insert -> enqueue sequence. The three steps are
// strictly ordered; concurrent Submit calls are independent and share only
// the pooled store and producer connections underneath.
type Admitter struct {
	verifier   ProofVerifier
	store      job.Store
	dispatcher WorkDispatcher
	log        *slog.Logger
}

func NewAdmitter(cfg AdmitterConfig) (*Admitter, error) {
	if cfg.Verifier == nil || cfg.Store == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Admitter{
		verifier:   cfg.Verifier,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		log:        log,
	}, nil
}

// Submit admits one paid extraction request and returns the new job id.
//
// Failure classes line up with how much state exists afterwards:
//   - payment.ErrVerificationFailed: nothing was created.
//   - job.ErrMissingField / job.ErrPaymentReplayed: nothing was created.
//   - ErrStoreUnavailable: nothing was created, store-side fault.
//   - workitem.ErrDispatchUnavailable: the row exists but no work item was
//     enqueued. The row stays processing until the sweeper re-dispatches it.
//
// A caller disconnecting mid-call does not roll anything back: once the
// insert committed the job exists even if the response is never delivered.
func (a *Admitter) Submit(ctx context.Context, in SubmitInput) (int64, error) {
	if a == nil || a.store == nil {
		return 0, fmt.Errorf("%w: nil admitter", ErrInvalidConfig)
	}

	if err := a.verifier.Verify(in.Proof); err != nil {
		return 0, err
	}
	paymentFP := idempotency.PaymentFingerprintV1(in.Proof.OrderID, in.Proof.PaymentID)

	req := job.Request{
		District:   in.District,
		Taluka:     in.Taluka,
		Village:    in.Village,
		MutationNo: in.MutationNo,
		DocType:    in.DocType,
		PaymentID:  strings.TrimSpace(in.Proof.PaymentID),
	}
	id, err := a.store.Insert(ctx, req)
	if err != nil {
		if errors.Is(err, job.ErrMissingField) || errors.Is(err, job.ErrPaymentReplayed) {
			return 0, err
		}
		a.log.Error("admission insert failed", "step", "insert", "payment", paymentFP, "err", err)
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	item := workitem.FromRequest(job.Request{
		ID:         id,
		District:   strings.TrimSpace(in.District),
		Taluka:     strings.TrimSpace(in.Taluka),
		Village:    strings.TrimSpace(in.Village),
		MutationNo: strings.TrimSpace(in.MutationNo),
		DocType:    strings.TrimSpace(in.DocType),
	})
	if err := a.dispatcher.Dispatch(ctx, item); err != nil {
		// The row is now orphaned; it stays processing until reconciled.
		a.log.Error("admission dispatch failed, job row orphaned",
			"step", "dispatch", "id", id, "payment", paymentFP, "err", err)
		return 0, err
	}

	a.log.Info("job admitted", "id", id, "payment", paymentFP, "docType", item.DocType)
	return id, nil
}
