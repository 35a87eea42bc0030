package job

import (
	"strings"
	"time"
)

// DefaultDocType is the extract flavour the current deployment produces.
const DefaultDocType = "FERFAR"

// Status is the lifecycle tag of an extraction request. Stored as text because
// the external worker writes it back over the wire contract.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is one extraction request. ID is assigned by the store at insert
// time and is the only handle given back to callers; it also keys the queue
// message for the job.
type Request struct {
	ID int64

	District   string
	Taluka     string
	Village    string
	MutationNo string
	DocType    string

	Status Status
	// PDFURL is the result locator. Set only by the worker on completion.
	PDFURL string

	PaymentID string
	CreatedAt time.Time
}

// Normalize trims caller-supplied fields and applies doc type and status
// defaults. It does not validate presence; Validate does.
func (r Request) Normalize() Request {
	r.District = strings.TrimSpace(r.District)
	r.Taluka = strings.TrimSpace(r.Taluka)
	r.Village = strings.TrimSpace(r.Village)
	r.MutationNo = strings.TrimSpace(r.MutationNo)
	r.DocType = strings.TrimSpace(r.DocType)
	r.PaymentID = strings.TrimSpace(r.PaymentID)
	if r.DocType == "" {
		r.DocType = DefaultDocType
	}
	if r.Status == "" {
		r.Status = StatusProcessing
	}
	return r
}

func (r Request) Validate() error {
	if r.District == "" || r.Taluka == "" || r.Village == "" || r.MutationNo == "" {
		return ErrMissingField
	}
	if r.PaymentID == "" {
		return ErrMissingField
	}
	if !r.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}
