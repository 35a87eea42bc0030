// Package workitem defines the queue message that describes one extraction
// job and the dispatcher that hands it to the work queue.
package workitem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mahabhulekh/ferfar-extracts/internal/job"
)

// DefaultTopic is the well-known work queue name.
const DefaultTopic = "ferfar.extract.jobs.v1"

var (
	ErrInvalidConfig = errors.New("workitem: invalid config")
	ErrInvalidItem   = errors.New("workitem: invalid item")

	// ErrDispatchUnavailable marks a publish that failed after the job row was
	// already inserted. Callers must keep it distinguishable from store
	// failures: the row is now orphaned and needs reconciliation.
	ErrDispatchUnavailable = errors.New("workitem: dispatch unavailable")
)

// WorkItem is the serialized message consumed by extraction workers.
// ID is the store-assigned job id and the correlation key for status updates.
type WorkItem struct {
	ID         int64  `json:"id"`
	District   string `json:"district"`
	Taluka     string `json:"taluka"`
	Village    string `json:"village"`
	MutationNo string `json:"mutation_no"`
	DocType    string `json:"doc_type"`
}

// FromRequest builds the work item for a persisted request.
func FromRequest(r job.Request) WorkItem {
	docType := strings.TrimSpace(r.DocType)
	if docType == "" {
		docType = job.DefaultDocType
	}
	return WorkItem{
		ID:         r.ID,
		District:   r.District,
		Taluka:     r.Taluka,
		Village:    r.Village,
		MutationNo: r.MutationNo,
		DocType:    docType,
	}
}

func (w WorkItem) Validate() error {
	if w.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidItem)
	}
	if w.District == "" || w.Taluka == "" || w.Village == "" || w.MutationNo == "" {
		return fmt.Errorf("%w: missing location field", ErrInvalidItem)
	}
	if w.DocType == "" {
		return fmt.Errorf("%w: missing doc type", ErrInvalidItem)
	}
	return nil
}

func (w WorkItem) Encode() ([]byte, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("workitem: encode: %w", err)
	}
	return b, nil
}

func Decode(raw []byte) (WorkItem, error) {
	var w WorkItem
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return WorkItem{}, fmt.Errorf("%w: decode: %v", ErrInvalidItem, err)
	}
	if err := w.Validate(); err != nil {
		return WorkItem{}, err
	}
	return w, nil
}

// Publisher is the producer slice the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
}

// Dispatcher publishes one durable message per job to the work queue.
type Dispatcher struct {
	producer Publisher
	topic    string
}

func NewDispatcher(producer Publisher, topic string) (*Dispatcher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return &Dispatcher{producer: producer, topic: topic}, nil
}

// Dispatch enqueues the work item, keyed by job id so replays and retries for
// the same job land on the same partition. The message is durable once the
// broker acknowledges; only then does Dispatch return nil.
func (d *Dispatcher) Dispatch(ctx context.Context, w WorkItem) error {
	if d == nil || d.producer == nil {
		return fmt.Errorf("%w: nil dispatcher", ErrInvalidConfig)
	}
	payload, err := w.Encode()
	if err != nil {
		return err
	}
	key := []byte(strconv.FormatInt(w.ID, 10))
	if err := d.producer.Publish(ctx, d.topic, key, payload); err != nil {
		return fmt.Errorf("%w: publish job %d: %v", ErrDispatchUnavailable, w.ID, err)
	}
	return nil
}
