package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the coarse result of an audited request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one audit trail entry. Every provisioning request produces
// exactly one, whatever its outcome.
type Record struct {
	ID           uuid.UUID         `json:"id"`
	RequestID    string            `json:"request_id,omitempty"`
	Action       string            `json:"action"`
	Descriptor   string            `json:"descriptor"`
	AccountID    string            `json:"account_id,omitempty"`
	TargetSystem string            `json:"target_system,omitempty"`
	Stage        string            `json:"stage,omitempty"`
	Outcome      string            `json:"outcome"`
	Status       Status            `json:"status"`
	Detail       string            `json:"detail,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// NewRecord returns a record with a fresh ID, the current time and its
// descriptor filled in.
func NewRecord(action, accountID string, status Status, detail string) Record {
	return Record{
		ID:         uuid.New(),
		Action:     strings.ToUpper(action),
		Descriptor: Descriptor(action, accountID, status, detail),
		AccountID:  accountID,
		Status:     status,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	}
}

// Descriptor renders the one-line summary stored with each record:
//
//	[CREATE] account jean.dupont - success - dn=uid=jean.dupont,dc=example,dc=com
func Descriptor(action, accountID string, status Status, detail string) string {
	if accountID == "" {
		accountID = "-"
	}
	d := fmt.Sprintf("[%s] account %s - %s", strings.ToUpper(action), accountID, status)
	if detail != "" {
		d += " - " + detail
	}
	return d
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Action       string
	AccountID    string
	TargetSystem string
	RequestID    string
	Status       Status
	Since        time.Time
	Limit        int
	Offset       int
}

// DefaultListLimit caps List results when Filter.Limit is zero.
const DefaultListLimit = 100

// Sink persists audit records.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Reader lists stored audit records, newest first.
type Reader interface {
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// SinkError reports a failed write to an audit sink.
type SinkError struct {
	Sink     string
	RecordID uuid.UUID
	Err      error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("audit sink %s failed to record %s: %v", e.Sink, e.RecordID, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
