package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeBatchLocked        = "payroll.batch.locked"
	EventTypeBatchReleased      = "payroll.batch.released"
	EventTypeBatchDistributed   = "payroll.batch.distributed"
	EventTypeDisbursementFailed = "payroll.disbursement.failed"
	EventTypeYieldClaimed       = "payroll.yield.claimed"
	EventTypeDualWriteDetected  = "payroll.store.dual_write"
)

// Event is the envelope every payroll event travels in.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps a payload in an event envelope.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    "payroll-orchestrator",
		Data:      data,
	}, nil
}

// BatchEvent describes a batch lifecycle transition.
type BatchEvent struct {
	Employer    string `json:"employer"`
	BatchID     int64  `json:"batch_id"`
	Status      string `json:"status"`
	TxRef       string `json:"tx_ref,omitempty"`
	TotalAmount string `json:"total_amount,omitempty"`
	YieldEarned string `json:"yield_earned,omitempty"`
}

// DisbursementEvent describes a disbursement attempt outcome.
type DisbursementEvent struct {
	Employer       string `json:"employer"`
	BatchID        int64  `json:"batch_id"`
	DisbursementID string `json:"disbursement_id,omitempty"`
	UploadStatus   string `json:"upload_status"`
	Reason         string `json:"reason,omitempty"`
}

// YieldEvent describes an employer yield claim.
type YieldEvent struct {
	Employer string `json:"employer"`
	TxRef    string `json:"tx_ref"`
	Amount   string `json:"amount"`
}

// DualWriteEvent flags a detected ledger/store inconsistency window: the
// ledger transaction landed but the off-chain write failed.
type DualWriteEvent struct {
	Employer string `json:"employer"`
	BatchID  int64  `json:"batch_id"`
	TxRef    string `json:"tx_ref"`
	Step     string `json:"step"`
	Reason   string `json:"reason"`
}
