package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nolandruid/CasaStellar2025/internal/contract"
	"github.com/nolandruid/CasaStellar2025/internal/orchestrator"
	"github.com/nolandruid/CasaStellar2025/internal/store"
	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
	"github.com/nolandruid/CasaStellar2025/pkg/messaging"
)

// Contract is the contract surface the lock path needs.
type Contract interface {
	Lock(ctx context.Context, employer string, amount paydec.Amount, payoutDate time.Time) (string, int64, error)
	ClaimYield(ctx context.Context, employer string) (string, paydec.Amount, error)
	GetStatus(ctx context.Context, employer string, batchID int64) (*contract.BatchView, error)
}

// Store is the persistence surface the lock path owns: batch creation and
// payee confirmation hooks. Release-side writes belong to the orchestrator.
type Store interface {
	CreateBatch(ctx context.Context, batch *store.PayrollBatch, employees []store.EmployeeEntry) error
	GetBatch(ctx context.Context, employer string, batchID int64) (*store.PayrollBatch, error)
	UpdateEmployeePayStatus(ctx context.Context, entryID string, status store.PayStatus) error
}

// Publisher publishes payroll lifecycle events. May be nil.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Payee is one employee in a lock request.
type Payee struct {
	Address string
	Amount  paydec.Amount
}

// LockRequest describes one payroll cycle to lock.
type LockRequest struct {
	Employer   string
	Amount     paydec.Amount
	PayoutDate time.Time
	Payees     []Payee
}

// BatchStatus merges the contract's view of a batch with the stored
// transaction references.
type BatchStatus struct {
	Batch        *store.PayrollBatch
	ContractView *contract.BatchView
}

// Service drives the employer-facing lock and yield flows.
type Service struct {
	contract Contract
	store    Store
	events   Publisher
	log      *logrus.Entry
	now      func() time.Time
}

// NewService creates a payroll service.
func NewService(c Contract, st Store, events Publisher, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		contract: c,
		store:    st,
		events:   events,
		log:      log.WithField("component", "payroll"),
		now:      time.Now,
	}
}

// LockFunds locks employer funds for a payroll cycle and records the batch
// and its payees. If the ledger outcome is unknown (network outage,
// poll timeout), the batch is still recorded as locked with a sentinel
// transaction reference so the off-chain record never silently disappears;
// definite rejections record nothing.
func (s *Service) LockFunds(ctx context.Context, req LockRequest) (*store.PayrollBatch, error) {
	if len(req.Payees) == 0 {
		return nil, &contract.ValidationError{Field: "payees", Reason: "at least one payee is required"}
	}
	total := paydec.Zero
	for _, p := range req.Payees {
		if !p.Amount.IsPositive() {
			return nil, &contract.ValidationError{Field: "payees", Reason: fmt.Sprintf("payee %s has non-positive amount", p.Address)}
		}
		total = total.Add(p.Amount)
	}
	if total.Cmp(req.Amount) != 0 {
		return nil, &contract.ValidationError{Field: "amount", Reason: "does not equal the sum of payee amounts"}
	}

	log := s.log.WithFields(logrus.Fields{
		"employer":    req.Employer,
		"amount":      req.Amount.String(),
		"payout_date": req.PayoutDate.UTC().Format(time.RFC3339),
	})

	txRef, batchID, err := s.contract.Lock(ctx, req.Employer, req.Amount, req.PayoutDate)
	if err != nil {
		switch orchestrator.Classify(err) {
		case orchestrator.ClassNetworkUnavailable, orchestrator.ClassPollTimeout:
			// Funds may have been locked on the ledger. Record the batch
			// with the sentinel reference and let reconciliation settle it.
			txRef = store.SentinelTxRef
			batchID = s.now().Unix()
			log.WithField("error_class", orchestrator.Classify(err)).WithError(err).
				Error("ledger lock outcome unknown; recording batch with sentinel reference")
		default:
			log.WithField("error_class", orchestrator.Classify(err)).WithError(err).Warn("ledger lock rejected")
			return nil, err
		}
	}

	batch := &store.PayrollBatch{
		EmployerAddress: req.Employer,
		BatchID:         batchID,
		TotalAmount:     req.Amount,
		LockDate:        s.now().UTC(),
		PayoutDate:      req.PayoutDate.UTC(),
		Status:          store.BatchLocked,
		LockTxRef:       txRef,
	}
	employees := make([]store.EmployeeEntry, 0, len(req.Payees))
	for _, p := range req.Payees {
		employees = append(employees, store.EmployeeEntry{
			EmployerAddress: req.Employer,
			BatchID:         batchID,
			Address:         p.Address,
			Amount:          p.Amount,
			PayStatus:       store.PayPending,
		})
	}

	if err := s.store.CreateBatch(ctx, batch, employees); err != nil {
		if txRef != store.SentinelTxRef {
			// Funds are locked on the ledger with no off-chain record: the
			// same dual-write window the release path has.
			log.WithFields(logrus.Fields{
				"inconsistency": "dual_write",
				"tx_ref":        txRef,
				"batch_id":      batchID,
			}).WithError(err).Error("ledger lock landed but batch record write failed")
		}
		return nil, err
	}

	log.WithFields(logrus.Fields{"batch_id": batchID, "tx_ref": txRef}).Info("payroll batch locked")

	s.publish(ctx, messaging.EventTypeBatchLocked, messaging.BatchEvent{
		Employer:    req.Employer,
		BatchID:     batchID,
		Status:      string(store.BatchLocked),
		TxRef:       txRef,
		TotalAmount: req.Amount.String(),
	})
	return batch, nil
}

// ClaimYield pays accrued yield back to the employer.
func (s *Service) ClaimYield(ctx context.Context, employer string) (string, paydec.Amount, error) {
	txRef, amount, err := s.contract.ClaimYield(ctx, employer)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"employer":    employer,
			"error_class": orchestrator.Classify(err),
		}).WithError(err).Error("yield claim failed")
		return "", paydec.Zero, err
	}

	s.log.WithFields(logrus.Fields{
		"employer": employer,
		"tx_ref":   txRef,
		"amount":   amount.String(),
	}).Info("yield claimed")

	s.publish(ctx, messaging.EventTypeYieldClaimed, messaging.YieldEvent{
		Employer: employer,
		TxRef:    txRef,
		Amount:   amount.String(),
	})
	return txRef, amount, nil
}

// GetBatchStatus returns the stored batch merged with the contract's
// read-only view. A failed contract read degrades to the stored record
// alone rather than failing the whole status call.
func (s *Service) GetBatchStatus(ctx context.Context, employer string, batchID int64) (*BatchStatus, error) {
	batch, err := s.store.GetBatch(ctx, employer, batchID)
	if err != nil {
		return nil, err
	}

	view, err := s.contract.GetStatus(ctx, employer, batchID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"employer":    employer,
			"batch_id":    batchID,
			"error_class": orchestrator.Classify(err),
		}).WithError(err).Warn("contract status read failed; returning stored record only")
		view = nil
	}
	return &BatchStatus{Batch: batch, ContractView: view}, nil
}

// ConfirmPayment is the disbursement confirmation hook: it advances one
// payee's pay status as webhook deliveries arrive.
func (s *Service) ConfirmPayment(ctx context.Context, entryID string, status store.PayStatus) error {
	switch status {
	case store.PaySent, store.PayClaimed:
	default:
		return &contract.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot transition to %q", status)}
	}
	return s.store.UpdateEmployeePayStatus(ctx, entryID, status)
}

func (s *Service) publish(ctx context.Context, eventType string, payload interface{}) {
	if s.events == nil {
		return
	}
	event, err := messaging.NewEvent(eventType, payload)
	if err != nil {
		s.log.WithError(err).Warn("failed to build event")
		return
	}
	if err := s.events.Publish(ctx, eventType, event); err != nil {
		s.log.WithField("event_type", eventType).WithError(err).Warn("failed to publish event")
	}
}
