package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nolandruid/CasaStellar2025/internal/disbursement"
	"github.com/nolandruid/CasaStellar2025/internal/store"
	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
	"github.com/nolandruid/CasaStellar2025/pkg/messaging"
)

// Store is the persistence surface the orchestrator consumes. It owns all
// writes to batch status, yield, release refs and upload records.
type Store interface {
	GetBatch(ctx context.Context, employer string, batchID int64) (*store.PayrollBatch, error)
	MarkReleased(ctx context.Context, employer string, batchID int64, yield paydec.Amount, txRef string) error
	MarkDistributed(ctx context.Context, employer string, batchID int64) error
	ListEmployeesByBatch(ctx context.Context, employer string, batchID int64) ([]store.EmployeeEntry, error)
	CreateDisbursementUpload(ctx context.Context, upload *store.DisbursementUpload) error
}

// ContractClient is the single contract operation the release path needs.
type ContractClient interface {
	ReleaseToDisbursement(ctx context.Context, employer string, batchID int64, disbursementWallet string) (string, paydec.Amount, error)
}

// Disburser hands a released batch to the external disbursement service.
type Disburser interface {
	CreateDisbursement(ctx context.Context, req disbursement.CreateRequest) (*disbursement.CreateResult, error)
	StartDisbursement(ctx context.Context, disbursementID string) (string, error)
}

// Publisher publishes payroll lifecycle events. May be nil.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Config holds the disbursement destination the orchestrator releases to.
type Config struct {
	// DisbursementWallet is the ledger address the contract releases
	// principal to.
	DisbursementWallet string
	// WalletID identifies the receiving wallet inside the disbursement
	// service.
	WalletID  string
	AssetCode string
}

// Orchestrator drives one due batch through the forward-only state machine
// locked -> released -> distributed, tolerating failure at each boundary.
// Ledger failures leave the batch locked for the next cycle; disbursement
// failures are recorded but never roll the ledger back, because there is no
// rollback.
type Orchestrator struct {
	store     Store
	contract  ContractClient
	disburser Disburser
	events    Publisher
	cfg       Config
	log       *logrus.Entry
}

// New creates an orchestrator.
func New(st Store, contract ContractClient, disburser Disburser, events Publisher, cfg Config, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		store:     st,
		contract:  contract,
		disburser: disburser,
		events:    events,
		cfg:       cfg,
		log:       log.WithField("component", "orchestrator"),
	}
}

// ProcessBatch attempts one forward transition set for a due batch. It never
// revisits a completed step: a batch already released skips straight to the
// disbursement hand-off, and a distributed batch is a no-op.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch *store.PayrollBatch) error {
	log := o.batchLog(batch)

	// Re-read the stored status before touching the ledger. If a prior
	// cycle already released this batch, re-attempting the release would
	// move funds twice.
	current, err := o.store.GetBatch(ctx, batch.EmployerAddress, batch.BatchID)
	if err != nil {
		log.WithField("step", "precondition").WithError(err).Error("failed to re-read batch before release")
		return err
	}

	switch current.Status {
	case store.BatchDistributed:
		return nil
	case store.BatchReleased:
		return o.disburse(ctx, current)
	case store.BatchLocked:
		released, err := o.release(ctx, current)
		if err != nil {
			return err
		}
		return o.disburse(ctx, released)
	default:
		return fmt.Errorf("batch %s/%d has unknown status %q", current.EmployerAddress, current.BatchID, current.Status)
	}
}

// RetryDisbursement re-attempts only the disbursement hand-off for a batch
// that has already been released. It never touches the ledger.
func (o *Orchestrator) RetryDisbursement(ctx context.Context, employer string, batchID int64) error {
	batch, err := o.store.GetBatch(ctx, employer, batchID)
	if err != nil {
		return err
	}
	if batch.Status != store.BatchReleased {
		return fmt.Errorf("batch %s/%d is %s, not released; nothing to retry", employer, batchID, batch.Status)
	}
	return o.disburse(ctx, batch)
}

// release performs the locked -> released transition: one ledger call, then
// one store write. On ledger failure the batch stays locked and is retried
// whole on the next cycle.
func (o *Orchestrator) release(ctx context.Context, batch *store.PayrollBatch) (*store.PayrollBatch, error) {
	log := o.batchLog(batch).WithField("step", "release")

	txRef, yield, err := o.contract.ReleaseToDisbursement(ctx, batch.EmployerAddress, batch.BatchID, o.cfg.DisbursementWallet)
	if err != nil {
		log.WithField("error_class", Classify(err)).WithError(err).Error("ledger release failed; batch stays locked")
		return nil, err
	}

	if err := o.store.MarkReleased(ctx, batch.EmployerAddress, batch.BatchID, yield, txRef); err != nil {
		// The ledger has already moved the funds but the off-chain record
		// still says locked. This is the dual-write inconsistency window;
		// it must stand out from ordinary failures in the logs.
		log.WithFields(logrus.Fields{
			"error_class":   Classify(err),
			"inconsistency": "dual_write",
			"tx_ref":        txRef,
		}).WithError(err).Error("ledger release landed but store write failed")
		o.publish(ctx, messaging.EventTypeDualWriteDetected, messaging.DualWriteEvent{
			Employer: batch.EmployerAddress,
			BatchID:  batch.BatchID,
			TxRef:    txRef,
			Step:     "mark_released",
			Reason:   err.Error(),
		})
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"tx_ref":       txRef,
		"yield_earned": yield.String(),
	}).Info("batch released to disbursement wallet")

	o.publish(ctx, messaging.EventTypeBatchReleased, messaging.BatchEvent{
		Employer:    batch.EmployerAddress,
		BatchID:     batch.BatchID,
		Status:      string(store.BatchReleased),
		TxRef:       txRef,
		TotalAmount: batch.TotalAmount.String(),
		YieldEarned: yield.String(),
	})

	released := *batch
	released.Status = store.BatchReleased
	released.ReleaseTxRef = &txRef
	released.YieldEarned = &yield
	return &released, nil
}

// disburse performs the released -> distributed transition. Failures here
// are recorded as a failed upload attempt and never revert the release:
// principal has already left the contract.
func (o *Orchestrator) disburse(ctx context.Context, batch *store.PayrollBatch) error {
	log := o.batchLog(batch).WithField("step", "disburse")

	employees, err := o.store.ListEmployeesByBatch(ctx, batch.EmployerAddress, batch.BatchID)
	if err != nil {
		log.WithField("error_class", Classify(err)).WithError(err).Error("failed to read payee list")
		return err
	}
	if len(employees) == 0 {
		// Nothing to fan out. Terminal for this batch.
		log.Warn("batch has no employee entries; skipping disbursement")
		return nil
	}

	payees := make([]disbursement.Payee, 0, len(employees))
	for _, emp := range employees {
		payees = append(payees, disbursement.Payee{
			PaymentID: emp.ID,
			Address:   emp.Address,
			Amount:    emp.Amount,
		})
	}

	created, err := o.disburser.CreateDisbursement(ctx, disbursement.CreateRequest{
		Name:      fmt.Sprintf("payroll-%s-%d", batch.EmployerAddress, batch.BatchID),
		WalletID:  o.cfg.WalletID,
		AssetCode: o.cfg.AssetCode,
		Payees:    payees,
	})
	if err != nil {
		raw := ""
		if created != nil {
			raw = created.RawResponse
		}
		return o.recordDisbursementFailure(ctx, batch, "", raw, err)
	}

	raw, err := o.disburser.StartDisbursement(ctx, created.ID)
	if err != nil {
		return o.recordDisbursementFailure(ctx, batch, created.ID, raw, err)
	}

	upload := &store.DisbursementUpload{
		EmployerAddress: batch.EmployerAddress,
		BatchID:         batch.BatchID,
		DisbursementID:  created.ID,
		RawResponse:     raw,
		UploadStatus:    store.UploadSuccess,
	}
	if err := o.store.CreateDisbursementUpload(ctx, upload); err != nil {
		log.WithField("error_class", Classify(err)).WithError(err).Error("disbursement started but upload record write failed")
		return err
	}

	if err := o.store.MarkDistributed(ctx, batch.EmployerAddress, batch.BatchID); err != nil {
		log.WithFields(logrus.Fields{
			"error_class":     Classify(err),
			"inconsistency":   "dual_write",
			"disbursement_id": created.ID,
		}).WithError(err).Error("disbursement started but status write failed")
		return err
	}

	log.WithField("disbursement_id", created.ID).Info("batch handed to disbursement service")

	o.publish(ctx, messaging.EventTypeBatchDistributed, messaging.DisbursementEvent{
		Employer:       batch.EmployerAddress,
		BatchID:        batch.BatchID,
		DisbursementID: created.ID,
		UploadStatus:   string(store.UploadSuccess),
	})
	return nil
}

func (o *Orchestrator) recordDisbursementFailure(ctx context.Context, batch *store.PayrollBatch, disbursementID, raw string, cause error) error {
	log := o.batchLog(batch).WithField("step", "disburse")

	upload := &store.DisbursementUpload{
		EmployerAddress: batch.EmployerAddress,
		BatchID:         batch.BatchID,
		DisbursementID:  disbursementID,
		RawResponse:     raw,
		UploadStatus:    store.UploadFailed,
	}
	if storeErr := o.store.CreateDisbursementUpload(ctx, upload); storeErr != nil {
		log.WithField("error_class", Classify(storeErr)).WithError(storeErr).Error("failed to record failed disbursement attempt")
	}

	log.WithField("error_class", Classify(cause)).WithError(cause).Error("disbursement hand-off failed; batch stays released")

	o.publish(ctx, messaging.EventTypeDisbursementFailed, messaging.DisbursementEvent{
		Employer:       batch.EmployerAddress,
		BatchID:        batch.BatchID,
		DisbursementID: disbursementID,
		UploadStatus:   string(store.UploadFailed),
		Reason:         cause.Error(),
	})
	return cause
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, payload interface{}) {
	if o.events == nil {
		return
	}
	event, err := messaging.NewEvent(eventType, payload)
	if err != nil {
		o.log.WithError(err).Warn("failed to build event")
		return
	}
	if err := o.events.Publish(ctx, eventType, event); err != nil {
		o.log.WithField("event_type", eventType).WithError(err).Warn("failed to publish event")
	}
}

func (o *Orchestrator) batchLog(batch *store.PayrollBatch) *logrus.Entry {
	return o.log.WithFields(logrus.Fields{
		"employer": batch.EmployerAddress,
		"batch_id": batch.BatchID,
	})
}
