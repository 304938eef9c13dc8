package orchestrator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nolandruid/CasaStellar2025/internal/contract"
	"github.com/nolandruid/CasaStellar2025/internal/store"
	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
)

// ReconcileTxRef marks a release recorded during reconciliation: the ledger
// moved the funds in some earlier attempt whose reference was lost.
const ReconcileTxRef = "reconciled"

// ContractReader is the read-only contract surface used for reconciliation.
type ContractReader interface {
	GetStatus(ctx context.Context, employer string, batchID int64) (*contract.BatchView, error)
}

// Reconciler aligns stale off-chain records with the contract's view after a
// restart. The store is eventually consistent with the ledger: when an
// earlier run released funds but died before the store write, the contract
// is the ground truth.
type Reconciler struct {
	store  Store
	reader ContractReader
	log    *logrus.Entry
}

// NewReconciler creates a reconciler.
func NewReconciler(st Store, reader ContractReader, log *logrus.Logger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{
		store:  st,
		reader: reader,
		log:    log.WithField("component", "reconciler"),
	}
}

// ReconcileBatch checks one still-locked batch against the contract. If the
// contract says the funds already left, the stored record is advanced to
// released with a reconcile reference, which keeps the next cycle from
// re-submitting the release.
func (r *Reconciler) ReconcileBatch(ctx context.Context, batch *store.PayrollBatch) error {
	if batch.Status != store.BatchLocked {
		return nil
	}

	log := r.log.WithFields(logrus.Fields{
		"employer": batch.EmployerAddress,
		"batch_id": batch.BatchID,
	})

	view, err := r.reader.GetStatus(ctx, batch.EmployerAddress, batch.BatchID)
	if err != nil {
		log.WithField("error_class", Classify(err)).WithError(err).Warn("contract status read failed; leaving batch as stored")
		return err
	}
	if view == nil || !view.FundsReleased {
		return nil
	}

	yield, err := paydec.FromSmallestUnit(view.YieldEarned)
	if err != nil {
		log.WithError(err).Warn("contract reports release but yield is malformed; recording zero yield")
		yield = paydec.Zero
	}

	if err := r.store.MarkReleased(ctx, batch.EmployerAddress, batch.BatchID, yield, ReconcileTxRef); err != nil {
		log.WithField("error_class", Classify(err)).WithError(err).Error("failed to record reconciled release")
		return err
	}

	log.WithField("yield_earned", yield.String()).Warn("store said locked but contract already released; record advanced")
	return nil
}
