package orchestrator

import (
	"errors"

	"github.com/nolandruid/CasaStellar2025/internal/contract"
	"github.com/nolandruid/CasaStellar2025/internal/disbursement"
	"github.com/nolandruid/CasaStellar2025/internal/ledger"
	"github.com/nolandruid/CasaStellar2025/internal/store"
)

// Error classes surfaced in structured logs. Operators use these to tell
// "money moved, bookkeeping failed" apart from "money never moved".
const (
	ClassValidation          = "validation"
	ClassSimulationFailed    = "simulation_failed"
	ClassTransactionFailed   = "transaction_failed"
	ClassPollTimeout         = "poll_timeout"
	ClassNetworkUnavailable  = "network_unavailable"
	ClassStore               = "store"
	ClassDisbursementService = "disbursement_service"
	ClassUnknown             = "unknown"
)

// Classify maps an error into its taxonomy class for logging.
func Classify(err error) string {
	var (
		validationErr *contract.ValidationError
		simErr        *ledger.SimulationError
		txErr         *ledger.TransactionError
		pollErr       *ledger.PollTimeoutError
		netErr        *ledger.NetworkError
		storeErr      *store.OpError
		svcErr        *disbursement.ServiceError
	)
	switch {
	case errors.As(err, &validationErr):
		return ClassValidation
	case errors.As(err, &simErr):
		return ClassSimulationFailed
	case errors.As(err, &txErr):
		return ClassTransactionFailed
	case errors.As(err, &pollErr):
		return ClassPollTimeout
	case errors.As(err, &netErr):
		return ClassNetworkUnavailable
	case errors.As(err, &storeErr):
		return ClassStore
	case errors.As(err, &svcErr):
		return ClassDisbursementService
	default:
		return ClassUnknown
	}
}

// Retryable reports whether a failed transition is safe to re-attempt on a
// later cycle without operator intervention. Unknown-outcome poll timeouts
// are excluded: the transaction may still land, so the batch needs a
// contract status read before any re-submission.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassNetworkUnavailable, ClassStore, ClassDisbursementService:
		return true
	default:
		return false
	}
}
