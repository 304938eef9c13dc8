package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nolandruid/CasaStellar2025/internal/ledger"
	"github.com/nolandruid/CasaStellar2025/pkg/circuit"
	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
)

// Contract function names, matching the payroll yield contract's exports.
const (
	fnLockPayroll  = "lock_payroll"
	fnReleaseToSDP = "release_to_sdp"
	fnClaimYield   = "claim_yield"
	fnGetStatus    = "get_status"
)

// ValidationError reports bad input rejected locally, before any network
// round-trip is wasted on it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// BatchView is the contract's stored view of a payroll lock, read via a
// simulate-only query.
type BatchView struct {
	Employer      string `json:"employer"`
	TotalAmount   string `json:"total_amount"`
	LockDate      uint64 `json:"lock_date"`
	PayoutDate    uint64 `json:"payout_date"`
	YieldEarned   string `json:"yield_earned"`
	FundsReleased bool   `json:"funds_released"`
	YieldClaimed  bool   `json:"yield_claimed"`
}

// Adapter marshals payroll operations into contract invocations through the
// transaction client. It has no payroll state of its own: the contract is an
// opaque remote procedure with a known call signature.
type Adapter struct {
	client     *ledger.Client
	contractID string
	breaker    *circuit.Breaker

	// now is injectable for validation tests.
	now func() time.Time
}

// NewAdapter creates an adapter bound to one deployed contract instance.
func NewAdapter(client *ledger.Client, contractID string) *Adapter {
	return &Adapter{
		client:     client,
		contractID: contractID,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "ledger-rpc",
			MaxFailures: 5,
			CoolOff:     30 * time.Second,
			Countable:   countsAgainstLedger,
		}),
		now: time.Now,
	}
}

// countsAgainstLedger trips the breaker only on errors that say something
// about the RPC node's health. Simulation and transaction failures are
// answers, not outages.
func countsAgainstLedger(err error) bool {
	var netErr *ledger.NetworkError
	var pollErr *ledger.PollTimeoutError
	return errors.As(err, &netErr) || errors.As(err, &pollErr)
}

// Lock locks employer funds for a payroll cycle. Returns the transaction
// reference and the batch id the contract assigned.
func (a *Adapter) Lock(ctx context.Context, employer string, amount paydec.Amount, payoutDate time.Time) (string, int64, error) {
	if !amount.IsPositive() {
		return "", 0, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if !payoutDate.After(a.now()) {
		return "", 0, &ValidationError{Field: "payout_date", Reason: "must be in the future"}
	}

	outcome, err := a.submit(ctx, ledger.InvokeOp{
		Contract: a.contractID,
		Function: fnLockPayroll,
		Args: []ledger.Value{
			{Type: "address", Value: employer},
			{Type: "i128", Value: amount.SmallestUnit()},
			{Type: "u64", Value: strconv.FormatInt(payoutDate.Unix(), 10)},
		},
	})
	if err != nil {
		return "", 0, err
	}

	batchID, err := parseU64(outcome.ReturnValue)
	if err != nil {
		return outcome.Hash, 0, fmt.Errorf("lock succeeded but return value is malformed: %w", err)
	}
	return outcome.Hash, batchID, nil
}

// ReleaseToDisbursement releases the batch's principal to the disbursement
// wallet. Returns the transaction reference and the yield earned during the
// lock period.
func (a *Adapter) ReleaseToDisbursement(ctx context.Context, employer string, batchID int64, disbursementWallet string) (string, paydec.Amount, error) {
	outcome, err := a.submit(ctx, ledger.InvokeOp{
		Contract: a.contractID,
		Function: fnReleaseToSDP,
		Args: []ledger.Value{
			{Type: "address", Value: employer},
			{Type: "u64", Value: strconv.FormatInt(batchID, 10)},
			{Type: "address", Value: disbursementWallet},
		},
	})
	if err != nil {
		return "", paydec.Zero, err
	}

	yield, err := parseI128Amount(outcome.ReturnValue)
	if err != nil {
		return outcome.Hash, paydec.Zero, fmt.Errorf("release succeeded but return value is malformed: %w", err)
	}
	return outcome.Hash, yield, nil
}

// ClaimYield pays the accrued yield back to the employer. Returns the
// transaction reference and the employer's share.
func (a *Adapter) ClaimYield(ctx context.Context, employer string) (string, paydec.Amount, error) {
	outcome, err := a.submit(ctx, ledger.InvokeOp{
		Contract: a.contractID,
		Function: fnClaimYield,
		Args: []ledger.Value{
			{Type: "address", Value: employer},
		},
	})
	if err != nil {
		return "", paydec.Zero, err
	}

	share, err := parseI128Amount(outcome.ReturnValue)
	if err != nil {
		return outcome.Hash, paydec.Zero, fmt.Errorf("claim succeeded but return value is malformed: %w", err)
	}
	return outcome.Hash, share, nil
}

// GetStatus reads the contract's view of a batch. The call is built and
// simulated but never submitted; the simulated return value is the answer.
func (a *Adapter) GetStatus(ctx context.Context, employer string, batchID int64) (*BatchView, error) {
	var value *ledger.Value
	err := a.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		value, callErr = a.client.SimulateCall(ctx, ledger.InvokeOp{
			Contract: a.contractID,
			Function: fnGetStatus,
			Args: []ledger.Value{
				{Type: "address", Value: employer},
				{Type: "u64", Value: strconv.FormatInt(batchID, 10)},
			},
		})
		return callErr
	})
	if err != nil {
		return nil, classify(err)
	}
	if value == nil {
		return nil, nil
	}

	var view BatchView
	if err := json.Unmarshal([]byte(value.Value), &view); err != nil {
		return nil, fmt.Errorf("malformed contract status: %w", err)
	}
	return &view, nil
}

func (a *Adapter) submit(ctx context.Context, op ledger.InvokeOp) (*ledger.Outcome, error) {
	var outcome *ledger.Outcome
	err := a.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		outcome, callErr = a.client.Submit(ctx, op)
		return callErr
	})
	if err != nil {
		return nil, classify(err)
	}
	return outcome, nil
}

// classify maps raw errors into the taxonomy so callers never see an
// unclassified error type. Errors already in the taxonomy pass through.
func classify(err error) error {
	var netErr *ledger.NetworkError
	var simErr *ledger.SimulationError
	var txErr *ledger.TransactionError
	var pollErr *ledger.PollTimeoutError
	switch {
	case errors.As(err, &netErr),
		errors.As(err, &simErr),
		errors.As(err, &txErr),
		errors.As(err, &pollErr):
		return err
	case errors.Is(err, circuit.ErrOpen):
		return &ledger.NetworkError{Op: "submit", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &ledger.NetworkError{Op: "submit", Err: err}
	}
}

func parseU64(v *ledger.Value) (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("missing return value")
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected u64, got %q: %w", v.Value, err)
	}
	return n, nil
}

func parseI128Amount(v *ledger.Value) (paydec.Amount, error) {
	if v == nil {
		return paydec.Zero, fmt.Errorf("missing return value")
	}
	amount, err := paydec.FromSmallestUnit(v.Value)
	if err != nil {
		return paydec.Zero, err
	}
	return amount, nil
}
