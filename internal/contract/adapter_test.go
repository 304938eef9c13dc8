package contract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolandruid/CasaStellar2025/internal/ledger"
	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
)

// scriptedRPC answers the transaction client from canned responses and counts
// how often the adapter reached the network at all.
type scriptedRPC struct {
	sequence    int64
	simError    string
	returnValue *ledger.Value

	getAccountCalls int
	lastFunction    string
	lastArgs        []ledger.Value
}

func (s *scriptedRPC) GetAccount(ctx context.Context, address string) (*ledger.Account, error) {
	s.getAccountCalls++
	return &ledger.Account{Address: address, Sequence: s.sequence}, nil
}

func (s *scriptedRPC) SimulateTransaction(ctx context.Context, env *ledger.Envelope) (*ledger.SimulationResult, error) {
	s.lastFunction = env.Function
	s.lastArgs = env.Args
	if s.simError != "" {
		return &ledger.SimulationResult{Error: s.simError}, nil
	}
	return &ledger.SimulationResult{ReturnValue: s.returnValue}, nil
}

func (s *scriptedRPC) SendTransaction(ctx context.Context, env *ledger.Envelope) (*ledger.SendResult, error) {
	return &ledger.SendResult{Hash: "txhash", Status: ledger.StatusSuccess}, nil
}

func (s *scriptedRPC) GetTransaction(ctx context.Context, hash string) (*ledger.TxResult, error) {
	return &ledger.TxResult{Status: ledger.StatusSuccess, ReturnValue: s.returnValue}, nil
}

func newTestAdapter(t *testing.T, rpc ledger.RPC) *Adapter {
	t.Helper()
	key, err := ledger.KeypairFromSeed("GSERVICE", "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60")
	require.NoError(t, err)
	adapter := NewAdapter(ledger.NewClient(rpc, key, ledger.WithPolling(time.Millisecond, 3)), "CPAYROLL")
	adapter.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return adapter
}

func TestLockValidation(t *testing.T) {
	future := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	t.Run("should reject a zero amount before touching the network", func(t *testing.T) {
		rpc := &scriptedRPC{}
		adapter := newTestAdapter(t, rpc)

		_, _, err := adapter.Lock(context.Background(), "GEMployer", paydec.Zero, future)

		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "amount", validationErr.Field)
		assert.Equal(t, 0, rpc.getAccountCalls, "local rejection must not reach the RPC node")
	})

	t.Run("should reject a negative amount", func(t *testing.T) {
		adapter := newTestAdapter(t, &scriptedRPC{})
		negative, _ := paydec.New("-100")

		_, _, err := adapter.Lock(context.Background(), "GEMployer", negative, future)

		var validationErr *ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("should reject a payout date in the past", func(t *testing.T) {
		rpc := &scriptedRPC{}
		adapter := newTestAdapter(t, rpc)
		past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		_, _, err := adapter.Lock(context.Background(), "GEMployer", paydec.NewFromInt(100), past)

		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "payout_date", validationErr.Field)
		assert.Equal(t, 0, rpc.getAccountCalls)
	})
}

func TestLock(t *testing.T) {
	future := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	t.Run("should invoke lock_payroll with wire-encoded args", func(t *testing.T) {
		rpc := &scriptedRPC{returnValue: &ledger.Value{Type: "u64", Value: "3"}}
		adapter := newTestAdapter(t, rpc)
		amount, _ := paydec.New("1250.50")

		txRef, batchID, err := adapter.Lock(context.Background(), "GEMployer", amount, future)
		require.NoError(t, err)
		assert.Equal(t, "txhash", txRef)
		assert.Equal(t, int64(3), batchID)

		assert.Equal(t, "lock_payroll", rpc.lastFunction)
		require.Len(t, rpc.lastArgs, 3)
		assert.Equal(t, ledger.Value{Type: "address", Value: "GEMployer"}, rpc.lastArgs[0])
		assert.Equal(t, ledger.Value{Type: "i128", Value: "12505000000"}, rpc.lastArgs[1])
		assert.Equal(t, ledger.Value{Type: "u64", Value: "1751328000"}, rpc.lastArgs[2])
	})

	t.Run("should classify a simulation trap as SimulationError", func(t *testing.T) {
		rpc := &scriptedRPC{simError: "contract trap: already locked"}
		adapter := newTestAdapter(t, rpc)

		_, _, err := adapter.Lock(context.Background(), "GEMployer", paydec.NewFromInt(100), future)

		var simErr *ledger.SimulationError
		assert.ErrorAs(t, err, &simErr)
	})
}

func TestReleaseToDisbursement(t *testing.T) {
	t.Run("should return the yield from the contract", func(t *testing.T) {
		rpc := &scriptedRPC{returnValue: &ledger.Value{Type: "i128", Value: "125000000"}}
		adapter := newTestAdapter(t, rpc)

		txRef, yield, err := adapter.ReleaseToDisbursement(context.Background(), "GEMployer", 3, "GDISBURSE")
		require.NoError(t, err)
		assert.Equal(t, "txhash", txRef)
		assert.Equal(t, "12.5000000", yield.String())

		assert.Equal(t, "release_to_sdp", rpc.lastFunction)
		require.Len(t, rpc.lastArgs, 3)
		assert.Equal(t, "GDISBURSE", rpc.lastArgs[2].Value)
	})

	t.Run("should keep the tx reference when the return value is malformed", func(t *testing.T) {
		rpc := &scriptedRPC{returnValue: &ledger.Value{Type: "i128", Value: "garbage"}}
		adapter := newTestAdapter(t, rpc)

		txRef, _, err := adapter.ReleaseToDisbursement(context.Background(), "GEMployer", 3, "GDISBURSE")
		assert.Error(t, err)
		assert.Equal(t, "txhash", txRef)
	})
}

func TestGetStatus(t *testing.T) {
	t.Run("should decode the contract view from a simulated call", func(t *testing.T) {
		rpc := &scriptedRPC{returnValue: &ledger.Value{
			Type:  "map",
			Value: `{"employer":"GEMployer","total_amount":"12505000000","lock_date":1748736000,"payout_date":1751328000,"yield_earned":"125000000","funds_released":true,"yield_claimed":false}`,
		}}
		adapter := newTestAdapter(t, rpc)

		view, err := adapter.GetStatus(context.Background(), "GEMployer", 3)
		require.NoError(t, err)
		assert.Equal(t, "GEMployer", view.Employer)
		assert.True(t, view.FundsReleased)
		assert.False(t, view.YieldClaimed)
		assert.Equal(t, "get_status", rpc.lastFunction)
	})

	t.Run("should return nil view for an unknown batch", func(t *testing.T) {
		adapter := newTestAdapter(t, &scriptedRPC{})

		view, err := adapter.GetStatus(context.Background(), "GEMployer", 99)
		require.NoError(t, err)
		assert.Nil(t, view)
	})
}
