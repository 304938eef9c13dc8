package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPC scripts the node's answers and records what the client asked.
type fakeRPC struct {
	account    *Account
	accountErr error

	simResult *SimulationResult
	simErr    error

	sendResult *SendResult
	sendErr    error

	txResults []*TxResult
	txErr     error

	getAccountCalls int
	simCalls        int
	sendCalls       int
	getTxCalls      int

	sentEnvelope *Envelope
}

func (f *fakeRPC) GetAccount(ctx context.Context, address string) (*Account, error) {
	f.getAccountCalls++
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	return f.account, nil
}

func (f *fakeRPC) SimulateTransaction(ctx context.Context, env *Envelope) (*SimulationResult, error) {
	f.simCalls++
	if f.simErr != nil {
		return nil, f.simErr
	}
	return f.simResult, nil
}

func (f *fakeRPC) SendTransaction(ctx context.Context, env *Envelope) (*SendResult, error) {
	f.sendCalls++
	f.sentEnvelope = env
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendResult, nil
}

func (f *fakeRPC) GetTransaction(ctx context.Context, hash string) (*TxResult, error) {
	f.getTxCalls++
	if f.txErr != nil {
		return nil, f.txErr
	}
	if len(f.txResults) == 0 {
		return &TxResult{Status: StatusNotFound}, nil
	}
	result := f.txResults[0]
	if len(f.txResults) > 1 {
		f.txResults = f.txResults[1:]
	}
	return result, nil
}

func testKeypair(t *testing.T) *Keypair {
	t.Helper()
	key, err := KeypairFromSeed("GTEST", "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60")
	require.NoError(t, err)
	return key
}

func fastClient(rpc RPC, key *Keypair) *Client {
	return NewClient(rpc, key, WithPolling(time.Millisecond, 3))
}

func TestSubmit(t *testing.T) {
	op := InvokeOp{
		Contract: "CPAYROLL",
		Function: "lock_payroll",
		Args:     []Value{{Type: "address", Value: "GEMployer"}},
	}

	t.Run("should run the full protocol on immediate success", func(t *testing.T) {
		rpc := &fakeRPC{
			account:    &Account{Address: "GTEST", Sequence: 41},
			simResult:  &SimulationResult{Resources: &Resources{Fee: 100}},
			sendResult: &SendResult{Hash: "abc123", Status: StatusSuccess},
			txResults:  []*TxResult{{Status: StatusSuccess, ReturnValue: &Value{Type: "u64", Value: "7"}}},
		}

		outcome, err := fastClient(rpc, testKeypair(t)).Submit(context.Background(), op)
		require.NoError(t, err)
		assert.Equal(t, "abc123", outcome.Hash)
		assert.Equal(t, "7", outcome.ReturnValue.Value)

		assert.Equal(t, 1, rpc.getAccountCalls)
		assert.Equal(t, 1, rpc.simCalls)
		assert.Equal(t, 1, rpc.sendCalls)
	})

	t.Run("should sign with the simulation footprint merged in", func(t *testing.T) {
		rpc := &fakeRPC{
			account:    &Account{Address: "GTEST", Sequence: 41},
			simResult:  &SimulationResult{Resources: &Resources{Fee: 250}},
			sendResult: &SendResult{Hash: "abc123", Status: StatusSuccess},
			txResults:  []*TxResult{{Status: StatusSuccess}},
		}

		_, err := fastClient(rpc, testKeypair(t)).Submit(context.Background(), op)
		require.NoError(t, err)

		env := rpc.sentEnvelope
		require.NotNil(t, env)
		assert.Equal(t, int64(42), env.Sequence)
		assert.Equal(t, int64(250), env.Resources.Fee)
		require.Len(t, env.Signatures, 1)
		assert.NotEmpty(t, env.Signatures[0].Signature)
	})

	t.Run("should fail with SimulationError and never send", func(t *testing.T) {
		rpc := &fakeRPC{
			account:   &Account{Address: "GTEST", Sequence: 41},
			simResult: &SimulationResult{Error: "contract trap: payout date in the past"},
		}

		_, err := fastClient(rpc, testKeypair(t)).Submit(context.Background(), op)

		var simErr *SimulationError
		require.ErrorAs(t, err, &simErr)
		assert.Contains(t, simErr.Diagnostic, "payout date")
		assert.Equal(t, 0, rpc.sendCalls)
	})

	t.Run("should surface a rejected submission as TransactionError", func(t *testing.T) {
		rpc := &fakeRPC{
			account:    &Account{Address: "GTEST", Sequence: 41},
			simResult:  &SimulationResult{},
			sendResult: &SendResult{Hash: "abc123", Status: StatusError, Code: "tx_bad_seq"},
		}

		_, err := fastClient(rpc, testKeypair(t)).Submit(context.Background(), op)

		var txErr *TransactionError
		require.ErrorAs(t, err, &txErr)
		assert.Equal(t, "abc123", txErr.Hash)
		assert.Equal(t, "tx_bad_seq", txErr.Code)
	})

	t.Run("should poll a pending submission to success", func(t *testing.T) {
		rpc := &fakeRPC{
			account:    &Account{Address: "GTEST", Sequence: 41},
			simResult:  &SimulationResult{},
			sendResult: &SendResult{Hash: "abc123", Status: StatusPending},
			txResults: []*TxResult{
				{Status: StatusPending},
				{Status: StatusSuccess, ReturnValue: &Value{Type: "i128", Value: "125000"}},
			},
		}

		outcome, err := fastClient(rpc, testKeypair(t)).Submit(context.Background(), op)
		require.NoError(t, err)
		assert.Equal(t, "125000", outcome.ReturnValue.Value)
		assert.Equal(t, 2, rpc.getTxCalls)
	})

	t.Run("should treat a duplicate like a pending submission", func(t *testing.T) {
		rpc := &fakeRPC{
			account:    &Account{Address: "GTEST", Sequence: 41},
			simResult:  &SimulationResult{},
			sendResult: &SendResult{Hash: "abc123", Status: StatusDuplicate},
			txResults:  []*TxResult{{Status: StatusSuccess}},
		}

		outcome, err := fastClient(rpc, testKeypair(t)).Submit(context.Background(), op)
		require.NoError(t, err)
		assert.Equal(t, "abc123", outcome.Hash)
	})

	t.Run("should return PollTimeoutError when attempts run out", func(t *testing.T) {
		rpc := &fakeRPC{
			account:    &Account{Address: "GTEST", Sequence: 41},
			simResult:  &SimulationResult{},
			sendResult: &SendResult{Hash: "abc123", Status: StatusPending},
			txResults:  []*TxResult{{Status: StatusPending}},
		}

		_, err := fastClient(rpc, testKeypair(t)).Submit(context.Background(), op)

		var pollErr *PollTimeoutError
		require.ErrorAs(t, err, &pollErr)
		assert.Equal(t, "abc123", pollErr.Hash)
		assert.Equal(t, 3, pollErr.Attempts)

		var txErr *TransactionError
		assert.False(t, errors.As(err, &txErr), "poll exhaustion is an unknown outcome, not a failure")
	})

	t.Run("should report a failed poll result as TransactionError", func(t *testing.T) {
		rpc := &fakeRPC{
			account:    &Account{Address: "GTEST", Sequence: 41},
			simResult:  &SimulationResult{},
			sendResult: &SendResult{Hash: "abc123", Status: StatusPending},
			txResults:  []*TxResult{{Status: StatusFailed, Code: "tx_failed"}},
		}

		_, err := fastClient(rpc, testKeypair(t)).Submit(context.Background(), op)

		var txErr *TransactionError
		require.ErrorAs(t, err, &txErr)
		assert.Equal(t, "tx_failed", txErr.Code)
	})

	t.Run("should stop polling when the context is cancelled", func(t *testing.T) {
		rpc := &fakeRPC{
			account:    &Account{Address: "GTEST", Sequence: 41},
			simResult:  &SimulationResult{},
			sendResult: &SendResult{Hash: "abc123", Status: StatusPending},
			txResults:  []*TxResult{{Status: StatusPending}},
		}
		client := NewClient(rpc, testKeypair(t), WithPolling(50*time.Millisecond, 100))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := client.Submit(ctx, op)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSimulateCall(t *testing.T) {
	t.Run("should return the simulated value without sending", func(t *testing.T) {
		rpc := &fakeRPC{
			account:   &Account{Address: "GTEST", Sequence: 41},
			simResult: &SimulationResult{ReturnValue: &Value{Type: "bool", Value: "true"}},
		}

		value, err := fastClient(rpc, testKeypair(t)).SimulateCall(context.Background(), InvokeOp{
			Contract: "CPAYROLL",
			Function: "get_status",
		})
		require.NoError(t, err)
		assert.Equal(t, "true", value.Value)
		assert.Equal(t, 0, rpc.sendCalls)
	})
}
