package ledger

import (
	"context"
	"time"
)

const (
	defaultTimeoutWindow   = 5 * time.Minute
	defaultPollInterval    = time.Second
	defaultMaxPollAttempts = 30
)

// Outcome is the terminal result of a successfully landed transaction.
type Outcome struct {
	Hash        string
	ReturnValue *Value
}

// Client drives a single ledger transaction from build to terminal outcome.
// It assumes exactly one in-flight submission at a time: the signing
// account's sequence number is a shared ordered resource, so callers must
// not submit concurrently.
type Client struct {
	rpc             RPC
	key             *Keypair
	timeoutWindow   time.Duration
	pollInterval    time.Duration
	maxPollAttempts int
}

// Option configures a Client.
type Option func(*Client)

// WithPolling overrides the poll interval and attempt ceiling.
func WithPolling(interval time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.maxPollAttempts = maxAttempts
	}
}

// WithTimeoutWindow overrides the envelope's validity window.
func WithTimeoutWindow(window time.Duration) Option {
	return func(c *Client) {
		c.timeoutWindow = window
	}
}

// NewClient creates a transaction client signing with the given keypair.
func NewClient(rpc RPC, key *Keypair, opts ...Option) *Client {
	c := &Client{
		rpc:             rpc,
		key:             key,
		timeoutWindow:   defaultTimeoutWindow,
		pollInterval:    defaultPollInterval,
		maxPollAttempts: defaultMaxPollAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit runs the full submission protocol for one contract invocation:
// load sequence, build, simulate, merge auth, sign, send, poll to a
// terminal outcome. None of the steps may be skipped: skipping simulation
// risks submitting an under-authorized transaction, and skipping polling
// risks treating an in-flight transaction as complete.
func (c *Client) Submit(ctx context.Context, op InvokeOp) (*Outcome, error) {
	env, sim, err := c.prepare(ctx, op)
	if err != nil {
		return nil, err
	}

	// Merge the simulation's authorization footprint and resource estimate.
	env.Auth = sim.Auth
	env.Resources = sim.Resources

	payload, err := env.SigningPayload()
	if err != nil {
		return nil, err
	}
	env.Signatures = append(env.Signatures, c.key.Sign(payload))

	sent, err := c.rpc.SendTransaction(ctx, env)
	if err != nil {
		return nil, err
	}

	switch sent.Status {
	case StatusSuccess:
		result, err := c.rpc.GetTransaction(ctx, sent.Hash)
		if err != nil {
			return nil, err
		}
		return &Outcome{Hash: sent.Hash, ReturnValue: result.ReturnValue}, nil
	case StatusError:
		return nil, &TransactionError{Hash: sent.Hash, Code: sent.Code}
	case StatusPending, StatusDuplicate:
		// A duplicate means the network already knows this transaction;
		// poll it to a terminal state like any pending submission.
		return c.poll(ctx, sent.Hash)
	default:
		return nil, &TransactionError{Hash: sent.Hash, Code: sent.Status}
	}
}

// SimulateCall builds and simulates the invocation without signing or
// submitting it. The simulated return value is the answer; used for
// read-only contract queries.
func (c *Client) SimulateCall(ctx context.Context, op InvokeOp) (*Value, error) {
	_, sim, err := c.prepare(ctx, op)
	if err != nil {
		return nil, err
	}
	return sim.ReturnValue, nil
}

func (c *Client) prepare(ctx context.Context, op InvokeOp) (*Envelope, *SimulationResult, error) {
	account, err := c.rpc.GetAccount(ctx, c.key.Address)
	if err != nil {
		return nil, nil, err
	}

	env := &Envelope{
		Source:     c.key.Address,
		Sequence:   account.Sequence + 1,
		Contract:   op.Contract,
		Function:   op.Function,
		Args:       op.Args,
		TimeoutSec: int64(c.timeoutWindow / time.Second),
	}

	sim, err := c.rpc.SimulateTransaction(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	if sim.Error != "" {
		return nil, nil, &SimulationError{Diagnostic: sim.Error}
	}
	return env, sim, nil
}

func (c *Client) poll(ctx context.Context, hash string) (*Outcome, error) {
	for attempt := 0; attempt < c.maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		result, err := c.rpc.GetTransaction(ctx, hash)
		if err != nil {
			return nil, err
		}

		switch result.Status {
		case StatusSuccess:
			return &Outcome{Hash: hash, ReturnValue: result.ReturnValue}, nil
		case StatusFailed, StatusError:
			return nil, &TransactionError{Hash: hash, Code: result.Code}
		case StatusPending, StatusNotFound:
			// Still in flight, keep polling.
		default:
			return nil, &TransactionError{Hash: hash, Code: result.Status}
		}
	}
	return nil, &PollTimeoutError{Hash: hash, Attempts: c.maxPollAttempts}
}
