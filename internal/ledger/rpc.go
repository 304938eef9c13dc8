package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Transaction status values reported by the RPC node.
const (
	StatusPending   = "PENDING"
	StatusSuccess   = "SUCCESS"
	StatusError     = "ERROR"
	StatusDuplicate = "DUPLICATE"
	StatusFailed    = "FAILED"
	StatusNotFound  = "NOT_FOUND"
)

// Value is a typed contract argument or return value in the wire encoding
// the RPC node understands. Amounts travel as smallest-unit integer strings.
type Value struct {
	Type  string `json:"type"` // "address", "i128", "u64", "bool", "symbol"
	Value string `json:"value"`
}

// InvokeOp describes a single contract invocation.
type InvokeOp struct {
	Contract string
	Function string
	Args     []Value
}

// Account is the signing account's current sequence state.
type Account struct {
	Address  string `json:"address"`
	Sequence int64  `json:"sequence,string"`
}

// Resources is the simulation's resource estimate, merged into the envelope
// before signing.
type Resources struct {
	Instructions uint64 `json:"instructions"`
	ReadBytes    uint64 `json:"read_bytes"`
	WriteBytes   uint64 `json:"write_bytes"`
	Fee          int64  `json:"fee"`
}

// Signature is one decorated signature on an envelope.
type Signature struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Envelope is a transaction envelope wrapping one contract invocation.
// Auth and Resources are empty until merged from a simulation.
type Envelope struct {
	Source     string            `json:"source"`
	Sequence   int64             `json:"sequence"`
	Contract   string            `json:"contract"`
	Function   string            `json:"function"`
	Args       []Value           `json:"args"`
	TimeoutSec int64             `json:"timeout_sec"`
	Auth       []json.RawMessage `json:"auth,omitempty"`
	Resources  *Resources        `json:"resources,omitempty"`
	Signatures []Signature       `json:"signatures,omitempty"`
}

// SigningPayload returns the bytes the operating keypair signs: the envelope
// serialized without its signature list.
func (e *Envelope) SigningPayload() ([]byte, error) {
	unsigned := *e
	unsigned.Signatures = nil
	return json.Marshal(&unsigned)
}

// SimulationResult carries the authorization footprint, resource estimate and
// simulated return value for an envelope.
type SimulationResult struct {
	Error        string            `json:"error,omitempty"`
	Auth         []json.RawMessage `json:"auth,omitempty"`
	Resources    *Resources        `json:"resources,omitempty"`
	ReturnValue  *Value            `json:"return_value,omitempty"`
	LatestLedger int64             `json:"latest_ledger"`
}

// SendResult is the network's immediate answer to a submission.
type SendResult struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
	Code   string `json:"error_code,omitempty"`
}

// TxResult is the polled state of a previously submitted transaction.
type TxResult struct {
	Status      string `json:"status"`
	Code        string `json:"error_code,omitempty"`
	ReturnValue *Value `json:"return_value,omitempty"`
}

// RPC is the surface of the ledger network the transaction client consumes.
type RPC interface {
	GetAccount(ctx context.Context, address string) (*Account, error)
	SimulateTransaction(ctx context.Context, env *Envelope) (*SimulationResult, error)
	SendTransaction(ctx context.Context, env *Envelope) (*SendResult, error)
	GetTransaction(ctx context.Context, hash string) (*TxResult, error)
}

// HTTPGateway talks JSON-RPC 2.0 to a ledger RPC node.
type HTTPGateway struct {
	url    string
	client *http.Client
	nextID uint64
}

// NewHTTPGateway creates a gateway against the given RPC endpoint.
func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *HTTPGateway) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&g.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &NetworkError{Op: method, Err: fmt.Errorf("rpc node returned %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &NetworkError{Op: method, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s rejected: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func (g *HTTPGateway) GetAccount(ctx context.Context, address string) (*Account, error) {
	var account Account
	if err := g.call(ctx, "getAccount", map[string]string{"address": address}, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (g *HTTPGateway) SimulateTransaction(ctx context.Context, env *Envelope) (*SimulationResult, error) {
	var result SimulationResult
	if err := g.call(ctx, "simulateTransaction", map[string]interface{}{"transaction": env}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (g *HTTPGateway) SendTransaction(ctx context.Context, env *Envelope) (*SendResult, error) {
	var result SendResult
	if err := g.call(ctx, "sendTransaction", map[string]interface{}{"transaction": env}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (g *HTTPGateway) GetTransaction(ctx context.Context, hash string) (*TxResult, error) {
	var result TxResult
	if err := g.call(ctx, "getTransaction", map[string]string{"hash": hash}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
