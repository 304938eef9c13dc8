package disbursement

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nolandruid/CasaStellar2025/pkg/circuit"
	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
)

// ServiceError is a non-2xx answer from the disbursement service. The raw
// body is retained so it can be persisted on the upload record.
type ServiceError struct {
	Status int
	Body   string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("disbursement service returned %d: %s", e.Status, e.Body)
}

// Payee is one payment instruction within a disbursement.
type Payee struct {
	PaymentID string
	Address   string
	Amount    paydec.Amount
}

// CreateRequest describes a disbursement to be created.
type CreateRequest struct {
	Name      string
	WalletID  string
	AssetCode string
	Payees    []Payee
}

// CreateResult is the service's answer to a create call.
type CreateResult struct {
	ID          string
	RawResponse string
}

// Client talks to the external disbursement service, which fans a single
// incoming transfer out to many payee addresses from an uploaded payment
// instruction list.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuit.Breaker
}

// NewClient creates a disbursement service client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "disbursement-service",
			MaxFailures: 5,
			CoolOff:     30 * time.Second,
			Countable:   countsAgainstService,
		}),
	}
}

// countsAgainstService trips the breaker on transport failures and 5xx
// answers only; a 4xx is a valid answer about our request, not an outage.
func countsAgainstService(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Status >= 500
	}
	return true
}

// CreateDisbursement registers a disbursement with the payment instruction
// list attached and returns the service-assigned id.
func (c *Client) CreateDisbursement(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	instructions, err := BuildInstructionsCSV(req.Payees)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"name":             req.Name,
		"wallet_id":        req.WalletID,
		"asset_code":       req.AssetCode,
		"instructions_csv": instructions,
	}

	var result CreateResult
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		body, status, callErr := c.do(ctx, http.MethodPost, "/disbursements", payload)
		if callErr != nil {
			return callErr
		}
		result.RawResponse = body
		if status != http.StatusCreated && status != http.StatusOK {
			return &ServiceError{Status: status, Body: body}
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(body), &created); err != nil || created.ID == "" {
			return fmt.Errorf("disbursement service returned no id: %q", body)
		}
		result.ID = created.ID
		return nil
	})
	if err != nil {
		return &result, err
	}
	return &result, nil
}

// StartDisbursement moves a created disbursement into its started state, at
// which point the service begins paying out.
func (c *Client) StartDisbursement(ctx context.Context, disbursementID string) (string, error) {
	var raw string
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		body, status, callErr := c.do(ctx, http.MethodPatch,
			"/disbursements/"+disbursementID+"/status",
			map[string]string{"status": "STARTED"},
		)
		if callErr != nil {
			return callErr
		}
		raw = body
		if status != http.StatusOK {
			return &ServiceError{Status: status, Body: body}
		}
		return nil
	})
	return raw, err
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (string, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("disbursement service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return string(raw), resp.StatusCode, nil
}

// BuildInstructionsCSV renders the payee list in the CSV shape the
// disbursement service ingests.
func BuildInstructionsCSV(payees []Payee) (string, error) {
	if len(payees) == 0 {
		return "", fmt.Errorf("no payees to disburse")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"payment_id", "address", "amount"}); err != nil {
		return "", fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, p := range payees {
		if err := w.Write([]string{p.PaymentID, p.Address, p.Amount.String()}); err != nil {
			return "", fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.String(), nil
}
