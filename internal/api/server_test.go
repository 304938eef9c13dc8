package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolandruid/CasaStellar2025/internal/contract"
	"github.com/nolandruid/CasaStellar2025/internal/payroll"
	"github.com/nolandruid/CasaStellar2025/internal/scheduler"
	"github.com/nolandruid/CasaStellar2025/internal/store"
	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
)

const testSecret = "test-secret"

type fakePayroll struct {
	lockErr    error
	lastLock   payroll.LockRequest
	confirmed  map[string]store.PayStatus
	statusResp *payroll.BatchStatus
	statusErr  error
}

func (f *fakePayroll) LockFunds(ctx context.Context, req payroll.LockRequest) (*store.PayrollBatch, error) {
	f.lastLock = req
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return &store.PayrollBatch{
		EmployerAddress: req.Employer,
		BatchID:         1,
		TotalAmount:     req.Amount,
		LockDate:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		PayoutDate:      req.PayoutDate,
		Status:          store.BatchLocked,
		LockTxRef:       "lock-tx",
	}, nil
}

func (f *fakePayroll) ClaimYield(ctx context.Context, employer string) (string, paydec.Amount, error) {
	return "claim-tx", paydec.NewFromInt(5), nil
}

func (f *fakePayroll) GetBatchStatus(ctx context.Context, employer string, batchID int64) (*payroll.BatchStatus, error) {
	return f.statusResp, f.statusErr
}

func (f *fakePayroll) ConfirmPayment(ctx context.Context, entryID string, status store.PayStatus) error {
	if f.confirmed == nil {
		f.confirmed = make(map[string]store.PayStatus)
	}
	f.confirmed[entryID] = status
	return nil
}

type fakeCycles struct{ err error }

func (f *fakeCycles) TriggerCycle(ctx context.Context) error { return f.err }

type fakeRetrier struct {
	err    error
	called bool
}

func (f *fakeRetrier) RetryDisbursement(ctx context.Context, employer string, batchID int64) error {
	f.called = true
	return f.err
}

func newTestServer(t *testing.T, p Payroll, cycles CycleRunner, retrier DisbursementRetrier) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewServer(p, cycles, retrier, nil, Config{
		JWTSecret:     testSecret,
		WebhookSecret: "hook-secret",
	}, nil)
}

func bearerToken(t *testing.T) string {
	t.Helper()
	claims := &Claims{
		Subject: "ops",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func doRequest(t *testing.T, s *Server, method, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, &fakePayroll{}, &fakeCycles{}, &fakeRetrier{})

	t.Run("should reject requests without a token", func(t *testing.T) {
		w := doRequest(t, s, http.MethodPost, "/api/v1/cycles/trigger", "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject a token signed with the wrong secret", func(t *testing.T) {
		claims := &Claims{Subject: "ops", RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong"))
		require.NoError(t, err)

		w := doRequest(t, s, http.MethodPost, "/api/v1/cycles/trigger", "Bearer "+token, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		claims := &Claims{Subject: "ops", RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		w := doRequest(t, s, http.MethodPost, "/api/v1/cycles/trigger", "Bearer "+token, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should leave health unauthenticated", func(t *testing.T) {
		w := doRequest(t, s, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestLockEndpoint(t *testing.T) {
	t.Run("should lock a batch from a valid request", func(t *testing.T) {
		p := &fakePayroll{}
		s := newTestServer(t, p, &fakeCycles{}, &fakeRetrier{})

		body := `{
			"employer": "GEMP",
			"amount": "5000",
			"payout_date": "2025-07-01T00:00:00Z",
			"payees": [
				{"address": "GPAYEE1", "amount": "2500"},
				{"address": "GPAYEE2", "amount": "2500"}
			]
		}`
		w := doRequest(t, s, http.MethodPost, "/api/v1/payroll/lock", bearerToken(t), body)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"lock_tx_ref":"lock-tx"`)
		assert.Equal(t, "GEMP", p.lastLock.Employer)
		assert.Len(t, p.lastLock.Payees, 2)
	})

	t.Run("should answer 400 on a validation failure", func(t *testing.T) {
		p := &fakePayroll{lockErr: &contract.ValidationError{Field: "amount", Reason: "must be greater than zero"}}
		s := newTestServer(t, p, &fakeCycles{}, &fakeRetrier{})

		body := `{
			"employer": "GEMP",
			"amount": "0",
			"payout_date": "2025-07-01T00:00:00Z",
			"payees": [{"address": "GPAYEE1", "amount": "0"}]
		}`
		w := doRequest(t, s, http.MethodPost, "/api/v1/payroll/lock", bearerToken(t), body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should answer 400 on a malformed payout date", func(t *testing.T) {
		s := newTestServer(t, &fakePayroll{}, &fakeCycles{}, &fakeRetrier{})

		body := `{"employer":"GEMP","amount":"100","payout_date":"tomorrow","payees":[{"address":"G1","amount":"100"}]}`
		w := doRequest(t, s, http.MethodPost, "/api/v1/payroll/lock", bearerToken(t), body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCycleAndRetryEndpoints(t *testing.T) {
	t.Run("should trigger a cycle", func(t *testing.T) {
		s := newTestServer(t, &fakePayroll{}, &fakeCycles{}, &fakeRetrier{})
		w := doRequest(t, s, http.MethodPost, "/api/v1/cycles/trigger", bearerToken(t), "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("should answer 409 while a cycle is running", func(t *testing.T) {
		s := newTestServer(t, &fakePayroll{}, &fakeCycles{err: scheduler.ErrCycleInProgress}, &fakeRetrier{})
		w := doRequest(t, s, http.MethodPost, "/api/v1/cycles/trigger", bearerToken(t), "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("should retry a disbursement", func(t *testing.T) {
		retrier := &fakeRetrier{}
		s := newTestServer(t, &fakePayroll{}, &fakeCycles{}, retrier)

		w := doRequest(t, s, http.MethodPost, "/api/v1/batches/GEMP/1/disbursement/retry", bearerToken(t), "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, retrier.called)
	})

	t.Run("should answer 400 for a non-numeric batch id", func(t *testing.T) {
		s := newTestServer(t, &fakePayroll{}, &fakeCycles{}, &fakeRetrier{})
		w := doRequest(t, s, http.MethodPost, "/api/v1/batches/GEMP/abc/disbursement/retry", bearerToken(t), "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBatchStatusEndpoint(t *testing.T) {
	t.Run("should render the merged status", func(t *testing.T) {
		amount, _ := paydec.New("5000")
		p := &fakePayroll{statusResp: &payroll.BatchStatus{
			Batch: &store.PayrollBatch{
				EmployerAddress: "GEMP",
				BatchID:         1,
				TotalAmount:     amount,
				Status:          store.BatchReleased,
				LockTxRef:       "lock-tx",
			},
			ContractView: &contract.BatchView{Employer: "GEMP", FundsReleased: true},
		}}
		s := newTestServer(t, p, &fakeCycles{}, &fakeRetrier{})

		w := doRequest(t, s, http.MethodGet, "/api/v1/batches/GEMP/1", bearerToken(t), "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"released"`)
		assert.Contains(t, w.Body.String(), `"funds_released":true`)
	})

	t.Run("should answer 404 for an unknown batch", func(t *testing.T) {
		p := &fakePayroll{statusErr: &store.OpError{Op: "get batch", Err: errors.New("not found")}}
		s := newTestServer(t, p, &fakeCycles{}, &fakeRetrier{})

		w := doRequest(t, s, http.MethodGet, "/api/v1/batches/GEMP/99", bearerToken(t), "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestWebhookEndpoint(t *testing.T) {
	t.Run("should confirm a payment with the shared secret", func(t *testing.T) {
		p := &fakePayroll{}
		s := newTestServer(t, p, &fakeCycles{}, &fakeRetrier{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/disbursement",
			strings.NewReader(`{"payment_id":"e1","status":"SUCCESS"}`))
		req.Header.Set("X-Webhook-Secret", "hook-secret")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, store.PaySent, p.confirmed["e1"])
	})

	t.Run("should reject a wrong webhook secret", func(t *testing.T) {
		s := newTestServer(t, &fakePayroll{}, &fakeCycles{}, &fakeRetrier{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/disbursement",
			strings.NewReader(`{"payment_id":"e1","status":"SUCCESS"}`))
		req.Header.Set("X-Webhook-Secret", "wrong")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject an unknown payment status", func(t *testing.T) {
		s := newTestServer(t, &fakePayroll{}, &fakeCycles{}, &fakeRetrier{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/disbursement",
			strings.NewReader(`{"payment_id":"e1","status":"EXPLODED"}`))
		req.Header.Set("X-Webhook-Secret", "hook-secret")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
