package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nolandruid/CasaStellar2025/internal/contract"
	"github.com/nolandruid/CasaStellar2025/internal/payroll"
	"github.com/nolandruid/CasaStellar2025/internal/scheduler"
	"github.com/nolandruid/CasaStellar2025/internal/store"
	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
)

// Payroll is the employer-facing surface the API exposes.
type Payroll interface {
	LockFunds(ctx context.Context, req payroll.LockRequest) (*store.PayrollBatch, error)
	ClaimYield(ctx context.Context, employer string) (string, paydec.Amount, error)
	GetBatchStatus(ctx context.Context, employer string, batchID int64) (*payroll.BatchStatus, error)
	ConfirmPayment(ctx context.Context, entryID string, status store.PayStatus) error
}

// CycleRunner triggers one scheduler pass on demand.
type CycleRunner interface {
	TriggerCycle(ctx context.Context) error
}

// DisbursementRetrier re-attempts the disbursement hand-off for a released
// batch without touching the ledger.
type DisbursementRetrier interface {
	RetryDisbursement(ctx context.Context, employer string, batchID int64) error
}

// Config holds API server configuration.
type Config struct {
	JWTSecret     string
	WebhookSecret string
}

// Server is the operator-facing HTTP surface: lock, status, manual cycle
// trigger, disbursement retry, confirmation webhook and the event stream.
type Server struct {
	router  *gin.Engine
	payroll Payroll
	cycles  CycleRunner
	retrier DisbursementRetrier
	hub     *EventHub
	cfg     Config
	log     *logrus.Entry
}

// NewServer wires the routes.
func NewServer(p Payroll, cycles CycleRunner, retrier DisbursementRetrier, hub *EventHub, cfg Config, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		router:  gin.New(),
		payroll: p,
		cycles:  cycles,
		retrier: retrier,
		hub:     hub,
		cfg:     cfg,
		log:     log.WithField("component", "api"),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/payroll/lock", s.authMiddleware(), s.lockFunds)
		v1.POST("/payroll/:employer/yield/claim", s.authMiddleware(), s.claimYield)
		v1.GET("/batches/:employer/:batch_id", s.authMiddleware(), s.getBatchStatus)
		v1.POST("/cycles/trigger", s.authMiddleware(), s.triggerCycle)
		v1.POST("/batches/:employer/:batch_id/disbursement/retry", s.authMiddleware(), s.retryDisbursement)
		v1.POST("/webhooks/disbursement", s.webhookMiddleware(), s.disbursementWebhook)
		if s.hub != nil {
			v1.GET("/ws", s.authMiddleware(), s.hub.Handle)
		}
	}
}

// Handler returns the underlying HTTP handler for serving.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) lockFunds(c *gin.Context) {
	var req struct {
		Employer   string `json:"employer" binding:"required"`
		Amount     string `json:"amount" binding:"required"`
		PayoutDate string `json:"payout_date" binding:"required"`
		Payees     []struct {
			Address string `json:"address" binding:"required"`
			Amount  string `json:"amount" binding:"required"`
		} `json:"payees" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := paydec.New(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payoutDate, err := time.Parse(time.RFC3339, req.PayoutDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payout_date must be RFC 3339"})
		return
	}

	lockReq := payroll.LockRequest{
		Employer:   req.Employer,
		Amount:     amount,
		PayoutDate: payoutDate,
	}
	for _, p := range req.Payees {
		payeeAmount, err := paydec.New(p.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lockReq.Payees = append(lockReq.Payees, payroll.Payee{Address: p.Address, Amount: payeeAmount})
	}

	batch, err := s.payroll.LockFunds(c.Request.Context(), lockReq)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batchResponse(batch))
}

func (s *Server) claimYield(c *gin.Context) {
	employer := c.Param("employer")
	txRef, amount, err := s.payroll.ClaimYield(c.Request.Context(), employer)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"employer": employer,
		"tx_ref":   txRef,
		"amount":   amount.String(),
	})
}

func (s *Server) getBatchStatus(c *gin.Context) {
	employer, batchID, ok := s.batchKey(c)
	if !ok {
		return
	}

	status, err := s.payroll.GetBatchStatus(c.Request.Context(), employer, batchID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{"batch": batchResponse(status.Batch)}
	if status.ContractView != nil {
		resp["contract"] = status.ContractView
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) triggerCycle(c *gin.Context) {
	if err := s.cycles.TriggerCycle(c.Request.Context()); err != nil {
		if errors.Is(err, scheduler.ErrCycleInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cycle complete"})
}

func (s *Server) retryDisbursement(c *gin.Context) {
	employer, batchID, ok := s.batchKey(c)
	if !ok {
		return
	}
	if err := s.retrier.RetryDisbursement(c.Request.Context(), employer, batchID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disbursement retried"})
}

func (s *Server) disbursementWebhook(c *gin.Context) {
	var req struct {
		PaymentID string `json:"payment_id" binding:"required"`
		Status    string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var status store.PayStatus
	switch req.Status {
	case "SUCCESS", "SENT":
		status = store.PaySent
	case "CLAIMED":
		status = store.PayClaimed
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown payment status"})
		return
	}

	if err := s.payroll.ConfirmPayment(c.Request.Context(), req.PaymentID, status); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

func (s *Server) batchKey(c *gin.Context) (string, int64, bool) {
	employer := c.Param("employer")
	batchID, err := strconv.ParseInt(c.Param("batch_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id must be an integer"})
		return "", 0, false
	}
	return employer, batchID, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	var validationErr *contract.ValidationError
	var storeErr *store.OpError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &storeErr):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.log.WithError(err).Error("request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func batchResponse(batch *store.PayrollBatch) gin.H {
	resp := gin.H{
		"employer":     batch.EmployerAddress,
		"batch_id":     batch.BatchID,
		"total_amount": batch.TotalAmount.String(),
		"lock_date":    batch.LockDate.UTC().Format(time.RFC3339),
		"payout_date":  batch.PayoutDate.UTC().Format(time.RFC3339),
		"status":       string(batch.Status),
		"lock_tx_ref":  batch.LockTxRef,
	}
	if batch.YieldEarned != nil {
		resp["yield_earned"] = batch.YieldEarned.String()
	}
	if batch.ReleaseTxRef != nil {
		resp["release_tx_ref"] = *batch.ReleaseTxRef
	}
	return resp
}
