package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	paydec "github.com/nolandruid/CasaStellar2025/pkg/decimal"
)

// BatchStatus is the off-chain lifecycle state of a payroll batch. It only
// ever moves forward: locked -> released -> distributed.
type BatchStatus string

const (
	BatchLocked      BatchStatus = "locked"
	BatchReleased    BatchStatus = "released"
	BatchDistributed BatchStatus = "distributed"
)

// PayStatus is the per-employee payment state within a batch.
type PayStatus string

const (
	PayPending PayStatus = "pending"
	PaySent    PayStatus = "sent"
	PayClaimed PayStatus = "claimed"
)

// UploadStatus is the outcome of one disbursement hand-off attempt.
type UploadStatus string

const (
	UploadPending UploadStatus = "pending"
	UploadSuccess UploadStatus = "success"
	UploadFailed  UploadStatus = "failed"
)

// SentinelTxRef marks a batch recorded off-chain while the ledger outcome of
// its lock transaction is unknown. The record is kept rather than dropped so
// the audit trail never silently loses a batch.
const SentinelTxRef = "unconfirmed"

// PayrollBatch is one locked payroll cycle for one employer.
type PayrollBatch struct {
	EmployerAddress string
	BatchID         int64
	TotalAmount     paydec.Amount
	VaultShares     paydec.Shares
	LockDate        time.Time
	PayoutDate      time.Time
	Status          BatchStatus
	YieldEarned     *paydec.Amount
	LockTxRef       string
	ReleaseTxRef    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmployeeEntry is one payee within a batch.
type EmployeeEntry struct {
	ID              string
	EmployerAddress string
	BatchID         int64
	Address         string
	Amount          paydec.Amount
	PayStatus       PayStatus
	CreatedAt       time.Time
}

// DisbursementUpload records one attempt to hand a batch to the
// disbursement service. Rows are append-only: a retry creates a new row,
// preserving the history of failures.
type DisbursementUpload struct {
	ID              string
	EmployerAddress string
	BatchID         int64
	DisbursementID  string
	RawResponse     string
	UploadStatus    UploadStatus
	CreatedAt       time.Time
}

// OpError wraps a storage failure with the operation it occurred in, so
// callers can tell "bookkeeping failed" apart from ledger failures.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Postgres is the persistence gateway backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a gateway over the given connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS payroll_batches (
	employer_address TEXT        NOT NULL,
	batch_id         BIGINT      NOT NULL,
	total_amount     NUMERIC     NOT NULL,
	vault_shares     NUMERIC     NOT NULL DEFAULT 0,
	lock_date        TIMESTAMPTZ NOT NULL,
	payout_date      TIMESTAMPTZ NOT NULL,
	status           TEXT        NOT NULL DEFAULT 'locked',
	yield_earned     NUMERIC,
	lock_tx_ref      TEXT        NOT NULL,
	release_tx_ref   TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (employer_address, batch_id),
	CHECK (payout_date >= lock_date)
);

CREATE TABLE IF NOT EXISTS employee_entries (
	id               UUID        PRIMARY KEY,
	employer_address TEXT        NOT NULL,
	batch_id         BIGINT      NOT NULL,
	address          TEXT        NOT NULL,
	amount           NUMERIC     NOT NULL,
	pay_status       TEXT        NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	FOREIGN KEY (employer_address, batch_id)
		REFERENCES payroll_batches (employer_address, batch_id)
);

CREATE TABLE IF NOT EXISTS disbursement_uploads (
	id               UUID        PRIMARY KEY,
	employer_address TEXT        NOT NULL,
	batch_id         BIGINT      NOT NULL,
	disbursement_id  TEXT        NOT NULL DEFAULT '',
	raw_response     TEXT        NOT NULL DEFAULT '',
	upload_status    TEXT        NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	FOREIGN KEY (employer_address, batch_id)
		REFERENCES payroll_batches (employer_address, batch_id)
);

CREATE INDEX IF NOT EXISTS idx_batches_due
	ON payroll_batches (payout_date) WHERE status = 'locked';
`

// EnsureSchema creates the tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return &OpError{Op: "ensure schema", Err: err}
	}
	return nil
}

// CreateBatch inserts a batch and its employee entries in one transaction.
func (p *Postgres) CreateBatch(ctx context.Context, batch *PayrollBatch, employees []EmployeeEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &OpError{Op: "create batch", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payroll_batches
		 (employer_address, batch_id, total_amount, vault_shares, lock_date, payout_date, status, lock_tx_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		batch.EmployerAddress, batch.BatchID, batch.TotalAmount.Decimal(),
		batch.VaultShares.Decimal(), batch.LockDate, batch.PayoutDate,
		string(batch.Status), batch.LockTxRef,
	)
	if err != nil {
		return &OpError{Op: "create batch", Err: err}
	}

	for i := range employees {
		emp := &employees[i]
		if emp.ID == "" {
			emp.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO employee_entries (id, employer_address, batch_id, address, amount, pay_status)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			emp.ID, batch.EmployerAddress, batch.BatchID, emp.Address,
			emp.Amount.Decimal(), string(PayPending),
		)
		if err != nil {
			return &OpError{Op: "create employee entry", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &OpError{Op: "create batch", Err: err}
	}
	return nil
}

// GetBatch fetches one batch by its (employer, batch id) key.
func (p *Postgres) GetBatch(ctx context.Context, employer string, batchID int64) (*PayrollBatch, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT employer_address, batch_id, total_amount, vault_shares, lock_date, payout_date,
		        status, yield_earned, lock_tx_ref, release_tx_ref, created_at, updated_at
		 FROM payroll_batches WHERE employer_address = $1 AND batch_id = $2`,
		employer, batchID,
	)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, &OpError{Op: "get batch", Err: fmt.Errorf("batch %s/%d not found", employer, batchID)}
	}
	if err != nil {
		return nil, &OpError{Op: "get batch", Err: err}
	}
	return batch, nil
}

// ListDueBatches returns batches still locked whose payout date has passed.
func (p *Postgres) ListDueBatches(ctx context.Context, now time.Time) ([]*PayrollBatch, error) {
	return p.listBatches(ctx, "list due batches",
		`SELECT employer_address, batch_id, total_amount, vault_shares, lock_date, payout_date,
		        status, yield_earned, lock_tx_ref, release_tx_ref, created_at, updated_at
		 FROM payroll_batches
		 WHERE status = $1 AND payout_date <= $2
		 ORDER BY payout_date`,
		string(BatchLocked), now,
	)
}

// ListReleasedWithoutUpload returns released batches that have no
// disbursement upload record yet: funds already left the contract but the
// hand-off to the disbursement service is still owed.
func (p *Postgres) ListReleasedWithoutUpload(ctx context.Context) ([]*PayrollBatch, error) {
	return p.listBatches(ctx, "list released without upload",
		`SELECT b.employer_address, b.batch_id, b.total_amount, b.vault_shares, b.lock_date, b.payout_date,
		        b.status, b.yield_earned, b.lock_tx_ref, b.release_tx_ref, b.created_at, b.updated_at
		 FROM payroll_batches b
		 WHERE b.status = $1
		   AND NOT EXISTS (
			SELECT 1 FROM disbursement_uploads u
			WHERE u.employer_address = b.employer_address AND u.batch_id = b.batch_id
		   )
		 ORDER BY b.payout_date`,
		string(BatchReleased),
	)
}

func (p *Postgres) listBatches(ctx context.Context, op, query string, args ...interface{}) ([]*PayrollBatch, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	defer rows.Close()

	var batches []*PayrollBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, &OpError{Op: op, Err: err}
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	return batches, nil
}

// MarkReleased advances a locked batch to released, recording the yield and
// the release transaction reference. Forward-only: the update is conditional
// on the batch still being locked.
func (p *Postgres) MarkReleased(ctx context.Context, employer string, batchID int64, yield paydec.Amount, txRef string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE payroll_batches
		 SET status = $1, yield_earned = $2, release_tx_ref = $3, updated_at = now()
		 WHERE employer_address = $4 AND batch_id = $5 AND status = $6`,
		string(BatchReleased), yield.Decimal(), txRef, employer, batchID, string(BatchLocked),
	)
	if err != nil {
		return &OpError{Op: "mark released", Err: err}
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &OpError{Op: "mark released", Err: fmt.Errorf("batch %s/%d is not locked", employer, batchID)}
	}
	return nil
}

// MarkDistributed advances a released batch to distributed.
func (p *Postgres) MarkDistributed(ctx context.Context, employer string, batchID int64) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE payroll_batches SET status = $1, updated_at = now()
		 WHERE employer_address = $2 AND batch_id = $3 AND status = $4`,
		string(BatchDistributed), employer, batchID, string(BatchReleased),
	)
	if err != nil {
		return &OpError{Op: "mark distributed", Err: err}
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &OpError{Op: "mark distributed", Err: fmt.Errorf("batch %s/%d is not released", employer, batchID)}
	}
	return nil
}

// ListEmployeesByBatch returns the payees of a batch.
func (p *Postgres) ListEmployeesByBatch(ctx context.Context, employer string, batchID int64) ([]EmployeeEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, employer_address, batch_id, address, amount, pay_status, created_at
		 FROM employee_entries
		 WHERE employer_address = $1 AND batch_id = $2
		 ORDER BY created_at, id`,
		employer, batchID,
	)
	if err != nil {
		return nil, &OpError{Op: "list employees", Err: err}
	}
	defer rows.Close()

	var entries []EmployeeEntry
	for rows.Next() {
		var entry EmployeeEntry
		var amount decimal.Decimal
		var status string
		err := rows.Scan(&entry.ID, &entry.EmployerAddress, &entry.BatchID,
			&entry.Address, &amount, &status, &entry.CreatedAt)
		if err != nil {
			return nil, &OpError{Op: "list employees", Err: err}
		}
		entry.Amount = paydec.NewFromDecimal(amount)
		entry.PayStatus = PayStatus(status)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &OpError{Op: "list employees", Err: err}
	}
	return entries, nil
}

// UpdateEmployeePayStatus is the confirmation hook: disbursement
// confirmations move a payee from pending to sent/claimed.
func (p *Postgres) UpdateEmployeePayStatus(ctx context.Context, entryID string, status PayStatus) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE employee_entries SET pay_status = $1 WHERE id = $2`,
		string(status), entryID,
	)
	if err != nil {
		return &OpError{Op: "update pay status", Err: err}
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &OpError{Op: "update pay status", Err: fmt.Errorf("employee entry %s not found", entryID)}
	}
	return nil
}

// CreateDisbursementUpload appends one disbursement attempt record.
func (p *Postgres) CreateDisbursementUpload(ctx context.Context, upload *DisbursementUpload) error {
	if upload.ID == "" {
		upload.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO disbursement_uploads (id, employer_address, batch_id, disbursement_id, raw_response, upload_status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		upload.ID, upload.EmployerAddress, upload.BatchID,
		upload.DisbursementID, upload.RawResponse, string(upload.UploadStatus),
	)
	if err != nil {
		return &OpError{Op: "create disbursement upload", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*PayrollBatch, error) {
	var batch PayrollBatch
	var total, shares decimal.Decimal
	var yield decimal.NullDecimal
	var status string
	var releaseRef sql.NullString

	err := row.Scan(&batch.EmployerAddress, &batch.BatchID, &total, &shares,
		&batch.LockDate, &batch.PayoutDate, &status, &yield,
		&batch.LockTxRef, &releaseRef, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		return nil, err
	}

	batch.TotalAmount = paydec.NewFromDecimal(total)
	batch.VaultShares = paydec.SharesFromDecimal(shares)
	batch.Status = BatchStatus(status)
	if yield.Valid {
		amount := paydec.NewFromDecimal(yield.Decimal)
		batch.YieldEarned = &amount
	}
	if releaseRef.Valid {
		batch.ReleaseTxRef = &releaseRef.String
	}
	return &batch, nil
}
