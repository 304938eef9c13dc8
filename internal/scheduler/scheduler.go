package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nolandruid/CasaStellar2025/internal/orchestrator"
	"github.com/nolandruid/CasaStellar2025/internal/store"
)

// DefaultInterval is how often the scheduler polls for due work.
const DefaultInterval = 10 * time.Second

// ErrCycleInProgress is returned by TriggerCycle while a cycle is already
// running. The in-process guard prevents overlapping cycles, not multiple
// orchestrator instances; see the leader election gate for the latter.
var ErrCycleInProgress = errors.New("settlement cycle already in progress")

// BatchSource is the persistence surface the scheduler polls for due work.
type BatchSource interface {
	ListDueBatches(ctx context.Context, now time.Time) ([]*store.PayrollBatch, error)
	ListReleasedWithoutUpload(ctx context.Context) ([]*store.PayrollBatch, error)
}

// Processor drives one batch through its forward transitions.
type Processor interface {
	ProcessBatch(ctx context.Context, batch *store.PayrollBatch) error
}

// Reconciler aligns stale stored batches with the contract before the first
// cycle after a restart.
type Reconciler interface {
	ReconcileBatch(ctx context.Context, batch *store.PayrollBatch) error
}

// BatchLocker takes a short-lived advisory lock on one batch so that two
// orchestrator instances do not settle it concurrently. Optional; when nil
// the scheduler relies on single-instance deployment.
type BatchLocker interface {
	TryLock(ctx context.Context, employer string, batchID int64) (bool, error)
	Unlock(ctx context.Context, employer string, batchID int64) error
}

// Leadership gates cycles on holding leadership. Optional.
type Leadership interface {
	IsLeader() bool
}

// CycleStats summarizes one scheduler pass for metrics and logs.
type CycleStats struct {
	Started     time.Time
	Duration    time.Duration
	Due         int
	Settled     int
	Retried     int
	Failed      int
	LockSkipped int
}

// Recorder receives cycle statistics. Optional.
type Recorder interface {
	RecordCycle(ctx context.Context, stats CycleStats)
}

// Scheduler discovers due batches on a fixed interval and drives the
// orchestrator over each one sequentially. Batches are never processed in
// parallel: the signing account's sequence number allows only one in-flight
// ledger submission at a time.
type Scheduler struct {
	source     BatchSource
	proc       Processor
	reconciler Reconciler
	locker     BatchLocker
	leader     Leadership
	metrics    Recorder
	interval   time.Duration
	log        *logrus.Entry
	now        func() time.Time

	cycleActive int32 // atomic overlap guard
	reconciled  int32
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) { s.interval = interval }
}

// WithBatchLocker enables the per-batch advisory lock.
func WithBatchLocker(locker BatchLocker) Option {
	return func(s *Scheduler) { s.locker = locker }
}

// WithLeadership gates cycles on leadership.
func WithLeadership(leader Leadership) Option {
	return func(s *Scheduler) { s.leader = leader }
}

// WithRecorder enables cycle metrics.
func WithRecorder(recorder Recorder) Option {
	return func(s *Scheduler) { s.metrics = recorder }
}

// WithReconciler enables the startup reconcile pass.
func WithReconciler(reconciler Reconciler) Option {
	return func(s *Scheduler) { s.reconciler = reconciler }
}

// New creates a scheduler.
func New(source BatchSource, proc Processor, log *logrus.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{
		source:   source,
		proc:     proc,
		interval: DefaultInterval,
		log:      log.WithField("component", "scheduler"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one cycle immediately, then on the fixed interval until Stop is
// called or the context is cancelled. Blocking; run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).Info("scheduler started")

	if err := s.runCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		s.log.WithError(err).Warn("initial cycle failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
				s.log.WithError(err).Warn("cycle failed")
			}
		}
	}
}

// Stop halts the loop after the current cycle finishes.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// TriggerCycle runs one cycle on demand (manual or test invocation).
func (s *Scheduler) TriggerCycle(ctx context.Context) error {
	return s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	// A slow cycle must not overlap with the next tick.
	if !atomic.CompareAndSwapInt32(&s.cycleActive, 0, 1) {
		return ErrCycleInProgress
	}
	defer atomic.StoreInt32(&s.cycleActive, 0)

	if s.leader != nil && !s.leader.IsLeader() {
		s.log.Debug("not leader; skipping cycle")
		return nil
	}

	stats := CycleStats{Started: s.now()}
	defer func() {
		stats.Duration = s.now().Sub(stats.Started)
		if s.metrics != nil {
			s.metrics.RecordCycle(ctx, stats)
		}
		s.log.WithFields(logrus.Fields{
			"due":          stats.Due,
			"settled":      stats.Settled,
			"retried":      stats.Retried,
			"failed":       stats.Failed,
			"lock_skipped": stats.LockSkipped,
			"duration":     stats.Duration.String(),
		}).Info("cycle complete")
	}()

	due, err := s.source.ListDueBatches(ctx, stats.Started)
	if err != nil {
		s.log.WithError(err).Error("failed to list due batches")
		return err
	}
	stats.Due = len(due)

	if s.reconciler != nil && atomic.CompareAndSwapInt32(&s.reconciled, 0, 1) {
		// First cycle after a restart: distrust stale locked records and
		// let the contract correct them before any release is attempted.
		for _, batch := range due {
			_ = s.reconciler.ReconcileBatch(ctx, batch)
		}
		due, err = s.source.ListDueBatches(ctx, stats.Started)
		if err != nil {
			s.log.WithError(err).Error("failed to re-list due batches after reconcile")
			return err
		}
		stats.Due = len(due)
	}

	for _, batch := range due {
		if !s.processOne(ctx, batch, &stats) {
			stats.Failed++
		} else {
			stats.Settled++
		}
	}

	// Batches released in an earlier cycle whose disbursement hand-off is
	// still owed. Retrying these never touches the ledger.
	pending, err := s.source.ListReleasedWithoutUpload(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to list batches pending disbursement")
		return nil
	}
	for _, batch := range pending {
		stats.Retried++
		if !s.processOne(ctx, batch, &stats) {
			stats.Failed++
		}
	}
	return nil
}

// processOne runs the orchestrator over a single batch. A failure is logged
// and absorbed: one bad batch never halts the cycle.
func (s *Scheduler) processOne(ctx context.Context, batch *store.PayrollBatch, stats *CycleStats) bool {
	log := s.log.WithFields(logrus.Fields{
		"employer": batch.EmployerAddress,
		"batch_id": batch.BatchID,
	})

	if s.locker != nil {
		locked, err := s.locker.TryLock(ctx, batch.EmployerAddress, batch.BatchID)
		if err != nil {
			log.WithError(err).Warn("batch lock unavailable; proceeding unlocked")
		} else if !locked {
			log.Info("batch locked by another instance; skipping")
			stats.LockSkipped++
			return true
		} else {
			defer func() {
				if err := s.locker.Unlock(ctx, batch.EmployerAddress, batch.BatchID); err != nil {
					log.WithError(err).Warn("failed to release batch lock")
				}
			}()
		}
	}

	if err := s.proc.ProcessBatch(ctx, batch); err != nil {
		log.WithFields(logrus.Fields{
			"error_class": orchestrator.Classify(err),
			"retryable":   orchestrator.Retryable(err),
		}).WithError(err).Error("batch settlement failed; continuing cycle")
		return false
	}
	return true
}
