package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// LeaderElector gates settlement cycles on etcd leader election so that a
// multi-instance deployment has exactly one instance submitting ledger
// transactions. Without it, two orchestrators can double-submit a release.
type LeaderElector struct {
	client     *clientv3.Client
	instanceID string
	prefix     string
	log        *logrus.Entry

	isLeader int32
}

// NewLeaderElector connects to etcd. instanceID must be unique per process.
func NewLeaderElector(endpoints []string, prefix, instanceID string, log *logrus.Logger) (*LeaderElector, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &LeaderElector{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix,
		log:        log.WithField("component", "elector"),
	}, nil
}

// Campaign blocks competing for leadership and holds it until the session
// lapses, then campaigns again. Run it in its own goroutine; IsLeader
// reflects the current standing.
func (e *LeaderElector) Campaign(ctx context.Context) error {
	for {
		session, err := concurrency.NewSession(e.client, concurrency.WithTTL(15))
		if err != nil {
			e.log.WithError(err).Warn("etcd session unavailable; retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		election := concurrency.NewElection(session, e.prefix)
		if err := election.Campaign(ctx, e.instanceID); err != nil {
			_ = session.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.WithError(err).Warn("leadership campaign failed; retrying")
			continue
		}

		atomic.StoreInt32(&e.isLeader, 1)
		e.log.Info("acquired settlement leadership")

		select {
		case <-ctx.Done():
			atomic.StoreInt32(&e.isLeader, 0)
			resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = election.Resign(resignCtx)
			cancel()
			_ = session.Close()
			return ctx.Err()
		case <-session.Done():
			// Lease expired; another instance may lead now.
			atomic.StoreInt32(&e.isLeader, 0)
			e.log.Warn("leadership session lapsed; re-campaigning")
		}
	}
}

// IsLeader reports whether this instance currently leads.
func (e *LeaderElector) IsLeader() bool {
	return atomic.LoadInt32(&e.isLeader) == 1
}

// Close tears down the etcd client.
func (e *LeaderElector) Close() error {
	return e.client.Close()
}
