package metrics

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"github.com/nolandruid/CasaStellar2025/internal/scheduler"
)

// InfluxRecorder writes settlement cycle statistics to InfluxDB. Metrics are
// best-effort: a write failure is logged and dropped, never propagated into
// the cycle.
type InfluxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	log    *logrus.Entry
}

// NewInfluxRecorder creates a recorder writing to the given org and bucket.
func NewInfluxRecorder(url, token, org, bucket string, log *logrus.Logger) *InfluxRecorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxRecorder{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		log:    log.WithField("component", "metrics"),
	}
}

// RecordCycle writes one cycle's statistics.
func (r *InfluxRecorder) RecordCycle(ctx context.Context, stats scheduler.CycleStats) {
	point := influxdb2.NewPoint("settlement_cycle",
		map[string]string{"service": "payroll-orchestrator"},
		map[string]interface{}{
			"due":          stats.Due,
			"settled":      stats.Settled,
			"retried":      stats.Retried,
			"failed":       stats.Failed,
			"lock_skipped": stats.LockSkipped,
			"duration_ms":  stats.Duration.Milliseconds(),
		},
		stats.Started,
	)
	if err := r.write.WritePoint(ctx, point); err != nil {
		r.log.WithError(err).Warn("failed to write cycle metrics")
	}
}

// Close flushes and closes the underlying client.
func (r *InfluxRecorder) Close() {
	r.client.Close()
}
