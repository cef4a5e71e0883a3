package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the EVV core.
type Metrics struct {
	VerificationsTotal *prometheus.CounterVec
	RecordTransitions  *prometheus.CounterVec
	SyncDeliveries     *prometheus.CounterVec
	SyncRetriesTotal   prometheus.Counter
	SyncFailedEntries  prometheus.Counter
	ConflictsResolved  *prometheus.CounterVec
	SubmissionsTotal   *prometheus.CounterVec
	TamperDetections   prometheus.Counter
	ManualOverrides    prometheus.Counter
}

// New creates and registers all EVV metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		VerificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "careverify_evv_verifications_total",
			Help: "Location verifications by outcome (passed, failed, review)",
		}, []string{"outcome"}),
		RecordTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "careverify_evv_record_transitions_total",
			Help: "EVV record state transitions by target status",
		}, []string{"to"}),
		SyncDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "careverify_evv_sync_deliveries_total",
			Help: "Sync queue delivery attempts by result (synced, retried, failed)",
		}, []string{"result"}),
		SyncRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "careverify_evv_sync_retries_total",
			Help: "Total sync delivery retries scheduled",
		}),
		SyncFailedEntries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "careverify_evv_sync_failed_entries_total",
			Help: "Queue entries that exhausted retries and need manual intervention",
		}),
		ConflictsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "careverify_evv_conflicts_resolved_total",
			Help: "Field conflicts resolved by strategy",
		}, []string{"strategy"}),
		SubmissionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "careverify_evv_submissions_total",
			Help: "Aggregator submissions by jurisdiction and result",
		}, []string{"jurisdiction", "result"}),
		TamperDetections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "careverify_evv_tamper_detections_total",
			Help: "Integrity chain verification failures",
		}),
		ManualOverrides: promauto.NewCounter(prometheus.CounterOpts{
			Name: "careverify_evv_manual_overrides_total",
			Help: "Manual override actions applied by supervisors",
		}),
	}
}
