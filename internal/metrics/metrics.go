package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the consent service
type Metrics struct {
	ConsentRecorded   *prometheus.CounterVec
	MirrorFailures    prometheus.Counter
	RecordsDeleted    prometheus.Counter
	RecordsArchived   prometheus.Counter
	MaintenanceRuns   prometheus.Counter
	MaintenanceErrors prometheus.Counter
	LogRotations      prometheus.Counter
	IntegrityBadLines prometheus.Counter
}

// New registers and returns the service collectors
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConsentRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmwork",
			Subsystem: "consent",
			Name:      "records_total",
			Help:      "Consent records written, partitioned by decision.",
		}, []string{"decision"}),
		MirrorFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "farmwork",
			Subsystem: "consent",
			Name:      "mirror_failures_total",
			Help:      "Audit mirror writes that failed (non-fatal to the primary operation).",
		}),
		RecordsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "farmwork",
			Subsystem: "retention",
			Name:      "records_deleted_total",
			Help:      "Expired consent records hard-deleted by the retention manager.",
		}),
		RecordsArchived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "farmwork",
			Subsystem: "retention",
			Name:      "records_archived_total",
			Help:      "Expired consent records copied to the archive table.",
		}),
		MaintenanceRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "farmwork",
			Subsystem: "retention",
			Name:      "maintenance_runs_total",
			Help:      "Completed maintenance runs, including partially failed ones.",
		}),
		MaintenanceErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "farmwork",
			Subsystem: "retention",
			Name:      "maintenance_errors_total",
			Help:      "Stage-level errors collected during maintenance runs.",
		}),
		LogRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "farmwork",
			Subsystem: "auditlog",
			Name:      "rotations_total",
			Help:      "Log files rotated.",
		}),
		IntegrityBadLines: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "farmwork",
			Subsystem: "auditlog",
			Name:      "integrity_bad_lines_total",
			Help:      "Invalid lines found during log integrity validation.",
		}),
	}
}
