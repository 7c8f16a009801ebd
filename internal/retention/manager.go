package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/farmworkhub/consent-service/internal/auditlog"
	"github.com/farmworkhub/consent-service/internal/config"
	"github.com/farmworkhub/consent-service/internal/metrics"
	"github.com/farmworkhub/consent-service/internal/models"
	"github.com/farmworkhub/consent-service/pkg/utils"
)

// ConsentStore is the slice of the repository the retention manager needs
type ConsentStore interface {
	SelectOlderThan(ctx context.Context, cutoffMillis int64, limit int) ([]models.ConsentRecord, error)
	DeleteOlderThan(ctx context.Context, cutoffMillis int64, limit int) (int64, error)
	CountAll(ctx context.Context) (int, error)
	CountOlderThan(ctx context.Context, cutoffMillis int64) (int, error)
}

// ArchiveStore persists long-term copies of expired records
type ArchiveStore interface {
	ArchiveAndDelete(ctx context.Context, record *models.ConsentRecord, archive *models.ConsentArchive) error
	CountAll(ctx context.Context) (int, error)
}

// LogMaintainer is the rotation surface used during log maintenance
type LogMaintainer interface {
	RotateIfNeeded() (int, error)
	ArchiveOldLogs(retentionDays int) (int, error)
}

// AuditSink receives administrative audit entries and maintenance errors,
// and supports purging test traffic from the consent mirror.
type AuditSink interface {
	LogAuditEntry(entry *auditlog.AuditEntry) error
	LogError(errType string, cause error, context map[string]interface{}) error
	PurgeTestEntries() (int, error)
}

// DatabaseProber is a live connectivity check used by configuration validation
type DatabaseProber interface {
	HealthCheck(ctx context.Context) error
}

// Manager enforces the configured retention window over consent records and
// runs general log maintenance. All paths are best effort with reporting: a
// stage failure is collected, never fatal to the remaining stages.
type Manager struct {
	store   ConsentStore
	archive ArchiveStore
	rotator LogMaintainer
	sink    AuditSink
	prober  DatabaseProber
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewManager creates a retention manager
func NewManager(
	store ConsentStore,
	archive ArchiveStore,
	rotator LogMaintainer,
	sink AuditSink,
	prober DatabaseProber,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *Manager {
	return &Manager{
		store:   store,
		archive: archive,
		rotator: rotator,
		sink:    sink,
		prober:  prober,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

func (m *Manager) cutoffMillis() int64 {
	return utils.DaysAgoMillis(m.cfg.Consent.RetentionDays)
}

// CleanupResult reports a batched delete run, including partial progress when
// a batch fails midway.
type CleanupResult struct {
	Deleted int `json:"deleted"`
	Batches int `json:"batches"`
}

// CleanupExpiredConsents deletes records older than the retention window in
// fixed-size batches until a batch deletes nothing. A batch failure stops the
// loop and is returned alongside the progress made so far; there is no retry.
func (m *Manager) CleanupExpiredConsents(ctx context.Context) (*CleanupResult, error) {
	cutoff := m.cutoffMillis()
	batchSize := m.cfg.Retention.BatchSize
	result := &CleanupResult{}

	for {
		deleted, err := m.store.DeleteOlderThan(ctx, cutoff, batchSize)
		if err != nil {
			_ = m.sink.LogError(models.ErrCodePersistenceFailure, err, map[string]interface{}{
				"stage":   "cleanup",
				"batch":   result.Batches,
				"deleted": result.Deleted,
			})
			return result, fmt.Errorf("cleanup batch %d failed: %w", result.Batches, err)
		}
		if deleted == 0 {
			break
		}

		result.Deleted += int(deleted)
		result.Batches++
		m.metrics.RecordsDeleted.Add(float64(deleted))

		m.logger.WithFields(logrus.Fields{
			"batch":   result.Batches,
			"deleted": deleted,
			"total":   result.Deleted,
		}).Info("Cleanup batch completed")
	}

	_ = m.sink.LogAuditEntry(&auditlog.AuditEntry{
		Action: auditlog.ActionCleanupRun,
		Detail: fmt.Sprintf("deleted %d expired records in %d batches", result.Deleted, result.Batches),
	})

	return result, nil
}

// ArchiveResult reports an archival run. Failed records remain in the live
// table and are listed individually.
type ArchiveResult struct {
	Archived int      `json:"archived"`
	Failed   []string `json:"failed"`
}

// ArchiveOldConsents copies expired records into the archive table and
// removes them from the live table, copy-then-delete per record, in bounded
// concurrency batches. A per-record failure is isolated: the record stays
// live and is reported without blocking the rest of the batch.
func (m *Manager) ArchiveOldConsents(ctx context.Context) (*ArchiveResult, error) {
	cutoff := m.cutoffMillis()
	batchSize := m.cfg.Retention.BatchSize
	result := &ArchiveResult{Failed: []string{}}
	failedSet := map[string]bool{}

	for {
		batch, err := m.store.SelectOlderThan(ctx, cutoff, batchSize)
		if err != nil {
			_ = m.sink.LogError(models.ErrCodePersistenceFailure, err, map[string]interface{}{
				"stage":    "archive",
				"archived": result.Archived,
			})
			return result, fmt.Errorf("failed to select archival batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		var mu sync.Mutex
		archivedTime := utils.GetCurrentTimeMillis()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.Retention.ArchiveConcurrency)

		archivedBefore := result.Archived
		for i := range batch {
			record := batch[i]
			g.Go(func() error {
				archive := &models.ConsentArchive{
					ArchiveID:     utils.GenerateArchiveID(),
					RecordID:      record.RecordID,
					Consent:       record.Consent,
					OriginalTime:  record.CreatedTime,
					ArchivedTime:  archivedTime,
					IPAddress:     record.IPAddress,
					UserAgent:     record.UserAgent,
					UserID:        record.UserID,
					SessionID:     record.SessionID,
					Metadata:      record.Metadata,
					PolicyVersion: record.PolicyVersion,
				}

				if err := m.archive.ArchiveAndDelete(gctx, &record, archive); err != nil {
					mu.Lock()
					if !failedSet[record.RecordID] {
						failedSet[record.RecordID] = true
						result.Failed = append(result.Failed, record.RecordID)
					}
					mu.Unlock()
					m.logger.WithError(err).WithField("record_id", record.RecordID).Warn("Failed to archive record")
					_ = m.sink.LogError(models.ErrCodePersistenceFailure, err, map[string]interface{}{
						"stage":    "archive",
						"recordId": record.RecordID,
					})
					// isolated failure, keep the batch going
					return nil
				}

				mu.Lock()
				result.Archived++
				mu.Unlock()
				m.metrics.RecordsArchived.Inc()
				return nil
			})
		}
		_ = g.Wait()

		// A batch where nothing archived would reselect the same failing
		// records forever; stop and report instead.
		if result.Archived == archivedBefore {
			break
		}
	}

	_ = m.sink.LogAuditEntry(&auditlog.AuditEntry{
		Action: auditlog.ActionArchiveRun,
		Detail: fmt.Sprintf("archived %d records, %d failures", result.Archived, len(result.Failed)),
	})

	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%d records failed to archive", len(result.Failed))
	}
	return result, nil
}

// CleanupOldRecords applies the single configured retention policy and
// returns the number of records removed from the live table. This is the
// entry point the consent service delegates to.
func (m *Manager) CleanupOldRecords(ctx context.Context) (int, error) {
	switch m.cfg.Retention.Policy {
	case config.PolicyArchive:
		result, err := m.ArchiveOldConsents(ctx)
		return result.Archived, err
	default:
		result, err := m.CleanupExpiredConsents(ctx)
		return result.Deleted, err
	}
}

// LogCleanupResult reports one log maintenance pass
type LogCleanupResult struct {
	RotatedFiles  int `json:"rotatedFiles"`
	ArchivedFiles int `json:"archivedFiles"`
	PurgedEntries int `json:"purgedEntries"`
}

// CleanupOldLogs rotates oversized logs, archives rotated files older than
// the retention window and purges recognizable test/health-check entries.
func (m *Manager) CleanupOldLogs(ctx context.Context) (*LogCleanupResult, error) {
	result := &LogCleanupResult{}

	rotated, err := m.rotator.RotateIfNeeded()
	result.RotatedFiles = rotated
	if err != nil {
		return result, fmt.Errorf("log rotation failed: %w", err)
	}
	if rotated > 0 {
		m.metrics.LogRotations.Add(float64(rotated))
		_ = m.sink.LogAuditEntry(&auditlog.AuditEntry{
			Action: auditlog.ActionLogRotated,
			Detail: fmt.Sprintf("rotated %d oversized log files", rotated),
		})
	}

	archived, err := m.rotator.ArchiveOldLogs(m.cfg.Consent.RetentionDays)
	result.ArchivedFiles = archived
	if err != nil {
		return result, fmt.Errorf("log archival failed: %w", err)
	}
	if archived > 0 {
		_ = m.sink.LogAuditEntry(&auditlog.AuditEntry{
			Action: auditlog.ActionLogArchived,
			Detail: fmt.Sprintf("archived %d rotated log files", archived),
		})
	}

	purged, err := m.sink.PurgeTestEntries()
	result.PurgedEntries = purged
	if err != nil {
		return result, fmt.Errorf("test entry purge failed: %w", err)
	}
	if purged > 0 {
		_ = m.sink.LogAuditEntry(&auditlog.AuditEntry{
			Action: auditlog.ActionTestPurge,
			Detail: fmt.Sprintf("purged %d test entries from consent log", purged),
		})
	}

	return result, nil
}

// GetRetentionStats summarizes live-table age distribution. Cleanup is
// recommended once a tenth of the table has expired.
func (m *Manager) GetRetentionStats(ctx context.Context) (*models.RetentionStats, error) {
	total, err := m.store.CountAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	expired, err := m.store.CountOlderThan(ctx, m.cutoffMillis())
	if err != nil {
		return nil, fmt.Errorf("failed to count expired records: %w", err)
	}

	archived, err := m.archive.CountAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count archived records: %w", err)
	}

	percent := 0.0
	if total > 0 {
		percent = float64(expired) / float64(total) * 100
	}

	return &models.RetentionStats{
		TotalRecords:       total,
		ExpiredRecords:     expired,
		RecentRecords:      total - expired,
		ArchivedRecords:    archived,
		PercentExpired:     percent,
		CleanupRecommended: expired > 0 && percent >= 10,
	}, nil
}

// PerformMaintenance runs the retention policy, log maintenance and a stats
// snapshot in sequence, collecting each stage's failure independently. A
// failing stage degrades the run; it never aborts the stages after it.
func (m *Manager) PerformMaintenance(ctx context.Context) *models.MaintenanceReport {
	start := time.Now()
	report := &models.MaintenanceReport{Errors: []string{}}

	switch m.cfg.Retention.Policy {
	case config.PolicyArchive:
		result, err := m.ArchiveOldConsents(ctx)
		report.ArchivedRecords = result.Archived
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	default:
		result, err := m.CleanupExpiredConsents(ctx)
		report.DeletedRecords = result.Deleted
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	logResult, err := m.CleanupOldLogs(ctx)
	report.RotatedFiles = logResult.RotatedFiles
	report.ArchivedFiles = logResult.ArchivedFiles
	report.PurgedEntries = logResult.PurgedEntries
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	if _, err := m.GetRetentionStats(ctx); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	report.DurationMillis = time.Since(start).Milliseconds()

	m.metrics.MaintenanceRuns.Inc()
	m.metrics.MaintenanceErrors.Add(float64(len(report.Errors)))

	m.logger.WithFields(logrus.Fields{
		"deleted":  report.DeletedRecords,
		"archived": report.ArchivedRecords,
		"rotated":  report.RotatedFiles,
		"purged":   report.PurgedEntries,
		"errors":   len(report.Errors),
		"duration": report.DurationMillis,
	}).Info("Maintenance run completed")

	return report
}

// ConfigCheck is one configuration validation result
type ConfigCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ConfigValidation reports which configuration checks failed without throwing
type ConfigValidation struct {
	Valid  bool          `json:"valid"`
	Checks []ConfigCheck `json:"checks"`
}

// ValidateConfiguration sanity-checks retention settings and probes the
// database. It reports failed checks rather than returning an error.
func (m *Manager) ValidateConfiguration(ctx context.Context) *ConfigValidation {
	validation := &ConfigValidation{Valid: true}

	addCheck := func(name string, passed bool, detail string) {
		if !passed {
			validation.Valid = false
		} else {
			detail = ""
		}
		validation.Checks = append(validation.Checks, ConfigCheck{Name: name, Passed: passed, Detail: detail})
	}

	days := m.cfg.Consent.RetentionDays
	addCheck("retention_days", days >= 1 && days <= 365,
		fmt.Sprintf("retention_days must be between 1 and 365, got %d", days))

	batch := m.cfg.Retention.BatchSize
	addCheck("batch_size", batch >= 1 && batch <= 1000,
		fmt.Sprintf("batch_size must be between 1 and 1000, got %d", batch))

	policy := m.cfg.Retention.Policy
	addCheck("policy", policy == config.PolicyDelete || policy == config.PolicyArchive,
		fmt.Sprintf("unknown retention policy %q", policy))

	probeErr := m.prober.HealthCheck(ctx)
	detail := ""
	if probeErr != nil {
		detail = probeErr.Error()
	}
	addCheck("database", probeErr == nil, detail)

	return validation
}
