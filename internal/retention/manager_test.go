package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmworkhub/consent-service/internal/auditlog"
	"github.com/farmworkhub/consent-service/internal/config"
	"github.com/farmworkhub/consent-service/internal/metrics"
	"github.com/farmworkhub/consent-service/internal/models"
	"github.com/farmworkhub/consent-service/pkg/utils"
)

type fakeConsentStore struct {
	mu        sync.Mutex
	records   []models.ConsentRecord
	deleteErr error
	selectErr error
}

func (s *fakeConsentStore) SelectOlderThan(_ context.Context, cutoff int64, limit int) ([]models.ConsentRecord, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch []models.ConsentRecord
	for _, r := range s.records {
		if r.CreatedTime < cutoff {
			batch = append(batch, r)
			if len(batch) == limit {
				break
			}
		}
	}
	return batch, nil
}

func (s *fakeConsentStore) DeleteOlderThan(_ context.Context, cutoff int64, limit int) (int64, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []models.ConsentRecord
	deleted := int64(0)
	for _, r := range s.records {
		if r.CreatedTime < cutoff && deleted < int64(limit) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

func (s *fakeConsentStore) removeByID(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.RecordID == recordID {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return
		}
	}
}

func (s *fakeConsentStore) CountAll(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *fakeConsentStore) CountOlderThan(_ context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.records {
		if r.CreatedTime < cutoff {
			count++
		}
	}
	return count, nil
}

type fakeArchiveStore struct {
	mu       sync.Mutex
	store    *fakeConsentStore
	archived []models.ConsentArchive
	failIDs  map[string]bool
}

func (a *fakeArchiveStore) ArchiveAndDelete(_ context.Context, record *models.ConsentRecord, archive *models.ConsentArchive) error {
	if a.failIDs[record.RecordID] {
		return errors.New("archive write failed")
	}
	a.mu.Lock()
	a.archived = append(a.archived, *archive)
	a.mu.Unlock()
	a.store.removeByID(record.RecordID)
	return nil
}

func (a *fakeArchiveStore) CountAll(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.archived), nil
}

type fakeRotator struct {
	rotated     int
	archived    int
	rotateErr   error
	archiveErr  error
	rotateCalls int
}

func (r *fakeRotator) RotateIfNeeded() (int, error) {
	r.rotateCalls++
	return r.rotated, r.rotateErr
}

func (r *fakeRotator) ArchiveOldLogs(int) (int, error) {
	return r.archived, r.archiveErr
}

type fakeSink struct {
	mu       sync.Mutex
	entries  []auditlog.AuditEntry
	errors   []string
	purged   int
	purgeErr error
}

func (s *fakeSink) LogAuditEntry(entry *auditlog.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *fakeSink) LogError(errType string, _ error, _ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, errType)
	return nil
}

func (s *fakeSink) PurgeTestEntries() (int, error) {
	return s.purged, s.purgeErr
}

func (s *fakeSink) actionsLogged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var actions []string
	for _, e := range s.entries {
		actions = append(actions, e.Action)
	}
	return actions
}

type fakeProber struct {
	err error
}

func (p *fakeProber) HealthCheck(context.Context) error {
	return p.err
}

func testConfig(policy config.RetentionPolicy) *config.Config {
	return &config.Config{
		Consent: config.ConsentConfig{
			PolicyVersion: "1.0",
			RetentionDays: 30,
		},
		Retention: config.RetentionConfig{
			Policy:             policy,
			BatchSize:          2,
			ArchiveConcurrency: 3,
		},
	}
}

func expiredRecord(id string, daysOld int) models.ConsentRecord {
	return models.ConsentRecord{
		RecordID:      id,
		Consent:       "accepted",
		CreatedTime:   utils.DaysAgoMillis(daysOld),
		IPAddress:     "203.0.113.9",
		UserAgent:     "test-agent",
		SessionID:     "SES-" + id,
		PolicyVersion: "1.0",
	}
}

type managerFixture struct {
	manager *Manager
	store   *fakeConsentStore
	archive *fakeArchiveStore
	rotator *fakeRotator
	sink    *fakeSink
	prober  *fakeProber
}

func newManagerFixture(t *testing.T, cfg *config.Config) *managerFixture {
	t.Helper()
	store := &fakeConsentStore{}
	archive := &fakeArchiveStore{store: store, failIDs: map[string]bool{}}
	rotator := &fakeRotator{}
	sink := &fakeSink{}
	prober := &fakeProber{}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	manager := NewManager(store, archive, rotator, sink, prober, cfg, metrics.New(prometheus.NewRegistry()), log)
	return &managerFixture{
		manager: manager,
		store:   store,
		archive: archive,
		rotator: rotator,
		sink:    sink,
		prober:  prober,
	}
}

func TestCleanupExpiredConsentsBatchesUntilDone(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyDelete))
	fx.store.records = []models.ConsentRecord{
		expiredRecord("CNS-1", 40),
		expiredRecord("CNS-2", 50),
		expiredRecord("CNS-3", 60),
		expiredRecord("CNS-4", 10), // inside the window, must survive
	}

	result, err := fx.manager.CleanupExpiredConsents(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, 2, result.Batches) // batch size 2: 2 + 1
	remaining, _ := fx.store.CountAll(context.Background())
	assert.Equal(t, 1, remaining)
	assert.Contains(t, fx.sink.actionsLogged(), auditlog.ActionCleanupRun)
}

func TestCleanupExpiredConsentsIsIdempotent(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyDelete))
	fx.store.records = []models.ConsentRecord{expiredRecord("CNS-1", 40)}

	first, err := fx.manager.CleanupExpiredConsents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Deleted)

	second, err := fx.manager.CleanupExpiredConsents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Deleted)
}

func TestCleanupExpiredConsentsReportsBatchFailure(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyDelete))
	fx.store.deleteErr = errors.New("deadlock")

	result, err := fx.manager.CleanupExpiredConsents(context.Background())
	require.Error(t, err)
	assert.Zero(t, result.Deleted)
	assert.Contains(t, fx.sink.errors, models.ErrCodePersistenceFailure)
}

func TestArchiveOldConsentsMovesExpiredRecords(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyArchive))
	fx.store.records = []models.ConsentRecord{
		expiredRecord("CNS-1", 40),
		expiredRecord("CNS-2", 50),
		expiredRecord("CNS-3", 60),
		expiredRecord("CNS-4", 10),
	}

	result, err := fx.manager.ArchiveOldConsents(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Archived)
	assert.Empty(t, result.Failed)

	remaining, _ := fx.store.CountAll(context.Background())
	assert.Equal(t, 1, remaining)
	archived, _ := fx.archive.CountAll(context.Background())
	assert.Equal(t, 3, archived)

	// archive rows carry the original identity and timestamp
	for _, a := range fx.archive.archived {
		assert.NotEmpty(t, a.ArchiveID)
		assert.NotEqual(t, a.ArchiveID, a.RecordID)
		assert.Greater(t, a.ArchivedTime, a.OriginalTime)
	}
	assert.Contains(t, fx.sink.actionsLogged(), auditlog.ActionArchiveRun)
}

func TestArchiveOldConsentsIsolatesPerRecordFailure(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyArchive))
	fx.store.records = []models.ConsentRecord{
		expiredRecord("CNS-ok", 40),
		expiredRecord("CNS-bad", 50),
	}
	fx.archive.failIDs["CNS-bad"] = true

	result, err := fx.manager.ArchiveOldConsents(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, []string{"CNS-bad"}, result.Failed)

	// the failed record stays live
	remaining, _ := fx.store.CountAll(context.Background())
	assert.Equal(t, 1, remaining)
	assert.Contains(t, fx.sink.errors, models.ErrCodePersistenceFailure)
}

func TestArchiveOldConsentsStopsWhenNoProgress(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyArchive))
	fx.store.records = []models.ConsentRecord{
		expiredRecord("CNS-bad-1", 40),
		expiredRecord("CNS-bad-2", 50),
	}
	fx.archive.failIDs["CNS-bad-1"] = true
	fx.archive.failIDs["CNS-bad-2"] = true

	result, err := fx.manager.ArchiveOldConsents(context.Background())
	require.Error(t, err)
	assert.Zero(t, result.Archived)
	assert.Len(t, result.Failed, 2)
}

func TestCleanupOldRecordsDispatchesByPolicy(t *testing.T) {
	t.Run("delete policy", func(t *testing.T) {
		fx := newManagerFixture(t, testConfig(config.PolicyDelete))
		fx.store.records = []models.ConsentRecord{expiredRecord("CNS-1", 40)}

		removed, err := fx.manager.CleanupOldRecords(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		archived, _ := fx.archive.CountAll(context.Background())
		assert.Zero(t, archived)
	})

	t.Run("archive policy", func(t *testing.T) {
		fx := newManagerFixture(t, testConfig(config.PolicyArchive))
		fx.store.records = []models.ConsentRecord{expiredRecord("CNS-1", 40)}

		removed, err := fx.manager.CleanupOldRecords(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		archived, _ := fx.archive.CountAll(context.Background())
		assert.Equal(t, 1, archived)
	})
}

func TestCleanupOldLogsRunsAllStages(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyDelete))
	fx.rotator.rotated = 2
	fx.rotator.archived = 1
	fx.sink.purged = 3

	result, err := fx.manager.CleanupOldLogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.RotatedFiles)
	assert.Equal(t, 1, result.ArchivedFiles)
	assert.Equal(t, 3, result.PurgedEntries)

	actions := fx.sink.actionsLogged()
	assert.Contains(t, actions, auditlog.ActionLogRotated)
	assert.Contains(t, actions, auditlog.ActionLogArchived)
	assert.Contains(t, actions, auditlog.ActionTestPurge)
}

func TestGetRetentionStats(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyDelete))
	fx.store.records = []models.ConsentRecord{
		expiredRecord("CNS-1", 40),
		expiredRecord("CNS-2", 50),
		expiredRecord("CNS-3", 10),
		expiredRecord("CNS-4", 5),
	}

	stats, err := fx.manager.GetRetentionStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalRecords)
	assert.Equal(t, 2, stats.ExpiredRecords)
	assert.Equal(t, 2, stats.RecentRecords)
	assert.InDelta(t, 50.0, stats.PercentExpired, 0.01)
	assert.True(t, stats.CleanupRecommended)
}

func TestGetRetentionStatsEmptyTable(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyDelete))

	stats, err := fx.manager.GetRetentionStats(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.TotalRecords)
	assert.Zero(t, stats.PercentExpired)
	assert.False(t, stats.CleanupRecommended)
}

func TestPerformMaintenanceCollectsStageFailures(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyDelete))
	fx.store.records = []models.ConsentRecord{expiredRecord("CNS-1", 40)}
	fx.rotator.rotateErr = errors.New("disk full")

	report := fx.manager.PerformMaintenance(context.Background())

	// the retention stage still ran despite the log stage failing
	assert.Equal(t, 1, report.DeletedRecords)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "log rotation failed")
	assert.GreaterOrEqual(t, report.DurationMillis, int64(0))
}

func TestPerformMaintenanceCleanRun(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyArchive))
	fx.store.records = []models.ConsentRecord{
		expiredRecord("CNS-1", 40),
		expiredRecord("CNS-2", 10),
	}
	fx.sink.purged = 1

	report := fx.manager.PerformMaintenance(context.Background())

	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.ArchivedRecords)
	assert.Zero(t, report.DeletedRecords)
	assert.Equal(t, 1, report.PurgedEntries)
}

func TestValidateConfiguration(t *testing.T) {
	fx := newManagerFixture(t, testConfig(config.PolicyDelete))

	validation := fx.manager.ValidateConfiguration(context.Background())
	assert.True(t, validation.Valid)
	require.Len(t, validation.Checks, 4)
	for _, check := range validation.Checks {
		assert.True(t, check.Passed, fmt.Sprintf("check %s failed", check.Name))
	}
}

func TestValidateConfigurationFlagsBadSettingsAndDeadDatabase(t *testing.T) {
	cfg := testConfig("purge")
	cfg.Consent.RetentionDays = 0
	fx := newManagerFixture(t, cfg)
	fx.prober.err = errors.New("connection refused")

	validation := fx.manager.ValidateConfiguration(context.Background())
	assert.False(t, validation.Valid)

	failed := map[string]bool{}
	for _, check := range validation.Checks {
		if !check.Passed {
			failed[check.Name] = true
			assert.NotEmpty(t, check.Detail)
		}
	}
	assert.True(t, failed["retention_days"])
	assert.True(t, failed["policy"])
	assert.True(t, failed["database"])
	assert.False(t, failed["batch_size"])
}
