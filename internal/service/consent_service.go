package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/farmworkhub/consent-service/internal/auditlog"
	"github.com/farmworkhub/consent-service/internal/config"
	"github.com/farmworkhub/consent-service/internal/database"
	"github.com/farmworkhub/consent-service/internal/metrics"
	"github.com/farmworkhub/consent-service/internal/models"
	"github.com/farmworkhub/consent-service/pkg/utils"
)

// ConsentRepository is the narrow storage interface the service depends on.
// The DAO implements it against MySQL; tests implement it with mocks.
type ConsentRepository interface {
	Insert(ctx context.Context, record *models.ConsentRecord) error
	GetByUser(ctx context.Context, userID string) ([]models.ConsentRecord, error)
	GetLatestByUser(ctx context.Context, userID string) (*models.ConsentRecord, error)
	CountByFilter(ctx context.Context, filter *models.StatsFilter) (total, accepted, declined int, err error)
	GroupByDay(ctx context.Context, filter *models.StatsFilter) ([]models.DailyConsentCount, error)
	DeleteByID(ctx context.Context, recordID string) error
}

// AuditMirror is the file-based compliance mirror. The relational write is
// authoritative; mirror failures are logged, never propagated.
type AuditMirror interface {
	LogConsent(entry *auditlog.ConsentLogEntry) error
	LogAuditEntry(entry *auditlog.AuditEntry) error
	LogError(errType string, cause error, context map[string]interface{}) error
}

// RetentionRunner applies the configured retention policy on demand
type RetentionRunner interface {
	CleanupOldRecords(ctx context.Context) (int, error)
}

// ConsentService is the single authority for creating and querying consent
// decisions.
type ConsentService struct {
	repo      ConsentRepository
	mirror    AuditMirror
	retention RetentionRunner
	db        *database.DB
	cfg       *config.ConsentConfig
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewConsentService creates a new consent service instance
func NewConsentService(
	repo ConsentRepository,
	mirror AuditMirror,
	retention RetentionRunner,
	db *database.DB,
	cfg *config.ConsentConfig,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *ConsentService {
	return &ConsentService{
		repo:      repo,
		mirror:    mirror,
		retention: retention,
		db:        db,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// RecordConsent validates and persists a consent decision, then mirrors it to
// the file audit log. A mirror failure is recorded in the error log and does
// not affect the database write's success.
func (s *ConsentService) RecordConsent(ctx context.Context, req *models.RecordConsentRequest) (*models.ConsentRecord, error) {
	if err := utils.ValidateConsentValue(req.Consent); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidConsentValue, req.Consent)
	}

	if req.UserID != nil {
		if err := utils.ValidateUserID(*req.UserID); err != nil {
			return nil, err
		}
	}
	if err := utils.ValidateSessionID(req.SessionID); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = utils.GenerateSessionID()
	}

	userAgent := utils.NormalizeUserAgent(req.UserAgent)

	metadata := req.Metadata
	if metadata == nil {
		metadata = models.Metadata{}
	}
	if userAgent != utils.UnknownValue {
		metadata["client"] = utils.SummarizeUserAgent(userAgent)
	}

	metadataJSON, err := metadata.ToJSON()
	if err != nil {
		return nil, err
	}

	record := &models.ConsentRecord{
		RecordID:      utils.GenerateRecordID(),
		Consent:       req.Consent,
		CreatedTime:   utils.GetCurrentTimeMillis(),
		IPAddress:     utils.NormalizeIP(req.IP),
		UserAgent:     userAgent,
		UserID:        req.UserID,
		SessionID:     sessionID,
		Metadata:      metadataJSON,
		PolicyVersion: s.cfg.PolicyVersion,
	}

	if err := s.repo.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record consent: %w", err)
	}

	s.metrics.ConsentRecorded.WithLabelValues(record.Consent).Inc()

	s.mirrorConsent(record, metadata, auditlog.ActionConsentRecorded)

	s.logger.WithFields(logrus.Fields{
		"record_id":  record.RecordID,
		"consent":    record.Consent,
		"session_id": record.SessionID,
	}).Info("Consent recorded")

	return record, nil
}

// mirrorConsent writes the consent and audit entries to the file mirror.
// Failures are fault-isolated: they land in the error log and metrics only.
func (s *ConsentService) mirrorConsent(record *models.ConsentRecord, metadata models.Metadata, action string) {
	entry := &auditlog.ConsentLogEntry{
		ID:            record.RecordID,
		Timestamp:     utils.FormatTime(utils.MillisToTime(record.CreatedTime).UTC()),
		Consent:       record.Consent,
		IP:            record.IPAddress,
		UserAgent:     record.UserAgent,
		UserID:        record.UserID,
		SessionID:     record.SessionID,
		Metadata:      metadata,
		PolicyVersion: record.PolicyVersion,
	}

	if err := s.mirror.LogConsent(entry); err != nil {
		s.metrics.MirrorFailures.Inc()
		s.logger.WithError(err).WithField("record_id", record.RecordID).Warn("Audit mirror write failed")
		_ = s.mirror.LogError(models.ErrCodeAuditMirrorFailure, err, map[string]interface{}{
			"recordId": record.RecordID,
		})
	}

	audit := &auditlog.AuditEntry{
		Action:   action,
		RecordID: record.RecordID,
		ActorIP:  record.IPAddress,
	}
	if record.UserID != nil {
		audit.ActorUserID = *record.UserID
	}

	if err := s.mirror.LogAuditEntry(audit); err != nil {
		s.metrics.MirrorFailures.Inc()
		s.logger.WithError(err).WithField("record_id", record.RecordID).Warn("Audit entry write failed")
		_ = s.mirror.LogError(models.ErrCodeAuditMirrorFailure, err, map[string]interface{}{
			"recordId": record.RecordID,
			"action":   action,
		})
	}
}

// GetConsentStats computes aggregate counts, acceptance rate and a per-day
// breakdown for the given filter window.
func (s *ConsentService) GetConsentStats(ctx context.Context, filter *models.StatsFilter) (*models.ConsentStats, error) {
	total, accepted, declined, err := s.repo.CountByFilter(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compute consent stats: %w", err)
	}

	daily, err := s.repo.GroupByDay(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compute daily breakdown: %w", err)
	}
	if daily == nil {
		daily = []models.DailyConsentCount{}
	}

	rate := 0.0
	if total > 0 {
		rate = math.Round(float64(accepted)/float64(total)*100*100) / 100
	}

	return &models.ConsentStats{
		Total:          total,
		Accepted:       accepted,
		Declined:       declined,
		AcceptanceRate: rate,
		Daily:          daily,
	}, nil
}

// GetUserConsentHistory returns all records for a user, newest first
func (s *ConsentService) GetUserConsentHistory(ctx context.Context, userID string) ([]models.ConsentRecord, error) {
	if err := utils.ValidateUserID(userID); err != nil {
		return nil, err
	}

	records, err := s.repo.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consent history: %w", err)
	}
	if records == nil {
		records = []models.ConsentRecord{}
	}
	return records, nil
}

// GetLatestUserConsent returns the most recent record for a user, or nil when
// the user has never recorded a decision.
func (s *ConsentService) GetLatestUserConsent(ctx context.Context, userID string) (*models.ConsentRecord, error) {
	if err := utils.ValidateUserID(userID); err != nil {
		return nil, err
	}

	record, err := s.repo.GetLatestByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest consent: %w", err)
	}
	return record, nil
}

// HasValidConsent reports whether the user's latest record is an accepted
// decision younger than the retention window. Missing users never error.
func (s *ConsentService) HasValidConsent(ctx context.Context, userID string) (bool, error) {
	record, err := s.GetLatestUserConsent(ctx, userID)
	if err != nil {
		return false, err
	}
	if record == nil || !record.IsAccepted() {
		return false, nil
	}

	age := time.Since(utils.MillisToTime(record.CreatedTime))
	window := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	return age < window, nil
}

// WithdrawConsent records a new declined decision tagged with withdrawal
// metadata. Prior records are never deleted or mutated. Users without any
// consent history get models.ErrNoConsentHistory.
func (s *ConsentService) WithdrawConsent(ctx context.Context, userID string, reqMeta models.Metadata) (*models.ConsentRecord, error) {
	if err := utils.ValidateUserID(userID); err != nil {
		return nil, err
	}

	latest, err := s.repo.GetLatestByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNoConsentHistory
		}
		return nil, fmt.Errorf("failed to check consent history: %w", err)
	}

	metadata := models.Metadata{
		"withdrawal":       true,
		"withdrawnRecord":  latest.RecordID,
		"withdrawalReason": "user requested withdrawal",
	}
	for k, v := range reqMeta {
		metadata[k] = v
	}
	metadataJSON, err := metadata.ToJSON()
	if err != nil {
		return nil, err
	}

	record := &models.ConsentRecord{
		RecordID:      utils.GenerateRecordID(),
		Consent:       utils.ConsentDeclined,
		CreatedTime:   utils.GetCurrentTimeMillis(),
		IPAddress:     latest.IPAddress,
		UserAgent:     latest.UserAgent,
		UserID:        &userID,
		SessionID:     latest.SessionID,
		Metadata:      metadataJSON,
		PolicyVersion: s.cfg.PolicyVersion,
	}
	if ip, ok := reqMeta["ip"].(string); ok {
		record.IPAddress = utils.NormalizeIP(ip)
	}
	if ua, ok := reqMeta["userAgent"].(string); ok {
		record.UserAgent = utils.NormalizeUserAgent(ua)
	}

	if err := s.repo.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record withdrawal: %w", err)
	}

	s.metrics.ConsentRecorded.WithLabelValues(record.Consent).Inc()
	s.mirrorConsent(record, metadata, auditlog.ActionConsentWithdraw)

	s.logger.WithFields(logrus.Fields{
		"record_id": record.RecordID,
		"user_id":   userID,
	}).Info("Consent withdrawn")

	return record, nil
}

// ConsentExport is the data-portability dump for a single user
type ConsentExport struct {
	UserID         string                 `json:"userId"`
	ExportDate     string                 `json:"exportDate"`
	ConsentRecords []models.ConsentRecord `json:"consentRecords"`
}

// ExportUserConsentData returns the full ordered dump of a user's live
// records. Archived records are a distinct data set and are not included.
func (s *ConsentService) ExportUserConsentData(ctx context.Context, userID string) (*ConsentExport, error) {
	records, err := s.GetUserConsentHistory(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &ConsentExport{
		UserID:         userID,
		ExportDate:     utils.FormatTime(time.Now().UTC()),
		ConsentRecords: records,
	}, nil
}

// CleanupOldRecords applies the configured retention policy and returns the
// number of records removed from the live table.
func (s *ConsentService) CleanupOldRecords(ctx context.Context) (int, error) {
	return s.retention.CleanupOldRecords(ctx)
}

// HealthStatus is the result of a service health probe
type HealthStatus struct {
	Status       string `json:"status"`
	Database     string `json:"database"`
	TestRecordID string `json:"testRecordId,omitempty"`
}

// HealthCheck probes the database and performs a round-trip write of a test
// record (flagged in metadata so log maintenance can purge its mirror entry).
func (s *ConsentService) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	if err := s.db.HealthCheck(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", Database: "unreachable"}, err
	}

	metadata := models.Metadata{"test": true, "source": "health-check"}
	metadataJSON, err := metadata.ToJSON()
	if err != nil {
		return &HealthStatus{Status: "unhealthy", Database: "connected"}, err
	}

	record := &models.ConsentRecord{
		RecordID:      utils.GenerateRecordID(),
		Consent:       utils.ConsentAccepted,
		CreatedTime:   utils.GetCurrentTimeMillis(),
		IPAddress:     utils.UnknownValue,
		UserAgent:     "health-check",
		SessionID:     utils.GenerateSessionID(),
		Metadata:      metadataJSON,
		PolicyVersion: s.cfg.PolicyVersion,
	}

	if err := s.repo.Insert(ctx, record); err != nil {
		return &HealthStatus{Status: "unhealthy", Database: "write failed"}, err
	}

	if err := s.repo.DeleteByID(ctx, record.RecordID); err != nil {
		s.logger.WithError(err).Warn("Failed to remove health check record")
	}

	return &HealthStatus{
		Status:       "healthy",
		Database:     "connected",
		TestRecordID: record.RecordID,
	}, nil
}
