package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/farmworkhub/consent-service/internal/auditlog"
	"github.com/farmworkhub/consent-service/internal/metrics"
	"github.com/farmworkhub/consent-service/internal/models"
	"github.com/farmworkhub/consent-service/internal/retention"
	"github.com/farmworkhub/consent-service/internal/service"
	"github.com/farmworkhub/consent-service/internal/utils"
	pkgutils "github.com/farmworkhub/consent-service/pkg/utils"
)

// ConsentHandler handles consent-related HTTP requests. It is a thin
// translation layer over the consent service and retention manager.
type ConsentHandler struct {
	consentService *service.ConsentService
	retention      *retention.Manager
	auditLogger    *auditlog.FileAuditLogger
	metrics        *metrics.Metrics
	logger         *logrus.Logger
}

// NewConsentHandler creates a new consent handler instance
func NewConsentHandler(
	consentService *service.ConsentService,
	retentionManager *retention.Manager,
	auditLogger *auditlog.FileAuditLogger,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *ConsentHandler {
	return &ConsentHandler{
		consentService: consentService,
		retention:      retentionManager,
		auditLogger:    auditLogger,
		metrics:        m,
		logger:         logger,
	}
}

// ConsentAPIRequest is the request body for recording a consent decision
type ConsentAPIRequest struct {
	Consent   string          `json:"consent" binding:"required"`
	UserAgent string          `json:"userAgent"`
	SessionID string          `json:"sessionId"`
	Metadata  models.Metadata `json:"metadata"`
}

func (h *ConsentHandler) buildRecordRequest(c *gin.Context, apiRequest *ConsentAPIRequest) *models.RecordConsentRequest {
	userAgent := apiRequest.UserAgent
	if userAgent == "" {
		userAgent = c.GetHeader("User-Agent")
	}

	sessionID := apiRequest.SessionID
	if sessionID == "" {
		sessionID = c.GetHeader("X-Session-ID")
	}

	req := &models.RecordConsentRequest{
		Consent:   apiRequest.Consent,
		IP:        c.ClientIP(),
		UserAgent: userAgent,
		SessionID: sessionID,
		Metadata:  apiRequest.Metadata,
	}

	if userID := utils.GetUserIDFromContext(c); userID != "" {
		req.UserID = &userID
	}

	return req
}

func (h *ConsentHandler) mapServiceError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, models.ErrInvalidConsentValue):
		utils.SendInvalidConsentError(c, models.ErrInvalidConsentValue.Error())
	case errors.Is(err, models.ErrNoConsentHistory):
		utils.SendNotFoundError(c, models.ErrNoConsentHistory.Error())
	case strings.Contains(err.Error(), "cannot be empty") || strings.Contains(err.Error(), "too long"):
		utils.SendBadRequestError(c, err.Error())
	default:
		h.logger.WithError(err).Error("Failed to " + action)
		utils.SendInternalServerError(c, "failed to "+action)
	}
}

// RecordSimpleConsent handles POST /consent, the cookie-banner form:
// no auth, minimal body, 200 on success.
func (h *ConsentHandler) RecordSimpleConsent(c *gin.Context) {
	var apiRequest ConsentAPIRequest
	if err := c.ShouldBindJSON(&apiRequest); err != nil {
		utils.SendBadRequestError(c, "invalid request body")
		return
	}

	_, err := h.consentService.RecordConsent(c.Request.Context(), h.buildRecordRequest(c, &apiRequest))
	if err != nil {
		h.mapServiceError(c, err, "record consent")
		return
	}

	utils.SendOKResponse(c, gin.H{"message": "consent recorded"})
}

// RecordConsent handles POST /api/consent
func (h *ConsentHandler) RecordConsent(c *gin.Context) {
	var apiRequest ConsentAPIRequest
	if err := c.ShouldBindJSON(&apiRequest); err != nil {
		utils.SendBadRequestError(c, "invalid request body")
		return
	}

	record, err := h.consentService.RecordConsent(c.Request.Context(), h.buildRecordRequest(c, &apiRequest))
	if err != nil {
		h.mapServiceError(c, err, "record consent")
		return
	}

	utils.SendCreatedResponse(c, gin.H{
		"id":        record.RecordID,
		"sessionId": record.SessionID,
		"timestamp": record.CreatedTime,
		"consent":   record.Consent,
	})
}

func parseDateParam(value string, endOfDay bool) (*int64, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		millis := pkgutils.TimeToMillis(t)
		return &millis, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	millis := pkgutils.TimeToMillis(t.UTC())
	return &millis, nil
}

// GetStats handles GET /api/consent/stats (admin only)
func (h *ConsentHandler) GetStats(c *gin.Context) {
	start, err := parseDateParam(c.Query("startDate"), false)
	if err != nil {
		utils.SendBadRequestError(c, "invalid startDate")
		return
	}
	end, err := parseDateParam(c.Query("endDate"), true)
	if err != nil {
		utils.SendBadRequestError(c, "invalid endDate")
		return
	}

	consent := c.Query("consent")
	if consent != "" {
		if err := pkgutils.ValidateConsentValue(consent); err != nil {
			utils.SendInvalidConsentError(c, err.Error())
			return
		}
	}

	stats, err := h.consentService.GetConsentStats(c.Request.Context(), &models.StatsFilter{
		StartTime: start,
		EndTime:   end,
		Consent:   consent,
	})
	if err != nil {
		h.mapServiceError(c, err, "compute stats")
		return
	}

	utils.SendOKResponse(c, stats)
}

// GetHistory handles GET /api/consent/history (user bearer)
func (h *ConsentHandler) GetHistory(c *gin.Context) {
	userID := utils.GetUserIDFromContext(c)

	history, err := h.consentService.GetUserConsentHistory(c.Request.Context(), userID)
	if err != nil {
		h.mapServiceError(c, err, "get consent history")
		return
	}

	utils.SendOKResponse(c, gin.H{
		"userId":  userID,
		"history": history,
	})
}

// GetLatest handles GET /api/consent/latest (user bearer)
func (h *ConsentHandler) GetLatest(c *gin.Context) {
	userID := utils.GetUserIDFromContext(c)

	latest, err := h.consentService.GetLatestUserConsent(c.Request.Context(), userID)
	if err != nil {
		h.mapServiceError(c, err, "get latest consent")
		return
	}

	utils.SendOKResponse(c, gin.H{
		"userId":        userID,
		"latestConsent": latest,
	})
}

// GetValid handles GET /api/consent/valid (user bearer)
func (h *ConsentHandler) GetValid(c *gin.Context) {
	userID := utils.GetUserIDFromContext(c)

	valid, err := h.consentService.HasValidConsent(c.Request.Context(), userID)
	if err != nil {
		h.mapServiceError(c, err, "check consent validity")
		return
	}

	utils.SendOKResponse(c, gin.H{
		"userId":          userID,
		"hasValidConsent": valid,
		"timestamp":       pkgutils.GetCurrentTimeMillis(),
	})
}

// Withdraw handles POST /api/consent/withdraw (user bearer)
func (h *ConsentHandler) Withdraw(c *gin.Context) {
	userID := utils.GetUserIDFromContext(c)

	reqMeta := models.Metadata{
		"ip":        c.ClientIP(),
		"userAgent": c.GetHeader("User-Agent"),
	}

	record, err := h.consentService.WithdrawConsent(c.Request.Context(), userID, reqMeta)
	if err != nil {
		h.mapServiceError(c, err, "withdraw consent")
		return
	}

	utils.SendOKResponse(c, gin.H{
		"id":        record.RecordID,
		"timestamp": record.CreatedTime,
	})
}

// Export handles GET /api/consent/export (user bearer)
func (h *ConsentHandler) Export(c *gin.Context) {
	userID := utils.GetUserIDFromContext(c)

	export, err := h.consentService.ExportUserConsentData(c.Request.Context(), userID)
	if err != nil {
		h.mapServiceError(c, err, "export consent data")
		return
	}

	utils.SendOKResponse(c, export)
}

// Cleanup handles POST /api/consent/cleanup (admin only)
func (h *ConsentHandler) Cleanup(c *gin.Context) {
	deleted, err := h.consentService.CleanupOldRecords(c.Request.Context())
	if err != nil {
		// partial progress is still reported alongside the failure
		h.logger.WithError(err).WithField("deleted", deleted).Error("Cleanup run failed")
		utils.SendInternalServerError(c, "cleanup failed")
		return
	}

	utils.SendOKResponse(c, gin.H{
		"deletedCount": deleted,
		"timestamp":    pkgutils.GetCurrentTimeMillis(),
	})
}

// Maintenance handles POST /api/consent/maintenance (admin only)
func (h *ConsentHandler) Maintenance(c *gin.Context) {
	report := h.retention.PerformMaintenance(c.Request.Context())
	utils.SendOKResponse(c, report)
}

// RetentionStats handles GET /api/consent/retention-stats (admin only)
func (h *ConsentHandler) RetentionStats(c *gin.Context) {
	stats, err := h.retention.GetRetentionStats(c.Request.Context())
	if err != nil {
		h.mapServiceError(c, err, "compute retention stats")
		return
	}
	utils.SendOKResponse(c, stats)
}

// Integrity handles GET /api/consent/integrity (admin only): per-file line
// validation plus checksum verification of the audit log.
func (h *ConsentHandler) Integrity(c *gin.Context) {
	reports := make([]*auditlog.IntegrityReport, 0, 3)
	for _, file := range []string{auditlog.ConsentLogFile, auditlog.AuditLogFile, auditlog.ErrorLogFile} {
		report, err := h.auditLogger.ValidateLogIntegrity(file)
		if err != nil {
			// a missing file is an empty, valid log
			continue
		}
		h.metrics.IntegrityBadLines.Add(float64(report.InvalidLines))
		reports = append(reports, report)
	}

	checksums, err := h.auditLogger.VerifyChecksums(auditlog.AuditLogFile)
	if err != nil {
		checksums = &auditlog.ChecksumReport{File: auditlog.AuditLogFile}
	}

	utils.SendOKResponse(c, gin.H{
		"files":     reports,
		"checksums": checksums,
	})
}

// Health handles GET /api/consent/health
func (h *ConsentHandler) Health(c *gin.Context) {
	status, err := h.consentService.HealthCheck(c.Request.Context())
	if err != nil {
		c.JSON(500, status)
		return
	}
	utils.SendOKResponse(c, status)
}
