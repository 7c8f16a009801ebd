package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/farmworkhub/consent-service/internal/auditlog"
	"github.com/farmworkhub/consent-service/internal/config"
	"github.com/farmworkhub/consent-service/internal/dao"
	"github.com/farmworkhub/consent-service/internal/database"
	"github.com/farmworkhub/consent-service/internal/handlers"
	"github.com/farmworkhub/consent-service/internal/metrics"
	"github.com/farmworkhub/consent-service/internal/retention"
	"github.com/farmworkhub/consent-service/internal/router"
	"github.com/farmworkhub/consent-service/internal/service"
)

// Version information (set by build script)
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.WithFields(logrus.Fields{
		"version":    version,
		"build_date": buildDate,
	}).Info("Starting FarmWork Hub consent service...")

	configPath := os.Getenv("CONFIG_PATH")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"config_path": configPath,
		"log_level":   logger.GetLevel().String(),
		"policy":      cfg.Retention.Policy,
	}).Info("Configuration loaded successfully")

	db, err := database.Initialize(&cfg.Database.Consent, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		logger.WithError(err).Fatal("Database health check failed")
	}

	logger.Info("Database connection established successfully")

	consentDAO := dao.NewConsentDAO(db)
	archiveDAO := dao.NewConsentArchiveDAO(db)

	auditLogger, err := auditlog.NewFileAuditLogger(cfg.AuditLog.Directory, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize audit log mirror")
	}

	rotator := auditlog.NewLogRotator(
		cfg.AuditLog.Directory,
		cfg.AuditLog.MaxFileSize,
		cfg.AuditLog.MaxRotatedFiles,
		logger,
	)
	rotator.ScheduleRotation(cfg.AuditLog.RotationInterval)
	defer rotator.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serviceMetrics := metrics.New(registry)

	retentionManager := retention.NewManager(
		consentDAO,
		archiveDAO,
		rotator,
		auditLogger,
		db,
		cfg,
		serviceMetrics,
		logger,
	)

	consentService := service.NewConsentService(
		consentDAO,
		auditLogger,
		retentionManager,
		db,
		&cfg.Consent,
		serviceMetrics,
		logger,
	)

	logger.Info("Services initialized successfully")

	consentHandler := handlers.NewConsentHandler(consentService, retentionManager, auditLogger, serviceMetrics, logger)

	if report := retentionManager.ValidateConfiguration(ctx); !report.Valid {
		for _, check := range report.Checks {
			if !check.Passed {
				logger.WithFields(logrus.Fields{
					"check":  check.Name,
					"detail": check.Detail,
				}).Warn("Retention configuration check failed")
			}
		}
	}

	ginRouter := router.SetupRouter(cfg, consentHandler, registry, logger)

	serverAddr := cfg.Server.GetServerAddress()
	server := &http.Server{
		Addr:           serverAddr,
		Handler:        ginRouter,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	go func() {
		logger.WithField("address", serverAddr).Info("Starting HTTP server...")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited gracefully")
}
