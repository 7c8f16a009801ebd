package auditlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/farmworkhub/consent-service/internal/models"
	"github.com/farmworkhub/consent-service/pkg/utils"
)

// Log file names owned by this package. Each line is one independently
// parseable JSON object; a corrupt line never aborts processing of the rest.
const (
	ConsentLogFile = "consent.log"
	AuditLogFile   = "consent-audit.log"
	ErrorLogFile   = "consent-errors.log"
)

// ConsentLogEntry mirrors a consent decision into the compliance log
type ConsentLogEntry struct {
	ID            string          `json:"id"`
	Timestamp     string          `json:"timestamp"`
	Consent       string          `json:"consent"`
	IP            string          `json:"ip"`
	UserAgent     string          `json:"userAgent"`
	UserID        *string         `json:"userId,omitempty"`
	SessionID     string          `json:"sessionId"`
	Metadata      models.Metadata `json:"metadata,omitempty"`
	PolicyVersion string          `json:"policyVersion"`
}

// AuditEntry records an administrative action. Checksum is a sha256 hash of
// the entry payload excluding the checksum field itself.
type AuditEntry struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Action      string `json:"action"`
	RecordID    string `json:"recordId,omitempty"`
	ActorIP     string `json:"actorIp,omitempty"`
	ActorUserID string `json:"actorUserId,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Checksum    string `json:"checksum"`
}

// ErrorEntry records a failure in the mirror or maintenance pipeline
type ErrorEntry struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Error     string                 `json:"error"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Audit action names
const (
	ActionConsentRecorded = "consent.recorded"
	ActionConsentWithdraw = "consent.withdrawn"
	ActionCleanupRun      = "retention.cleanup"
	ActionArchiveRun      = "retention.archive"
	ActionLogRotated      = "log.rotated"
	ActionLogArchived     = "log.archived"
	ActionTestPurge       = "log.test_purge"
)

// FileAuditLogger is the durable file mirror of consent and administrative
// actions, independent of the relational store. The database remains
// authoritative; every write here is best effort and fault-isolated.
type FileAuditLogger struct {
	dir    string
	logger *logrus.Logger

	// one mutex per append target so a stall on one file never blocks the others
	consentMu sync.Mutex
	auditMu   sync.Mutex
	errorMu   sync.Mutex
}

// NewFileAuditLogger creates the log directory if needed and returns a logger
func NewFileAuditLogger(dir string, logger *logrus.Logger) (*FileAuditLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &FileAuditLogger{dir: dir, logger: logger}, nil
}

// Dir returns the directory holding the log files
func (l *FileAuditLogger) Dir() string {
	return l.dir
}

func (l *FileAuditLogger) appendLine(mu *sync.Mutex, filename string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(l.dir, filename)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", filename, err)
	}

	return nil
}

// LogConsent mirrors a consent record into consent.log
func (l *FileAuditLogger) LogConsent(entry *ConsentLogEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = utils.FormatTime(time.Now().UTC())
	}
	return l.appendLine(&l.consentMu, ConsentLogFile, entry)
}

// LogAuditEntry appends an administrative action to consent-audit.log,
// stamping id, timestamp and content checksum when absent.
func (l *FileAuditLogger) LogAuditEntry(entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = utils.GenerateAuditID()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = utils.FormatTime(time.Now().UTC())
	}
	checksum, err := ComputeChecksum(entry)
	if err != nil {
		return err
	}
	entry.Checksum = checksum
	return l.appendLine(&l.auditMu, AuditLogFile, entry)
}

// LogError appends a failure entry to consent-errors.log. This is the
// fault-isolation target: a mirror failure is recorded here instead of
// failing the primary operation.
func (l *FileAuditLogger) LogError(errType string, cause error, context map[string]interface{}) error {
	entry := &ErrorEntry{
		ID:        utils.GenerateID(),
		Timestamp: utils.FormatTime(time.Now().UTC()),
		Type:      errType,
		Context:   context,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return l.appendLine(&l.errorMu, ErrorLogFile, entry)
}

// ComputeChecksum hashes an audit entry's payload with the checksum field
// cleared, so later validation can recompute and compare.
func ComputeChecksum(entry *AuditEntry) (string, error) {
	shadow := *entry
	shadow.Checksum = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit entry for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ReadConsentLogs returns mirrored consent entries newest first, skipping
// unparseable lines. offset/limit paginate the reversed sequence.
func (l *FileAuditLogger) ReadConsentLogs(limit, offset int) ([]ConsentLogEntry, error) {
	limit = utils.ValidateLimit(limit)
	offset = utils.ValidateOffset(offset)

	path := filepath.Join(l.dir, ConsentLogFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []ConsentLogEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open consent log: %w", err)
	}
	defer f.Close()

	var entries []ConsentLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ConsentLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			l.logger.WithError(err).Debug("Skipping unparseable consent log line")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read consent log: %w", err)
	}

	// newest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	if offset >= len(entries) {
		return []ConsentLogEntry{}, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end], nil
}

// LineError describes one invalid line found during integrity validation
type LineError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// IntegrityReport is the result of scanning a log file line by line
type IntegrityReport struct {
	File         string      `json:"file"`
	ValidLines   int         `json:"validLines"`
	InvalidLines int         `json:"invalidLines"`
	Errors       []LineError `json:"errors"`
}

// ValidateLogIntegrity scans every line of a log file, classifying each as
// valid or invalid (malformed JSON, missing id or timestamp). It never aborts
// on the first bad line.
func (l *FileAuditLogger) ValidateLogIntegrity(filename string) (*IntegrityReport, error) {
	path := filepath.Join(l.dir, filename)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer f.Close()

	report := &IntegrityReport{File: filename, Errors: []LineError{}}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var generic struct {
			ID        string `json:"id"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &generic); err != nil {
			report.InvalidLines++
			report.Errors = append(report.Errors, LineError{Line: lineNo, Reason: "malformed JSON"})
			continue
		}
		if generic.ID == "" {
			report.InvalidLines++
			report.Errors = append(report.Errors, LineError{Line: lineNo, Reason: "missing id"})
			continue
		}
		if generic.Timestamp == "" {
			report.InvalidLines++
			report.Errors = append(report.Errors, LineError{Line: lineNo, Reason: "missing timestamp"})
			continue
		}
		report.ValidLines++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", filename, err)
	}

	return report, nil
}

// ChecksumReport is the result of recomputing audit entry checksums
type ChecksumReport struct {
	File     string      `json:"file"`
	Verified int         `json:"verified"`
	Tampered int         `json:"tampered"`
	Skipped  int         `json:"skipped"`
	Errors   []LineError `json:"errors"`
}

// VerifyChecksums recomputes the content hash of every audit entry in a file
// and compares it against the stored checksum. Lines that do not parse as
// audit entries are counted as skipped.
func (l *FileAuditLogger) VerifyChecksums(filename string) (*ChecksumReport, error) {
	path := filepath.Join(l.dir, filename)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer f.Close()

	report := &ChecksumReport{File: filename, Errors: []LineError{}}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Checksum == "" {
			report.Skipped++
			continue
		}

		expected, err := ComputeChecksum(&entry)
		if err != nil {
			report.Skipped++
			continue
		}
		if expected != entry.Checksum {
			report.Tampered++
			report.Errors = append(report.Errors, LineError{Line: lineNo, Reason: "checksum mismatch"})
			continue
		}
		report.Verified++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", filename, err)
	}

	return report, nil
}

// PurgeTestEntries rewrites consent.log without entries flagged as test or
// health-check traffic and returns the number removed. The rewrite goes
// through a temp file and an atomic rename so readers never see a torn file.
func (l *FileAuditLogger) PurgeTestEntries() (int, error) {
	l.consentMu.Lock()
	defer l.consentMu.Unlock()

	path := filepath.Join(l.dir, ConsentLogFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open consent log: %w", err)
	}

	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to create temp log file: %w", err)
	}

	purged := 0
	writer := bufio.NewWriter(tmp)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if isTestEntry(line) {
			purged++
			continue
		}
		writer.Write(line)
		writer.WriteByte('\n')
	}
	scanErr := scanner.Err()
	f.Close()

	if scanErr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to scan consent log: %w", scanErr)
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to flush temp log file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp log file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to replace consent log: %w", err)
	}

	return purged, nil
}

func isTestEntry(line []byte) bool {
	var entry struct {
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(line, &entry); err != nil {
		return false
	}
	if entry.Metadata == nil {
		return false
	}
	if flag, ok := entry.Metadata["test"].(bool); ok && flag {
		return true
	}
	if src, ok := entry.Metadata["source"].(string); ok && src == "health-check" {
		return true
	}
	return false
}
