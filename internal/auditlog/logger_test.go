package auditlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmworkhub/consent-service/internal/models"
)

func newTestLogger(t *testing.T) *FileAuditLogger {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	l, err := NewFileAuditLogger(t.TempDir(), log)
	require.NoError(t, err)
	return l
}

func writeConsentEntry(t *testing.T, l *FileAuditLogger, id string, metadata models.Metadata) {
	t.Helper()
	require.NoError(t, l.LogConsent(&ConsentLogEntry{
		ID:            id,
		Consent:       "accepted",
		IP:            "203.0.113.9",
		UserAgent:     "test-agent",
		SessionID:     "SES-" + id,
		Metadata:      metadata,
		PolicyVersion: "1.0",
	}))
}

func TestLogConsentAppendsOneLinePerEntry(t *testing.T) {
	l := newTestLogger(t)

	writeConsentEntry(t, l, "CNS-1", nil)
	writeConsentEntry(t, l, "CNS-2", nil)

	entries, err := l.ReadConsentLogs(10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest first
	assert.Equal(t, "CNS-2", entries[0].ID)
	assert.Equal(t, "CNS-1", entries[1].ID)
	assert.NotEmpty(t, entries[0].Timestamp)
}

func TestReadConsentLogsSkipsCorruptLines(t *testing.T) {
	l := newTestLogger(t)

	writeConsentEntry(t, l, "CNS-1", nil)

	// simulate a torn write
	path := filepath.Join(l.Dir(), ConsentLogFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"CNS-torn","cons` + "\n")
	require.NoError(t, err)
	f.Close()

	writeConsentEntry(t, l, "CNS-2", nil)

	entries, err := l.ReadConsentLogs(10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "CNS-2", entries[0].ID)
	assert.Equal(t, "CNS-1", entries[1].ID)
}

func TestReadConsentLogsMissingFileIsEmpty(t *testing.T) {
	l := newTestLogger(t)
	entries, err := l.ReadConsentLogs(10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestValidateLogIntegrity(t *testing.T) {
	l := newTestLogger(t)

	for _, id := range []string{"CNS-1", "CNS-2", "CNS-3"} {
		writeConsentEntry(t, l, id, nil)
	}

	path := filepath.Join(l.Dir(), ConsentLogFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	f.WriteString("this is not json\n")
	f.WriteString(`{"timestamp":"2024-01-01T00:00:00Z"}` + "\n")
	f.WriteString(`{"id":"CNS-no-ts"}` + "\n")
	f.Close()

	report, err := l.ValidateLogIntegrity(ConsentLogFile)
	require.NoError(t, err)

	assert.Equal(t, 3, report.ValidLines)
	assert.Equal(t, 3, report.InvalidLines)
	require.Len(t, report.Errors, 3)
	assert.Equal(t, "malformed JSON", report.Errors[0].Reason)
	assert.Equal(t, "missing id", report.Errors[1].Reason)
	assert.Equal(t, "missing timestamp", report.Errors[2].Reason)
}

func TestAuditEntryChecksum(t *testing.T) {
	l := newTestLogger(t)

	require.NoError(t, l.LogAuditEntry(&AuditEntry{
		Action:   ActionConsentRecorded,
		RecordID: "CNS-1",
		ActorIP:  "203.0.113.9",
	}))
	require.NoError(t, l.LogAuditEntry(&AuditEntry{
		Action: ActionCleanupRun,
		Detail: "deleted 5 expired records in 1 batches",
	}))

	report, err := l.VerifyChecksums(AuditLogFile)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Verified)
	assert.Equal(t, 0, report.Tampered)
	assert.Equal(t, 0, report.Skipped)
}

func TestVerifyChecksumsDetectsTampering(t *testing.T) {
	l := newTestLogger(t)

	require.NoError(t, l.LogAuditEntry(&AuditEntry{
		Action: ActionConsentRecorded,
	}))

	path := filepath.Join(l.Dir(), AuditLogFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// flip the recorded action after the fact
	tampered := strings.Replace(string(data), ActionConsentRecorded, ActionConsentWithdraw, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	report, err := l.VerifyChecksums(AuditLogFile)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Verified)
	assert.Equal(t, 1, report.Tampered)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "checksum mismatch", report.Errors[0].Reason)
}

func TestPurgeTestEntries(t *testing.T) {
	l := newTestLogger(t)

	writeConsentEntry(t, l, "CNS-real-1", nil)
	writeConsentEntry(t, l, "CNS-health", models.Metadata{"test": true, "source": "health-check"})
	writeConsentEntry(t, l, "CNS-real-2", models.Metadata{"page": "/signup"})
	writeConsentEntry(t, l, "CNS-probe", models.Metadata{"source": "health-check"})

	purged, err := l.PurgeTestEntries()
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	entries, err := l.ReadConsentLogs(10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "CNS-real-2", entries[0].ID)
	assert.Equal(t, "CNS-real-1", entries[1].ID)
}

func TestPurgeTestEntriesMissingFile(t *testing.T) {
	l := newTestLogger(t)
	purged, err := l.PurgeTestEntries()
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestLogErrorWritesErrorLog(t *testing.T) {
	l := newTestLogger(t)

	require.NoError(t, l.LogError("AUDIT_MIRROR_FAILURE", assert.AnError, map[string]interface{}{
		"recordId": "CNS-1",
	}))

	report, err := l.ValidateLogIntegrity(ErrorLogFile)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ValidLines)
	assert.Equal(t, 0, report.InvalidLines)
}

func TestReadConsentLogsPagination(t *testing.T) {
	l := newTestLogger(t)

	for _, id := range []string{"CNS-1", "CNS-2", "CNS-3", "CNS-4", "CNS-5"} {
		writeConsentEntry(t, l, id, nil)
	}

	page, err := l.ReadConsentLogs(2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "CNS-4", page[0].ID)
	assert.Equal(t, "CNS-3", page[1].ID)

	empty, err := l.ReadConsentLogs(10, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
