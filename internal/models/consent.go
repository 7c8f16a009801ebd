package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is a raw JSON column value. It implements driver.Valuer and
// sql.Scanner so metadata bags round-trip through MySQL TEXT columns.
type JSON []byte

// Value implements driver.Valuer
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner
func (j *JSON) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	return nil
}

// MarshalJSON returns the raw bytes, or null when empty
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw bytes
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// Metadata is the open key/value bag attached to a consent record. It is not
// schema-validated beyond being serializable.
type Metadata map[string]interface{}

// ToJSON marshals the metadata bag into a JSON column value
func (m Metadata) ToJSON() (JSON, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return JSON(data), nil
}

// MetadataFromJSON unmarshals a JSON column value into a metadata bag
func MetadataFromJSON(j JSON) Metadata {
	if len(j) == 0 {
		return nil
	}
	var m Metadata
	if err := json.Unmarshal(j, &m); err != nil {
		return nil
	}
	return m
}

// ConsentRecord is a single recorded consent decision. Records are immutable
// once created; withdrawal and update are modeled as new records.
type ConsentRecord struct {
	RecordID      string  `db:"RECORD_ID" json:"id"`
	Consent       string  `db:"CONSENT" json:"consent"`
	CreatedTime   int64   `db:"CREATED_TIME" json:"timestamp"`
	IPAddress     string  `db:"IP_ADDRESS" json:"ip"`
	UserAgent     string  `db:"USER_AGENT" json:"userAgent"`
	UserID        *string `db:"USER_ID" json:"userId,omitempty"`
	SessionID     string  `db:"SESSION_ID" json:"sessionId"`
	Metadata      JSON    `db:"METADATA" json:"metadata,omitempty"`
	PolicyVersion string  `db:"POLICY_VERSION" json:"policyVersion"`
}

// IsAccepted reports whether the record is an accepted decision
func (r *ConsentRecord) IsAccepted() bool {
	return r.Consent == "accepted"
}

// ConsentArchive is a long-term copy of an expired consent record, created
// when the retention policy archives rather than deletes. Rows are keyed
// uniquely by the original record ID so retried archival is idempotent.
type ConsentArchive struct {
	ArchiveID     string  `db:"ARCHIVE_ID" json:"archiveId"`
	RecordID      string  `db:"RECORD_ID" json:"originalId"`
	Consent       string  `db:"CONSENT" json:"consent"`
	OriginalTime  int64   `db:"ORIGINAL_TIME" json:"originalTimestamp"`
	ArchivedTime  int64   `db:"ARCHIVED_TIME" json:"archivedAt"`
	IPAddress     string  `db:"IP_ADDRESS" json:"ip"`
	UserAgent     string  `db:"USER_AGENT" json:"userAgent"`
	UserID        *string `db:"USER_ID" json:"userId,omitempty"`
	SessionID     string  `db:"SESSION_ID" json:"sessionId"`
	Metadata      JSON    `db:"METADATA" json:"metadata,omitempty"`
	PolicyVersion string  `db:"POLICY_VERSION" json:"policyVersion"`
}

// RecordConsentRequest is the service-level input for recording a decision
type RecordConsentRequest struct {
	Consent   string
	IP        string
	UserAgent string
	UserID    *string
	SessionID string
	Metadata  Metadata
}

// StatsFilter narrows consent statistics queries
type StatsFilter struct {
	StartTime *int64
	EndTime   *int64
	Consent   string
}

// DailyConsentCount is one calendar day of the stats breakdown, keyed by UTC date
type DailyConsentCount struct {
	Date     string `db:"DAY" json:"date"`
	Accepted int    `db:"ACCEPTED" json:"accepted"`
	Declined int    `db:"DECLINED" json:"declined"`
}

// ConsentStats is the aggregate answer to a stats query. AcceptanceRate is a
// percentage rounded to two decimals, 0 when Total is 0.
type ConsentStats struct {
	Total          int                 `json:"total"`
	Accepted       int                 `json:"accepted"`
	Declined       int                 `json:"declined"`
	AcceptanceRate float64             `json:"acceptanceRate"`
	Daily          []DailyConsentCount `json:"daily"`
}

// RetentionStats describes live-table age distribution for maintenance decisions
type RetentionStats struct {
	TotalRecords       int     `json:"totalRecords"`
	ExpiredRecords     int     `json:"expiredRecords"`
	RecentRecords      int     `json:"recentRecords"`
	ArchivedRecords    int     `json:"archivedRecords"`
	PercentExpired     float64 `json:"percentExpired"`
	CleanupRecommended bool    `json:"cleanupRecommended"`
}

// MaintenanceReport is the structured result of a full maintenance run. Each
// stage degrades independently; stage failures land in Errors rather than
// aborting the run.
type MaintenanceReport struct {
	DeletedRecords  int      `json:"deletedRecords"`
	ArchivedRecords int      `json:"archivedRecords"`
	RotatedFiles    int      `json:"rotatedFiles"`
	ArchivedFiles   int      `json:"archivedFiles"`
	PurgedEntries   int      `json:"purgedEntries"`
	DurationMillis  int64    `json:"durationMillis"`
	Errors          []string `json:"errors"`
}
