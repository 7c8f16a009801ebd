package dao

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/farmworkhub/consent-service/internal/database"
	"github.com/farmworkhub/consent-service/internal/models"
)

// ConsentDAO handles database operations for consent records. It is the only
// component that builds SQL for the live table; services and the retention
// manager depend on it through the repository interfaces they declare.
type ConsentDAO struct {
	db *database.DB
}

// NewConsentDAO creates a new ConsentDAO instance
func NewConsentDAO(db *database.DB) *ConsentDAO {
	return &ConsentDAO{db: db}
}

const consentColumns = `RECORD_ID, CONSENT, CREATED_TIME, IP_ADDRESS, USER_AGENT,
	       USER_ID, SESSION_ID, METADATA, POLICY_VERSION`

// Insert inserts a new consent record
func (dao *ConsentDAO) Insert(ctx context.Context, record *models.ConsentRecord) error {
	query := `
		INSERT INTO CONSENT_RECORD (
			RECORD_ID, CONSENT, CREATED_TIME, IP_ADDRESS, USER_AGENT,
			USER_ID, SESSION_ID, METADATA, POLICY_VERSION
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := dao.db.ExecContext(
		ctx,
		query,
		record.RecordID,
		record.Consent,
		record.CreatedTime,
		record.IPAddress,
		record.UserAgent,
		record.UserID,
		record.SessionID,
		record.Metadata,
		record.PolicyVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to insert consent record: %w", err)
	}

	return nil
}

// GetByID retrieves a consent record by ID
func (dao *ConsentDAO) GetByID(ctx context.Context, recordID string) (*models.ConsentRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM CONSENT_RECORD WHERE RECORD_ID = ?`, consentColumns)

	var record models.ConsentRecord
	err := dao.db.GetContext(ctx, &record, query, recordID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent record: %w", err)
	}

	return &record, nil
}

// GetByUser retrieves all records for a user, newest first
func (dao *ConsentDAO) GetByUser(ctx context.Context, userID string) ([]models.ConsentRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM CONSENT_RECORD
		WHERE USER_ID = ?
		ORDER BY CREATED_TIME DESC
	`, consentColumns)

	var records []models.ConsentRecord
	err := dao.db.SelectContext(ctx, &records, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consent history: %w", err)
	}

	return records, nil
}

// GetLatestByUser retrieves the most recent record for a user, or
// models.ErrNotFound when the user has no records.
func (dao *ConsentDAO) GetLatestByUser(ctx context.Context, userID string) (*models.ConsentRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM CONSENT_RECORD
		WHERE USER_ID = ?
		ORDER BY CREATED_TIME DESC
		LIMIT 1
	`, consentColumns)

	var record models.ConsentRecord
	err := dao.db.GetContext(ctx, &record, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest consent: %w", err)
	}

	return &record, nil
}

func buildFilterClause(filter *models.StatsFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter != nil {
		if filter.StartTime != nil {
			conditions = append(conditions, "CREATED_TIME >= ?")
			args = append(args, *filter.StartTime)
		}
		if filter.EndTime != nil {
			conditions = append(conditions, "CREATED_TIME <= ?")
			args = append(args, *filter.EndTime)
		}
		if filter.Consent != "" {
			conditions = append(conditions, "CONSENT = ?")
			args = append(args, filter.Consent)
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// CountByFilter counts total, accepted and declined records within a filter window
func (dao *ConsentDAO) CountByFilter(ctx context.Context, filter *models.StatsFilter) (total, accepted, declined int, err error) {
	where, args := buildFilterClause(filter)

	query := fmt.Sprintf(`
		SELECT COUNT(*) AS TOTAL,
		       CAST(COALESCE(SUM(CASE WHEN CONSENT = 'accepted' THEN 1 ELSE 0 END), 0) AS SIGNED) AS ACCEPTED,
		       CAST(COALESCE(SUM(CASE WHEN CONSENT = 'declined' THEN 1 ELSE 0 END), 0) AS SIGNED) AS DECLINED
		FROM CONSENT_RECORD%s
	`, where)

	var row struct {
		Total    int `db:"TOTAL"`
		Accepted int `db:"ACCEPTED"`
		Declined int `db:"DECLINED"`
	}

	if err := dao.db.GetContext(ctx, &row, query, args...); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count consent records: %w", err)
	}

	return row.Total, row.Accepted, row.Declined, nil
}

// GroupByDay returns per-UTC-day accepted/declined counts within a filter window
func (dao *ConsentDAO) GroupByDay(ctx context.Context, filter *models.StatsFilter) ([]models.DailyConsentCount, error) {
	where, args := buildFilterClause(filter)

	query := fmt.Sprintf(`
		SELECT DATE_FORMAT(CONVERT_TZ(FROM_UNIXTIME(CREATED_TIME / 1000), @@session.time_zone, '+00:00'), '%%Y-%%m-%%d') AS DAY,
		       CAST(COALESCE(SUM(CASE WHEN CONSENT = 'accepted' THEN 1 ELSE 0 END), 0) AS SIGNED) AS ACCEPTED,
		       CAST(COALESCE(SUM(CASE WHEN CONSENT = 'declined' THEN 1 ELSE 0 END), 0) AS SIGNED) AS DECLINED
		FROM CONSENT_RECORD%s
		GROUP BY DAY
		ORDER BY DAY
	`, where)

	var daily []models.DailyConsentCount
	if err := dao.db.SelectContext(ctx, &daily, query, args...); err != nil {
		return nil, fmt.Errorf("failed to group consent records by day: %w", err)
	}

	return daily, nil
}

// SelectOlderThan returns up to limit records created before the cutoff,
// oldest first. Archival batches are fed from this.
func (dao *ConsentDAO) SelectOlderThan(ctx context.Context, cutoffMillis int64, limit int) ([]models.ConsentRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM CONSENT_RECORD
		WHERE CREATED_TIME < ?
		ORDER BY CREATED_TIME ASC
		LIMIT ?
	`, consentColumns)

	var records []models.ConsentRecord
	err := dao.db.SelectContext(ctx, &records, query, cutoffMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired records: %w", err)
	}

	return records, nil
}

// DeleteOlderThan deletes up to limit records created before the cutoff and
// returns the number deleted. Callers loop until it returns 0.
func (dao *ConsentDAO) DeleteOlderThan(ctx context.Context, cutoffMillis int64, limit int) (int64, error) {
	query := `DELETE FROM CONSENT_RECORD WHERE CREATED_TIME < ? LIMIT ?`

	result, err := dao.db.ExecContext(ctx, query, cutoffMillis, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// DeleteByIDWithTx deletes a single record inside a transaction. Used by the
// archival copy-then-delete step.
func (dao *ConsentDAO) DeleteByIDWithTx(ctx context.Context, tx *database.Transaction, recordID string) error {
	query := `DELETE FROM CONSENT_RECORD WHERE RECORD_ID = ?`

	result, err := tx.ExecContext(ctx, query, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete consent record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrNotFound
	}

	return nil
}

// DeleteByID deletes a single record outside a transaction. The health check
// uses this to remove its round-trip probe record.
func (dao *ConsentDAO) DeleteByID(ctx context.Context, recordID string) error {
	query := `DELETE FROM CONSENT_RECORD WHERE RECORD_ID = ?`

	if _, err := dao.db.ExecContext(ctx, query, recordID); err != nil {
		return fmt.Errorf("failed to delete consent record: %w", err)
	}

	return nil
}

// CountAll returns the total number of live records
func (dao *ConsentDAO) CountAll(ctx context.Context) (int, error) {
	var total int
	if err := dao.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM CONSENT_RECORD`); err != nil {
		return 0, fmt.Errorf("failed to count consent records: %w", err)
	}
	return total, nil
}

// CountOlderThan returns the number of live records created before the cutoff
func (dao *ConsentDAO) CountOlderThan(ctx context.Context, cutoffMillis int64) (int, error) {
	var count int
	err := dao.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM CONSENT_RECORD WHERE CREATED_TIME < ?`, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired records: %w", err)
	}
	return count, nil
}
