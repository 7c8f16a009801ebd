package dao

import (
	"context"
	"fmt"

	"github.com/farmworkhub/consent-service/internal/database"
	"github.com/farmworkhub/consent-service/internal/models"
)

// ConsentArchiveDAO handles database operations for archived consent records
type ConsentArchiveDAO struct {
	db *database.DB
}

// NewConsentArchiveDAO creates a new ConsentArchiveDAO instance
func NewConsentArchiveDAO(db *database.DB) *ConsentArchiveDAO {
	return &ConsentArchiveDAO{db: db}
}

const archiveUpsertQuery = `
	INSERT INTO CONSENT_ARCHIVE (
		ARCHIVE_ID, RECORD_ID, CONSENT, ORIGINAL_TIME, ARCHIVED_TIME,
		IP_ADDRESS, USER_AGENT, USER_ID, SESSION_ID, METADATA, POLICY_VERSION
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE ARCHIVED_TIME = VALUES(ARCHIVED_TIME)
`

// UpsertWithTx writes an archive row inside a transaction. Rows are keyed by
// the original RECORD_ID, so a retried copy-then-delete cannot produce
// duplicate archive rows.
func (dao *ConsentArchiveDAO) UpsertWithTx(ctx context.Context, tx *database.Transaction, archive *models.ConsentArchive) error {
	_, err := tx.ExecContext(
		ctx,
		archiveUpsertQuery,
		archive.ArchiveID,
		archive.RecordID,
		archive.Consent,
		archive.OriginalTime,
		archive.ArchivedTime,
		archive.IPAddress,
		archive.UserAgent,
		archive.UserID,
		archive.SessionID,
		archive.Metadata,
		archive.PolicyVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert archive row: %w", err)
	}

	return nil
}

// Upsert writes an archive row outside a transaction
func (dao *ConsentArchiveDAO) Upsert(ctx context.Context, archive *models.ConsentArchive) error {
	_, err := dao.db.ExecContext(
		ctx,
		archiveUpsertQuery,
		archive.ArchiveID,
		archive.RecordID,
		archive.Consent,
		archive.OriginalTime,
		archive.ArchivedTime,
		archive.IPAddress,
		archive.UserAgent,
		archive.UserID,
		archive.SessionID,
		archive.Metadata,
		archive.PolicyVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert archive row: %w", err)
	}

	return nil
}

// ArchiveAndDelete copies a live record into the archive table and deletes
// the live row in a single transaction. The archive upsert is keyed by the
// original record ID, so a crash between copy and delete followed by a retry
// converges without duplicate archive rows or silent data loss.
func (dao *ConsentArchiveDAO) ArchiveAndDelete(ctx context.Context, record *models.ConsentRecord, archive *models.ConsentArchive) error {
	return dao.db.WithTransaction(ctx, func(tx *database.Transaction) error {
		if err := dao.UpsertWithTx(ctx, tx, archive); err != nil {
			return err
		}

		// A zero-row delete means an earlier attempt already removed the live
		// row after archiving; that is the idempotent-retry success case.
		if _, err := tx.ExecContext(ctx, `DELETE FROM CONSENT_RECORD WHERE RECORD_ID = ?`, record.RecordID); err != nil {
			return fmt.Errorf("failed to delete archived record: %w", err)
		}

		return nil
	})
}

// ExistsByRecordID checks whether a record has already been archived
func (dao *ConsentArchiveDAO) ExistsByRecordID(ctx context.Context, recordID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM CONSENT_ARCHIVE WHERE RECORD_ID = ?)`

	var exists bool
	if err := dao.db.GetContext(ctx, &exists, query, recordID); err != nil {
		return false, fmt.Errorf("failed to check archive existence: %w", err)
	}

	return exists, nil
}

// CountAll returns the total number of archived records
func (dao *ConsentArchiveDAO) CountAll(ctx context.Context) (int, error) {
	var total int
	if err := dao.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM CONSENT_ARCHIVE`); err != nil {
		return 0, fmt.Errorf("failed to count archive rows: %w", err)
	}
	return total, nil
}
