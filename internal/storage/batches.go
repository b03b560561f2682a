package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
)

// CreateBatch writes the audit entry for an import.
func (s *SQLiteStorage) CreateBatch(ctx context.Context, batch *model.Batch) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateBatch(batch); err != nil {
		return err
	}

	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_batches (id, source_url, record_count, created_at)
		VALUES (?, ?, ?, ?)
	`, batch.ID, batch.SourceURL, batch.RecordCount, batch.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create batch %s: %w", batch.ID, classify(err))
	}
	return nil
}

// GetBatch returns a batch or common.ErrBatchNotFound.
func (s *SQLiteStorage) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return getBatchTx(ctx, s.db, id)
}

func getBatchTx(ctx context.Context, q queryable, id string) (*model.Batch, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, source_url, record_count, created_at, activated_at, undone_at
		FROM import_batches
		WHERE id = ?
	`, id)

	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", common.ErrBatchNotFound, id)
	}
	return batch, err
}

// ListBatches returns every batch, newest first.
func (s *SQLiteStorage) ListBatches(ctx context.Context) ([]model.Batch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_url, record_count, created_at, activated_at, undone_at
		FROM import_batches
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	var batches []model.Batch
	for rows.Next() {
		batch, scanErr := scanBatch(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		batches = append(batches, *batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}

func scanBatch(row scanner) (*model.Batch, error) {
	var (
		b         model.Batch
		activated sql.NullTime
		undone    sql.NullTime
	)
	err := row.Scan(&b.ID, &b.SourceURL, &b.RecordCount, &b.CreatedAt, &activated, &undone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.ActivatedAt = timePtr(activated)
	b.UndoneAt = timePtr(undone)
	return &b, nil
}

// SaveSourceRecords appends the records of a batch. The batch must exist and
// existing records are never overwritten.
func (s *SQLiteStorage) SaveSourceRecords(ctx context.Context, records []model.SourceRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSourceRecords(records); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO source_records (
				id, batch_id, name, region, external_id, city, enrollment,
				admin_name, admin_email, phone, address, ingested_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		checked := make(map[string]bool)
		now := time.Now().UTC()
		for i := range records {
			r := records[i]
			if !checked[r.BatchID] {
				if _, err := getBatchTx(ctx, tx, r.BatchID); err != nil {
					return err
				}
				checked[r.BatchID] = true
			}

			ingestedAt := r.IngestedAt
			if ingestedAt.IsZero() {
				ingestedAt = now
			}
			if _, err := stmt.ExecContext(ctx,
				r.ID,
				r.BatchID,
				r.Name,
				string(model.NormalizeRegion(string(r.Region))),
				nullString(r.ExternalID),
				nullString(r.City),
				nullInt(r.Enrollment),
				nullString(r.Contact.AdminName),
				nullString(r.Contact.AdminEmail),
				nullString(r.Contact.Phone),
				nullString(r.Contact.Address),
				ingestedAt.UTC(),
			); err != nil {
				return fmt.Errorf("failed to save source record %s: %w", r.ID, classify(err))
			}
		}
		return nil
	})
}

const sourceColumns = `id, batch_id, name, region, external_id, city, enrollment,
	admin_name, admin_email, phone, address, ingested_at`

// GetSourceRecord returns one source record or common.ErrNotFound.
func (s *SQLiteStorage) GetSourceRecord(ctx context.Context, id string) (*model.SourceRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM source_records WHERE id = ?`, id)
	record, err := scanSourceRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source record %s: %w", id, common.ErrNotFound)
	}
	return record, err
}

// GetSourceRecordsByBatch returns a batch's records in ingestion order.
func (s *SQLiteStorage) GetSourceRecordsByBatch(ctx context.Context, batchID string) ([]model.SourceRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sourceColumns+`
		FROM source_records
		WHERE batch_id = ?
		ORDER BY rowid
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query source records: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	var records []model.SourceRecord
	for rows.Next() {
		record, scanErr := scanSourceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source records: %w", err)
	}
	return records, nil
}

func scanSourceRecord(row scanner) (*model.SourceRecord, error) {
	var (
		r                                     model.SourceRecord
		region                                string
		externalID, city                      sql.NullString
		adminName, adminEmail, phone, address sql.NullString
		enrollment                            sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.BatchID, &r.Name, &region, &externalID, &city, &enrollment,
		&adminName, &adminEmail, &phone, &address, &r.IngestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source record: %w", err)
	}

	r.Region = model.RegionCode(region)
	r.ExternalID = externalID.String
	r.City = city.String
	r.Enrollment = intPtr(enrollment)
	r.Contact = model.Contact{
		AdminName:  adminName.String,
		AdminEmail: adminEmail.String,
		Phone:      phone.String,
		Address:    address.String,
	}
	r.IngestedAt = r.IngestedAt.UTC()
	return &r, nil
}
