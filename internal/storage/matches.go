package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/service"
)

const matchColumns = `id, source_id, baseline_id, batch_id, method, outcome, confidence,
	evidence, decided_at, decided_by, verified, flag_for_review, review_reason,
	active, supersedes_id, deactivated_at`

// AppendMatchRecord writes a staged or historical record in its own
// transaction. Use AppendAndActivate or ActivateBatch to make it active.
func (s *SQLiteStorage) AppendMatchRecord(ctx context.Context, record *model.MatchRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateMatchRecord(record); err != nil {
		return err
	}

	record.Active = false
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertMatchRecord(ctx, tx, record)
	})
}

// AppendAndActivate writes a record and makes it the active decision for its
// source in one transaction. The record's SupersedesID must name the current
// active record (or be empty when there is none); otherwise another writer
// got there first and common.ErrLedgerWriteConflict is returned.
func (s *SQLiteStorage) AppendAndActivate(ctx context.Context, record *model.MatchRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateMatchRecord(record); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := supersedeActive(ctx, tx, record.SourceID, record.SupersedesID, record.DecidedAt); err != nil {
			return err
		}
		record.Active = true
		if err := insertMatchRecord(ctx, tx, record); err != nil {
			record.Active = false
			return err
		}
		return nil
	})
}

// ActivateBatch makes every staged record of the batch active in a single
// transaction, retires the records they supersede and saves the batch's
// quality flags. Open flags on retired records are closed. If any source's
// active record changed after staging, nothing is activated and no flag is
// saved.
func (s *SQLiteStorage) ActivateBatch(ctx context.Context, batchID string, at time.Time, flags []model.QualityFlag) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return 0, err
	}
	for i := range flags {
		if err := validateQualityFlag(&flags[i]); err != nil {
			return 0, err
		}
	}

	var activated int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getBatchTx(ctx, tx, batchID); err != nil {
			return err
		}

		staged, err := queryMatchRecords(ctx, tx, `
			SELECT `+matchColumns+` FROM match_records
			WHERE batch_id = ? AND active = 0 AND deactivated_at IS NULL
			ORDER BY rowid
		`, batchID)
		if err != nil {
			return err
		}

		for i := range staged {
			record := &staged[i]
			if err := supersedeActive(ctx, tx, record.SourceID, record.SupersedesID, at); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE match_records SET active = 1 WHERE id = ?`, record.ID); err != nil {
				return fmt.Errorf("failed to activate match %s: %w", record.ID, conflictOnDuplicate(classify(err)))
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE import_batches SET activated_at = ?, undone_at = NULL WHERE id = ?
		`, at.UTC(), batchID); err != nil {
			return fmt.Errorf("failed to mark batch active: %w", classify(err))
		}

		if err := closeInactiveFlags(ctx, tx, at, "superseded by batch "+batchID); err != nil {
			return err
		}
		for i := range flags {
			if flags[i].CreatedAt.IsZero() {
				flags[i].CreatedAt = at.UTC()
			}
			if err := insertQualityFlag(ctx, tx, &flags[i]); err != nil {
				return err
			}
		}

		activated = len(staged)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return activated, nil
}

// DiscardStaged retires records a previous, aborted run staged for the batch.
func (s *SQLiteStorage) DiscardStaged(ctx context.Context, batchID string, at time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE match_records SET deactivated_at = ?
		WHERE batch_id = ? AND active = 0 AND deactivated_at IS NULL
	`, at.UTC(), batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard staged matches: %w", classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count discarded matches: %w", err)
	}
	return int(n), nil
}

// DeactivateBatch undoes a batch: its active records become inactive and the
// records they superseded become active again. Nothing is deleted. Records a
// later decision has already superseded are left alone.
func (s *SQLiteStorage) DeactivateBatch(ctx context.Context, batchID string, at time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return 0, err
	}

	var deactivated int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getBatchTx(ctx, tx, batchID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE import_batches SET undone_at = ? WHERE id = ?`, at.UTC(), batchID); err != nil {
			return fmt.Errorf("failed to mark batch undone: %w", classify(err))
		}

		active, err := queryMatchRecords(ctx, tx, `
			SELECT `+matchColumns+` FROM match_records
			WHERE batch_id = ? AND active = 1
			ORDER BY rowid
		`, batchID)
		if err != nil {
			return err
		}

		for i := range active {
			record := &active[i]
			if _, err := tx.ExecContext(ctx, `
				UPDATE match_records SET active = 0, deactivated_at = ? WHERE id = ?
			`, at.UTC(), record.ID); err != nil {
				return fmt.Errorf("failed to deactivate match %s: %w", record.ID, classify(err))
			}
			if err := restorePredecessor(ctx, tx, record.SourceID, record.SupersedesID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE match_records SET deactivated_at = ?
			WHERE batch_id = ? AND active = 0 AND deactivated_at IS NULL
		`, at.UTC(), batchID); err != nil {
			return fmt.Errorf("failed to discard staged matches: %w", classify(err))
		}

		if err := closeInactiveFlags(ctx, tx, at, "batch "+batchID+" undone"); err != nil {
			return err
		}

		deactivated = len(active)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deactivated, nil
}

// GetMatchRecord returns one record or common.ErrNotFound.
func (s *SQLiteStorage) GetMatchRecord(ctx context.Context, id string) (*model.MatchRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	records, err := queryMatchRecords(ctx, s.db, `SELECT `+matchColumns+` FROM match_records WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("match record %s: %w", id, common.ErrNotFound)
	}
	return &records[0], nil
}

// GetActiveMatch returns the active record for a source or common.ErrNotFound.
func (s *SQLiteStorage) GetActiveMatch(ctx context.Context, sourceID string) (*model.MatchRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(sourceID, "sourceID"); err != nil {
		return nil, err
	}

	records, err := queryMatchRecords(ctx, s.db, `
		SELECT `+matchColumns+` FROM match_records WHERE source_id = ? AND active = 1
	`, sourceID)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, fmt.Errorf("active match for %s: %w", sourceID, common.ErrNotFound)
	case 1:
		return &records[0], nil
	default:
		return nil, fmt.Errorf("%w: %d active matches for %s", common.ErrLedgerWriteConflict, len(records), sourceID)
	}
}

// GetMatchHistory returns every record for a source, oldest first.
func (s *SQLiteStorage) GetMatchHistory(ctx context.Context, sourceID string) ([]model.MatchRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(sourceID, "sourceID"); err != nil {
		return nil, err
	}

	return queryMatchRecords(ctx, s.db, `
		SELECT `+matchColumns+` FROM match_records
		WHERE source_id = ?
		ORDER BY decided_at, rowid
	`, sourceID)
}

// GetActiveMatchesForBaseline returns the active records targeting an entity.
func (s *SQLiteStorage) GetActiveMatchesForBaseline(ctx context.Context, baselineID string) ([]model.MatchRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(baselineID, "baselineID"); err != nil {
		return nil, err
	}

	return queryMatchRecords(ctx, s.db, `
		SELECT `+matchColumns+` FROM match_records
		WHERE baseline_id = ? AND active = 1
		ORDER BY confidence DESC, decided_at DESC, rowid DESC
	`, baselineID)
}

// GetActiveAcceptedMatches returns every active accepted record.
func (s *SQLiteStorage) GetActiveAcceptedMatches(ctx context.Context) ([]model.MatchRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	return queryMatchRecords(ctx, s.db, `
		SELECT `+matchColumns+` FROM match_records
		WHERE active = 1 AND outcome = ? AND baseline_id IS NOT NULL
		ORDER BY baseline_id, confidence DESC, decided_at DESC, rowid DESC
	`, string(model.OutcomeAccepted))
}

// GetMatchRecordsByBatch returns every record written for a batch.
func (s *SQLiteStorage) GetMatchRecordsByBatch(ctx context.Context, batchID string) ([]model.MatchRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return nil, err
	}

	return queryMatchRecords(ctx, s.db, `
		SELECT `+matchColumns+` FROM match_records
		WHERE batch_id = ?
		ORDER BY rowid
	`, batchID)
}

// GetPendingReview returns active, unverified, non-rejected records, lowest
// confidence first and earliest decision first among equals.
func (s *SQLiteStorage) GetPendingReview(ctx context.Context, filter service.ReviewFilter) ([]model.MatchRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var (
		where = []string{"active = 1", "verified = 0", "outcome != ?"}
		args  = []any{string(model.OutcomeRejected)}
	)
	if filter.FlaggedOnly {
		where = append(where, "flag_for_review = 1")
	}
	if filter.MinConfidence != nil {
		if *filter.MinConfidence < 0 || *filter.MinConfidence > 1 {
			return nil, ErrInvalidConfidence
		}
		where = append(where, "confidence >= ?")
		args = append(args, model.ConfidenceToHundredths(*filter.MinConfidence))
	}

	query := `SELECT ` + matchColumns + ` FROM match_records WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY confidence ASC, decided_at ASC, rowid ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return queryMatchRecords(ctx, s.db, query, args...)
}

// restorePredecessor reactivates the newest record in the supersession chain
// starting at id that does not belong to an undone batch.
func restorePredecessor(ctx context.Context, tx *sql.Tx, sourceID, id string) error {
	for id != "" {
		var (
			supersedes sql.NullString
			undone     bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT m.supersedes_id, b.undone_at IS NOT NULL
			FROM match_records m
			LEFT JOIN import_batches b ON b.id = m.batch_id
			WHERE m.id = ? AND m.source_id = ?
		`, id, sourceID).Scan(&supersedes, &undone)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read superseded match %s: %w", id, classify(err))
		}

		if !undone {
			if _, err := tx.ExecContext(ctx, `
				UPDATE match_records SET active = 1, deactivated_at = NULL WHERE id = ?
			`, id); err != nil {
				return fmt.Errorf("failed to restore match %s: %w", id, conflictOnDuplicate(classify(err)))
			}
			return reopenFlags(ctx, tx, id)
		}
		id = supersedes.String
	}
	return nil
}

// supersedeActive retires the active record of a source. expected is the id
// the caller saw as active when it made its decision.
func supersedeActive(ctx context.Context, tx *sql.Tx, sourceID, expected string, at time.Time) error {
	var current string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM match_records WHERE source_id = ? AND active = 1
	`, sourceID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read active match for %s: %w", sourceID, classify(err))
	}

	if current != expected {
		return fmt.Errorf("%w: source %s active match is %q, decision expected %q",
			common.ErrLedgerWriteConflict, sourceID, current, expected)
	}
	if current == "" {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE match_records SET active = 0, deactivated_at = ? WHERE id = ?
	`, at.UTC(), current); err != nil {
		return fmt.Errorf("failed to supersede match %s: %w", current, classify(err))
	}
	return nil
}

func insertMatchRecord(ctx context.Context, q queryable, record *model.MatchRecord) error {
	evidence, err := json.Marshal(record.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	var reason sql.NullString
	if record.ReviewReason != nil {
		reason = sql.NullString{String: *record.ReviewReason, Valid: true}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO match_records (`+matchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`,
		record.ID,
		record.SourceID,
		nullString(record.BaselineID),
		nullString(record.BatchID),
		string(record.Method),
		string(record.Outcome),
		model.ConfidenceToHundredths(record.Confidence),
		string(evidence),
		record.DecidedAt.UTC(),
		record.DecidedBy,
		record.Verified,
		record.FlagForReview,
		reason,
		record.Active,
		nullString(record.SupersedesID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert match record %s: %w", record.ID, conflictOnActive(record, classify(err)))
	}
	return nil
}

// conflictOnActive reports a uniqueness failure while inserting an active
// record as a ledger conflict: only the single-active index can trip it.
func conflictOnActive(record *model.MatchRecord, err error) error {
	if record.Active {
		return conflictOnDuplicate(err)
	}
	return err
}

func conflictOnDuplicate(err error) error {
	if errors.Is(err, common.ErrDuplicateEntry) {
		return fmt.Errorf("%w: %w", common.ErrLedgerWriteConflict, err)
	}
	return err
}

func queryMatchRecords(ctx context.Context, q queryable, query string, args ...any) ([]model.MatchRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query match records: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	var records []model.MatchRecord
	for rows.Next() {
		record, scanErr := scanMatchRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating match records: %w", err)
	}
	return records, nil
}

func scanMatchRecord(row scanner) (*model.MatchRecord, error) {
	var (
		r            model.MatchRecord
		baselineID   sql.NullString
		batchID      sql.NullString
		method       string
		outcome      string
		confidence   int
		evidence     string
		reviewReason sql.NullString
		supersedes   sql.NullString
		deactivated  sql.NullTime
	)
	err := row.Scan(&r.ID, &r.SourceID, &baselineID, &batchID, &method, &outcome, &confidence,
		&evidence, &r.DecidedAt, &r.DecidedBy, &r.Verified, &r.FlagForReview, &reviewReason,
		&r.Active, &supersedes, &deactivated)
	if err != nil {
		return nil, fmt.Errorf("failed to scan match record: %w", err)
	}

	if err := json.Unmarshal([]byte(evidence), &r.Evidence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evidence for %s: %w", r.ID, err)
	}

	r.BaselineID = baselineID.String
	r.BatchID = batchID.String
	r.Method = model.MatchMethod(method)
	r.Outcome = model.Outcome(outcome)
	r.Confidence = model.ConfidenceFromHundredths(confidence)
	r.SupersedesID = supersedes.String
	r.DecidedAt = r.DecidedAt.UTC()
	r.DeactivatedAt = timePtr(deactivated)
	if reviewReason.Valid {
		reason := reviewReason.String
		r.ReviewReason = &reason
	}
	return &r, nil
}
