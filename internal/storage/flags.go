package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/service"
)

// LedgerActor is recorded as the resolver of flags the store closes because
// their match record stopped being active.
const LedgerActor = "ledger"

// SaveQualityFlag records a new flag.
func (s *SQLiteStorage) SaveQualityFlag(ctx context.Context, flag *model.QualityFlag) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateQualityFlag(flag); err != nil {
		return err
	}

	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = time.Now().UTC()
	}
	return insertQualityFlag(ctx, s.db, flag)
}

func insertQualityFlag(ctx context.Context, q queryable, flag *model.QualityFlag) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO quality_flags (id, source_id, match_id, batch_id, severity, code, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		flag.ID,
		nullString(flag.SourceID),
		nullString(flag.MatchID),
		nullString(flag.BatchID),
		string(flag.Severity),
		flag.Code,
		flag.Description,
		flag.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save quality flag %s: %w", flag.ID, classify(err))
	}
	return nil
}

// closeInactiveFlags resolves open flags attached to match records that are
// no longer active.
func closeInactiveFlags(ctx context.Context, tx *sql.Tx, at time.Time, note string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE quality_flags SET resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE resolved_at IS NULL
			AND match_id IN (SELECT id FROM match_records WHERE active = 0)
	`, at.UTC(), LedgerActor, note); err != nil {
		return fmt.Errorf("failed to close flags on inactive matches: %w", classify(err))
	}
	return nil
}

// reopenFlags reopens the flags closeInactiveFlags closed on a match record
// that is active again.
func reopenFlags(ctx context.Context, tx *sql.Tx, matchID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE quality_flags SET resolved_at = NULL, resolved_by = NULL, resolution_note = NULL
		WHERE match_id = ? AND resolved_by = ?
	`, matchID, LedgerActor); err != nil {
		return fmt.Errorf("failed to reopen flags on match %s: %w", matchID, classify(err))
	}
	return nil
}

// ListQualityFlags returns flags matching the filter, oldest first.
func (s *SQLiteStorage) ListQualityFlags(ctx context.Context, filter service.FlagFilter) ([]model.QualityFlag, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.OpenOnly {
		where = append(where, "resolved_at IS NULL")
	}
	if filter.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}

	query := `
		SELECT id, source_id, match_id, batch_id, severity, code, description,
			created_at, resolved_at, resolved_by, resolution_note
		FROM quality_flags`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality flags: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	var flags []model.QualityFlag
	for rows.Next() {
		var (
			f                          model.QualityFlag
			sourceID, matchID, batchID sql.NullString
			severity                   string
			resolvedAt                 sql.NullTime
			resolvedBy, resolutionNote sql.NullString
		)
		if err := rows.Scan(&f.ID, &sourceID, &matchID, &batchID, &severity, &f.Code, &f.Description,
			&f.CreatedAt, &resolvedAt, &resolvedBy, &resolutionNote); err != nil {
			return nil, fmt.Errorf("failed to scan quality flag: %w", err)
		}
		f.SourceID = sourceID.String
		f.MatchID = matchID.String
		f.BatchID = batchID.String
		f.Severity = model.Severity(severity)
		f.CreatedAt = f.CreatedAt.UTC()
		f.ResolvedAt = timePtr(resolvedAt)
		f.ResolvedBy = resolvedBy.String
		f.ResolutionNote = resolutionNote.String
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quality flags: %w", err)
	}
	return flags, nil
}

// ResolveQualityFlag closes an open flag. Resolving a flag twice returns
// common.ErrAlreadyDecided.
func (s *SQLiteStorage) ResolveQualityFlag(ctx context.Context, id, actor, note string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	if err := validateString(actor, "actor"); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var resolvedAt sql.NullTime
		err := tx.QueryRowContext(ctx, `SELECT resolved_at FROM quality_flags WHERE id = ?`, id).Scan(&resolvedAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("quality flag %s: %w", id, common.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read quality flag: %w", classify(err))
		}
		if resolvedAt.Valid {
			return fmt.Errorf("quality flag %s: %w", id, common.ErrAlreadyDecided)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE quality_flags SET resolved_at = ?, resolved_by = ?, resolution_note = ?
			WHERE id = ?
		`, at.UTC(), actor, nullString(note), id); err != nil {
			return fmt.Errorf("failed to resolve quality flag: %w", classify(err))
		}
		return nil
	})
}
