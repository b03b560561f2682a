package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
)

// SaveBaselineEntities loads a baseline set. Entities are immutable once
// loaded: an id already present must carry the same attributes, in which
// case the stored row is kept, otherwise the whole load fails with
// ErrEntityImmutable.
func (s *SQLiteStorage) SaveBaselineEntities(ctx context.Context, entities []model.BaselineEntity) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateBaselineEntities(entities); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO baseline_entities (id, name, region, city, entity_type, enrollment, version, loaded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		now := time.Now().UTC()
		for i := range entities {
			e := entities[i]
			e.ID = strings.TrimSpace(e.ID)
			e.Region = model.NormalizeRegion(string(e.Region))

			existing, err := scanBaselineEntity(tx.QueryRowContext(ctx, `
				SELECT id, name, region, city, entity_type, enrollment, version, loaded_at
				FROM baseline_entities
				WHERE id = ?
			`, e.ID))
			switch {
			case err == nil:
				if diff := entityChanges(existing, &e); diff != "" {
					return fmt.Errorf("entity %s: %w: %s", e.ID, ErrEntityImmutable, diff)
				}
				continue
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("failed to check baseline entity %s: %w", e.ID, classify(err))
			}

			loadedAt := e.LoadedAt
			if loadedAt.IsZero() {
				loadedAt = now
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID,
				e.Name,
				string(e.Region),
				nullString(e.City),
				nullString(e.EntityType),
				nullInt(e.Enrollment),
				nullString(e.Version),
				loadedAt.UTC(),
			); err != nil {
				return fmt.Errorf("failed to save baseline entity %s: %w", e.ID, classify(err))
			}
		}
		return nil
	})
}

// entityChanges describes how next differs from the stored entity. Version
// and load time are ignored so a newer baseline may relist unchanged
// entities.
func entityChanges(stored, next *model.BaselineEntity) string {
	var changes []string
	if stored.Name != next.Name {
		changes = append(changes, fmt.Sprintf("name %q -> %q", stored.Name, next.Name))
	}
	if stored.Region != next.Region {
		changes = append(changes, fmt.Sprintf("region %s -> %s", stored.Region, next.Region))
	}
	if stored.City != next.City {
		changes = append(changes, fmt.Sprintf("city %q -> %q", stored.City, next.City))
	}
	if stored.EntityType != next.EntityType {
		changes = append(changes, fmt.Sprintf("type %q -> %q", stored.EntityType, next.EntityType))
	}
	if !sameEnrollment(stored.Enrollment, next.Enrollment) {
		changes = append(changes, "enrollment changed")
	}
	return strings.Join(changes, ", ")
}

func sameEnrollment(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CountBaselineEntities returns the size of the loaded baseline.
func (s *SQLiteStorage) CountBaselineEntities(ctx context.Context) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM baseline_entities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count baseline entities: %w", classify(err))
	}
	return count, nil
}

// GetBaselineEntities returns the full baseline ordered by region and id.
func (s *SQLiteStorage) GetBaselineEntities(ctx context.Context) ([]model.BaselineEntity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, region, city, entity_type, enrollment, version, loaded_at
		FROM baseline_entities
		ORDER BY region, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline entities: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	var entities []model.BaselineEntity
	for rows.Next() {
		entity, scanErr := scanBaselineEntity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entities = append(entities, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating baseline entities: %w", err)
	}
	return entities, nil
}

// GetBaselineEntity returns one entity or common.ErrNotFound.
func (s *SQLiteStorage) GetBaselineEntity(ctx context.Context, id string) (*model.BaselineEntity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, region, city, entity_type, enrollment, version, loaded_at
		FROM baseline_entities
		WHERE id = ?
	`, strings.TrimSpace(id))

	entity, err := scanBaselineEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("baseline entity %s: %w", id, common.ErrNotFound)
	}
	return entity, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBaselineEntity(row scanner) (*model.BaselineEntity, error) {
	var (
		e          model.BaselineEntity
		region     string
		city       sql.NullString
		entityType sql.NullString
		enrollment sql.NullInt64
		version    sql.NullString
	)
	err := row.Scan(&e.ID, &e.Name, &region, &city, &entityType, &enrollment, &version, &e.LoadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan baseline entity: %w", err)
	}

	e.Region = model.RegionCode(region)
	e.City = city.String
	e.EntityType = entityType.String
	e.Enrollment = intPtr(enrollment)
	e.Version = version.String
	e.LoadedAt = e.LoadedAt.UTC()
	return &e, nil
}
