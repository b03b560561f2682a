// Package storage provides the SQLite persistence layer for baselines,
// import batches, source records, the match ledger and quality flags.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/districtlink/internal/model"
)

// Validation errors.
var (
	ErrNilContext        = errors.New("context cannot be nil")
	ErrEmptyString       = errors.New("string parameter cannot be empty")
	ErrNilParameter      = errors.New("parameter cannot be nil")
	ErrEmptySlice        = errors.New("slice cannot be empty")
	ErrInvalidEntity     = errors.New("invalid baseline entity")
	ErrInvalidSource     = errors.New("invalid source record")
	ErrInvalidBatch      = errors.New("invalid batch")
	ErrInvalidMatch      = errors.New("invalid match record")
	ErrInvalidFlag       = errors.New("invalid quality flag")
	ErrInvalidConfidence = errors.New("confidence must be between 0 and 1")
	ErrEntityImmutable   = errors.New("baseline entity cannot change once loaded")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateBaselineEntities(entities []model.BaselineEntity) error {
	if entities == nil {
		return fmt.Errorf("%w: entities", ErrNilParameter)
	}
	if len(entities) == 0 {
		return fmt.Errorf("%w: entities", ErrEmptySlice)
	}

	for i := range entities {
		e := &entities[i]
		switch {
		case strings.TrimSpace(e.ID) == "":
			return fmt.Errorf("entity at index %d: %w: missing ID", i, ErrInvalidEntity)
		case strings.TrimSpace(e.Name) == "":
			return fmt.Errorf("entity %s: %w: missing name", e.ID, ErrInvalidEntity)
		case model.NormalizeRegion(string(e.Region)) == "":
			return fmt.Errorf("entity %s: %w: missing region", e.ID, ErrInvalidEntity)
		}
	}
	return nil
}

func validateBatch(batch *model.Batch) error {
	if batch == nil {
		return fmt.Errorf("%w: batch", ErrNilParameter)
	}
	if strings.TrimSpace(batch.ID) == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidBatch)
	}
	if strings.TrimSpace(batch.SourceURL) == "" {
		return fmt.Errorf("%w: missing source URL", ErrInvalidBatch)
	}
	if batch.RecordCount < 0 {
		return fmt.Errorf("%w: negative record count", ErrInvalidBatch)
	}
	return nil
}

// validateSourceRecords only checks what the schema requires. Blank names and
// regions are stored as delivered and rejected later by the matcher.
func validateSourceRecords(records []model.SourceRecord) error {
	if records == nil {
		return fmt.Errorf("%w: records", ErrNilParameter)
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: records", ErrEmptySlice)
	}

	for i := range records {
		r := &records[i]
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("record at index %d: %w: missing ID", i, ErrInvalidSource)
		}
		if strings.TrimSpace(r.BatchID) == "" {
			return fmt.Errorf("record %s: %w: missing batch ID", r.ID, ErrInvalidSource)
		}
	}
	return nil
}

func validateMatchRecord(record *model.MatchRecord) error {
	if record == nil {
		return fmt.Errorf("%w: match record", ErrNilParameter)
	}
	switch {
	case strings.TrimSpace(record.ID) == "":
		return fmt.Errorf("%w: missing ID", ErrInvalidMatch)
	case strings.TrimSpace(record.SourceID) == "":
		return fmt.Errorf("%w: missing source ID", ErrInvalidMatch)
	case !record.Method.IsValid():
		return fmt.Errorf("%w: unknown method %q", ErrInvalidMatch, record.Method)
	case !record.Outcome.IsValid():
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidMatch, record.Outcome)
	case strings.TrimSpace(record.DecidedBy) == "":
		return fmt.Errorf("%w: missing decided_by", ErrInvalidMatch)
	case record.DecidedAt.IsZero():
		return fmt.Errorf("%w: missing decided_at", ErrInvalidMatch)
	case record.Confidence < 0 || record.Confidence > 1:
		return fmt.Errorf("%w: %w", ErrInvalidMatch, ErrInvalidConfidence)
	case record.Outcome == model.OutcomeAccepted && record.BaselineID == "":
		return fmt.Errorf("%w: accepted match without baseline", ErrInvalidMatch)
	}
	return nil
}

func validateQualityFlag(flag *model.QualityFlag) error {
	if flag == nil {
		return fmt.Errorf("%w: quality flag", ErrNilParameter)
	}
	switch {
	case strings.TrimSpace(flag.ID) == "":
		return fmt.Errorf("%w: missing ID", ErrInvalidFlag)
	case strings.TrimSpace(flag.Code) == "":
		return fmt.Errorf("%w: missing code", ErrInvalidFlag)
	case !flag.Severity.IsValid():
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidFlag, flag.Severity)
	case flag.SourceID == "" && flag.MatchID == "" && flag.BatchID == "":
		return fmt.Errorf("%w: flag is not attached to anything", ErrInvalidFlag)
	}
	return nil
}
