package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/service"
)

// Sheet names used by the workbooks.
const (
	DirectorySheet = "Directory"
	ReviewSheet    = "Review Queue"
)

const (
	defaultColWidth = 18.0
	wideColWidth    = 36.0
)

var directoryHeaders = []string{
	"Baseline ID", "Name", "Region", "City", "Entity Type", "Enrollment",
	"Linked Source", "Method", "Confidence", "Needs Review", "Links",
	"Admin Name", "Admin Email", "Phone", "Address",
}

var reviewHeaders = []string{
	"Match ID", "Source ID", "Source Name", "Region", "Baseline ID", "Baseline Name",
	"Method", "Outcome", "Confidence", "Review Reason", "Decided At", "Batch",
}

// Exporter writes directory and review queue workbooks.
type Exporter struct {
	store        service.Storage
	materializer *Materializer
}

// NewExporter creates an exporter over store.
func NewExporter(store service.Storage) *Exporter {
	return &Exporter{
		store:        store,
		materializer: NewMaterializer(store),
	}
}

// ExportDirectory materializes the directory and saves it as an XLSX
// workbook at path.
func (x *Exporter) ExportDirectory(ctx context.Context, path string) (Stats, error) {
	entries, stats, err := x.materializer.Build(ctx)
	if err != nil {
		return Stats{}, err
	}

	rows := make([][]any, 0, len(entries))
	for i := range entries {
		rows = append(rows, directoryRow(&entries[i]))
	}

	if err := writeWorkbook(path, DirectorySheet, directoryHeaders, rows); err != nil {
		return Stats{}, err
	}

	slog.Info("Directory exported",
		"path", path,
		"entities", stats.Entities,
		"linked", stats.Linked,
		"with_contact", stats.WithContact)
	return stats, nil
}

// ExportReview saves the pending review queue, least certain first, as an
// XLSX workbook at path. It returns the number of rows written.
func (x *Exporter) ExportReview(ctx context.Context, path string, filter service.ReviewFilter) (int, error) {
	pending, err := x.store.GetPendingReview(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to load review queue: %w", err)
	}

	names := make(map[string]string)
	rows := make([][]any, 0, len(pending))
	for i := range pending {
		record := &pending[i]

		sourceName, region, err := x.sourceDetails(ctx, record.SourceID)
		if err != nil {
			return 0, err
		}
		baselineName, err := x.baselineName(ctx, names, record.BaselineID)
		if err != nil {
			return 0, err
		}

		rows = append(rows, []any{
			record.ID,
			record.SourceID,
			sourceName,
			region,
			record.BaselineID,
			baselineName,
			string(record.Method),
			string(record.Outcome),
			record.Confidence,
			record.Reason(),
			record.DecidedAt,
			record.BatchID,
		})
	}

	if err := writeWorkbook(path, ReviewSheet, reviewHeaders, rows); err != nil {
		return 0, err
	}

	slog.Info("Review queue exported", "path", path, "rows", len(rows))
	return len(rows), nil
}

func (x *Exporter) sourceDetails(ctx context.Context, sourceID string) (string, string, error) {
	source, err := x.store.GetSourceRecord(ctx, sourceID)
	if errors.Is(err, common.ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load source record %s: %w", sourceID, err)
	}
	return source.Name, string(model.NormalizeRegion(string(source.Region))), nil
}

func (x *Exporter) baselineName(ctx context.Context, cache map[string]string, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if name, ok := cache[id]; ok {
		return name, nil
	}

	entity, err := x.store.GetBaselineEntity(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		cache[id] = ""
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load baseline entity %s: %w", id, err)
	}
	cache[id] = entity.Name
	return entity.Name, nil
}

func directoryRow(e *Entry) []any {
	row := []any{
		e.Entity.ID,
		e.Entity.Name,
		string(e.Entity.Region),
		e.Entity.City,
		e.Entity.EntityType,
		optionalInt(e.Entity.Enrollment),
	}

	if e.Match != nil {
		row = append(row, e.Match.SourceID, string(e.Match.Method), e.Match.Confidence, yesNo(e.NeedsReview()))
	} else {
		row = append(row, "", "", "", "")
	}

	return append(row,
		e.Links,
		e.Contact.AdminName,
		e.Contact.AdminEmail,
		e.Contact.Phone,
		e.Contact.Address,
	)
}

// writeWorkbook saves a single-sheet workbook with a bold, frozen and
// filterable header row.
func writeWorkbook(path, sheet string, headers []string, rows [][]any) (err error) {
	f := excelize.NewFile()
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close workbook: %w", closeErr)
		}
	}()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to address row %d: %w", i+2, err)
		}
		if err := f.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := formatSheet(f, sheet, len(headers), len(rows)); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func formatSheet(f *excelize.File, sheet string, cols, rows int) error {
	lastCol, err := excelize.ColumnNumberToName(cols)
	if err != nil {
		return fmt.Errorf("failed to name column %d: %w", cols, err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", headerStyle); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	if err := f.SetColWidth(sheet, "A", lastCol, defaultColWidth); err != nil {
		return fmt.Errorf("failed to size columns: %w", err)
	}
	if err := f.SetColWidth(sheet, "B", "B", wideColWidth); err != nil {
		return fmt.Errorf("failed to size name column: %w", err)
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if rows > 0 {
		if err := f.AutoFilter(sheet, "A1:"+lastCol+strconv.Itoa(rows+1), nil); err != nil {
			return fmt.Errorf("failed to add filter: %w", err)
		}
	}
	return nil
}

func optionalInt(v *int) any {
	if v == nil {
		return ""
	}
	return *v
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
