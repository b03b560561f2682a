package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Veraticus/districtlink/internal/engine"
	"github.com/Veraticus/districtlink/internal/model"
)

const timeLayout = "2006-01-02 15:04"

// RenderSummary formats a batch summary as a box listing every outcome count.
func RenderSummary(s *engine.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Records: %d  Staged: %d  Activated: %d\n", s.Total, s.Staged, s.Activated)
	if s.Discarded > 0 {
		fmt.Fprintf(&b, "Discarded from an earlier run: %d\n", s.Discarded)
	}

	fmt.Fprintf(&b, "\n%s %d\n", SuccessStyle.Render("Accepted:"), s.AcceptedCount())
	for _, method := range s.Methods() {
		fmt.Fprintf(&b, "  • %s: %d\n", method, s.Accepted[method])
	}
	if s.ReviewRequired > 0 {
		fmt.Fprintf(&b, "  • needing review: %d\n", s.ReviewRequired)
	}

	writeCounts(&b, WarningStyle.Render("Flagged:"), s.Flagged)
	writeCounts(&b, SubtleStyle.Render("Rejected:"), s.Rejected)
	writeCounts(&b, ErrorStyle.Render("Errored:"), s.Errored)

	if len(s.Examples) > 0 {
		b.WriteString("\nError examples:\n")
		for _, ex := range s.Examples {
			fmt.Fprintf(&b, "  • %s (%s): %s\n", ex.SourceID, ex.Kind, ex.Message)
		}
	}

	fmt.Fprintf(&b, "\nQuality flags raised: %d\n", s.QualityFlags)
	fmt.Fprintf(&b, "Time taken: %s", s.Duration.Round(time.Millisecond))

	title := ChartIcon + " Batch " + s.BatchID
	if s.Aborted {
		title += " (aborted, nothing activated)"
	}
	return RenderBox(title, b.String())
}

func writeCounts(b *strings.Builder, label string, counts map[string]int) {
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(b, "%s %d\n", label, total)
	for _, reason := range engine.SortedKeys(counts) {
		fmt.Fprintf(b, "  • %s: %d\n", reason, counts[reason])
	}
}

// WriteMatchTable writes match records as an aligned table.
func WriteMatchTable(w io.Writer, records []model.MatchRecord) error {
	return writeTable(w,
		[]string{"Match", "Source", "Baseline", "Method", "Outcome", "Conf", "Reason", "Active", "Verified", "Decided"},
		len(records),
		func(i int) []string {
			r := &records[i]
			return []string{
				r.ID,
				r.SourceID,
				dash(r.BaselineID),
				string(r.Method),
				string(r.Outcome),
				fmt.Sprintf("%.2f", r.Confidence),
				dash(r.Reason()),
				yesNo(r.Active),
				yesNo(r.Verified),
				r.DecidedAt.Format(timeLayout) + " " + r.DecidedBy,
			}
		})
}

// WriteFlagTable writes quality flags as an aligned table.
func WriteFlagTable(w io.Writer, flags []model.QualityFlag) error {
	return writeTable(w,
		[]string{"Flag", "Severity", "Code", "Source", "Batch", "Created", "Resolved", "Description"},
		len(flags),
		func(i int) []string {
			f := &flags[i]
			resolved := "-"
			if f.ResolvedAt != nil {
				resolved = f.ResolvedAt.Format(timeLayout) + " " + f.ResolvedBy
			}
			return []string{
				f.ID,
				string(f.Severity),
				f.Code,
				dash(f.SourceID),
				dash(f.BatchID),
				f.CreatedAt.Format(timeLayout),
				resolved,
				f.Description,
			}
		})
}

// WriteBatchTable writes import batches as an aligned table.
func WriteBatchTable(w io.Writer, batches []model.Batch) error {
	return writeTable(w,
		[]string{"Batch", "Status", "Records", "Created", "Source"},
		len(batches),
		func(i int) []string {
			b := &batches[i]
			return []string{
				b.ID,
				b.Status(),
				fmt.Sprintf("%d", b.RecordCount),
				b.CreatedAt.Format(timeLayout),
				b.SourceURL,
			}
		})
}

func writeTable(w io.Writer, headers []string, rows int, row func(int) []string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	styled := make([]string, len(headers))
	rules := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = TableHeaderStyle.Render(h)
		rules[i] = strings.Repeat("─", len(h))
	}

	if _, err := fmt.Fprintln(tw, strings.Join(styled, "\t")); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := fmt.Fprintln(tw, strings.Join(rules, "\t")); err != nil {
		return fmt.Errorf("failed to write separator: %w", err)
	}
	for i := 0; i < rows; i++ {
		if _, err := fmt.Fprintln(tw, strings.Join(row(i), "\t")); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to flush table: %w", err)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
