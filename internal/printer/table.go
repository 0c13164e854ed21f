package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/guestkit/guestkit/internal/model"
)

// TablePrinter prints guestkit information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintSnapshotList prints snapshots in a table format.
func (t *TablePrinter) PrintSnapshotList(snapshots []model.SnapshotRecord) error {
	if len(snapshots) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header.
	fmt.Fprintln(tw, "ID\tCACHE KEY\tPARENT\tENTRIES\tSIZE\tCREATED")

	// Print rows.
	for _, s := range snapshots {
		parent := s.ParentKey
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID,
			truncateKey(s.CacheKey),
			truncateKey(parent),
			s.Entries,
			FormatBytes(s.SizeBytes),
			TimeAgo(s.CreatedAt),
		)
	}

	return nil
}

// PrintCheckResults prints preflight check results for a backend.
func (t *TablePrinter) PrintCheckResults(backend string, results []model.CheckResult) error {
	fmt.Fprintf(t.writer, "Checking %s backend...\n", backend)
	for _, r := range results {
		fmt.Fprintf(t.writer, "  %s %-20s %s\n", statusIcon(r.Status), r.ID, r.Message)
	}
	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

// truncateKey shortens digest-style keys so tables stay readable.
func truncateKey(key string) string {
	if len(key) <= 19 {
		return key
	}
	return key[:19]
}

func statusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}
