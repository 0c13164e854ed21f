package printer

import "github.com/guestkit/guestkit/internal/model"

// Printer knows how to print guestkit information in different formats.
type Printer interface {
	PrintSnapshotList(snapshots []model.SnapshotRecord) error
	PrintCheckResults(backend string, results []model.CheckResult) error
	PrintMessage(msg string) error
}
