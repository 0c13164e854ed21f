package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/guestkit/guestkit/internal/model"
)

// JSONPrinter prints guestkit information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// snapshotItem represents a snapshot in the list output.
type snapshotItem struct {
	ID          string    `json:"id"`
	CacheKey    string    `json:"cache_key"`
	ParentKey   string    `json:"parent_key,omitempty"`
	LayerDigest string    `json:"layer_digest"`
	Excludes    []string  `json:"excludes,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Entries     int       `json:"entries"`
	CreatedAt   time.Time `json:"created_at"`
}

// checkOutput represents preflight check results for a backend.
type checkOutput struct {
	Backend string      `json:"backend"`
	Checks  []checkItem `json:"checks"`
}

type checkItem struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintSnapshotList prints snapshots in JSON format.
func (j *JSONPrinter) PrintSnapshotList(snapshots []model.SnapshotRecord) error {
	items := make([]snapshotItem, len(snapshots))
	for i, s := range snapshots {
		items[i] = snapshotItem{
			ID:          s.ID,
			CacheKey:    s.CacheKey,
			ParentKey:   s.ParentKey,
			LayerDigest: s.LayerDigest,
			Excludes:    s.Excludes,
			SizeBytes:   s.SizeBytes,
			Entries:     s.Entries,
			CreatedAt:   s.CreatedAt.UTC(),
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintCheckResults prints preflight check results in JSON format.
func (j *JSONPrinter) PrintCheckResults(backend string, results []model.CheckResult) error {
	output := checkOutput{Backend: backend, Checks: make([]checkItem, len(results))}
	for i, r := range results {
		output.Checks[i] = checkItem{
			ID:      r.ID,
			Status:  string(r.Status),
			Message: r.Message,
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	output := messageOutput{Message: msg}
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
