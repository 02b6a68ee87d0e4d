package export

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/factory"
	"Go2Attribution/internal/model"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func init() {
	factory.RegisterWriter("gob", func(def config.WriterDef) (model.Writer, error) {
		return NewGobWriter(def.Gob.RootPath), nil
	})
}

const snapshotDirLayout = "2006-01-02_15-04-05"

// SummaryData holds the metadata for a snapshot, internal to the writer.
type SummaryData struct {
	SnapshotID         string `json:"snapshot_id"`
	Keys               int    `json:"keys"`
	TotalBytes         uint64 `json:"total_bytes"`
	TotalWakeups       uint64 `json:"total_wakeups"`
	TotalWakelockMs    uint64 `json:"total_wakelock_ms"`
	WakeupEventsLogged int    `json:"wakeup_events_logged"`
	Timestamp          string `json:"timestamp"`
}

// snapshotDirName suffixes the timestamp with the snapshot ID so two dumps
// taken within the same second never share a directory.
func snapshotDirName(snapshot *model.AttributionSnapshot) string {
	name := snapshot.TakenAt.UTC().Format(snapshotDirLayout)
	if snapshot.ID != "" {
		name += "_" + snapshot.ID
	}
	return name
}

// GobWriter handles writing attribution snapshots to disk in gob format.
type GobWriter struct {
	rootPath string
}

// NewGobWriter creates a new writer for attribution snapshots.
func NewGobWriter(rootPath string) model.Writer {
	return &GobWriter{rootPath: rootPath}
}

func (w *GobWriter) Name() string { return "gob" }

// Write stores the snapshot in a timestamped directory: attribution.dat holds
// the rows, wakeups.dat the drained wakeup entries and summary.json the totals.
func (w *GobWriter) Write(_ context.Context, snapshot *model.AttributionSnapshot) error {
	// 1. Create timestamped directory
	snapshotDir := filepath.Join(w.rootPath, snapshotDirName(snapshot))
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// 2. Rows and wakeups
	if len(snapshot.Rows) > 0 {
		if err := encodeGob(filepath.Join(snapshotDir, "attribution.dat"), snapshot.Rows); err != nil {
			return err
		}
	}
	if len(snapshot.Wakeup.Entries) > 0 {
		if err := encodeGob(filepath.Join(snapshotDir, "wakeups.dat"), snapshot.Wakeup.Entries); err != nil {
			return err
		}
	}

	// 3. Summary
	totals := snapshot.Totals()
	summary := SummaryData{
		SnapshotID:         snapshot.ID,
		Keys:               len(snapshot.Rows),
		TotalBytes:         totals.ByteCount,
		TotalWakeups:       totals.WakeupCount,
		TotalWakelockMs:    totals.WakelockDurationMs,
		WakeupEventsLogged: snapshot.Wakeup.NumWakeup,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}
	summaryFile, err := os.Create(filepath.Join(snapshotDir, "summary.json"))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	jsonEncoder := json.NewEncoder(summaryFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

func (w *GobWriter) Close() error { return nil }

func encodeGob(filePath string, v any) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", filePath, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(v); err != nil {
		return fmt.Errorf("failed to encode gob for file '%s': %w", filePath, err)
	}
	return nil
}
