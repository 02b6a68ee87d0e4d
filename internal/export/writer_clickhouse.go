package export

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/factory"
	"Go2Attribution/internal/model"
	"Go2Attribution/pkg/logutil"
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

func init() {
	factory.RegisterWriter("clickhouse", func(def config.WriterDef) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse)
	})
}

const createAttributionTable = `
CREATE TABLE IF NOT EXISTS attribution_rows (
    Timestamp          DateTime64(3),
    SnapshotID         String,
    Address            String,
    Activity           LowCardinality(String),
    ByteCount          UInt64,
    WakeupCount        UInt64,
    WakelockDurationMs UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Address, Activity, Timestamp);
`

const createWakeupTable = `
CREATE TABLE IF NOT EXISTS wakeup_events (
    SnapshotID String,
    WakeupTime DateTime64(3),
    Activity   LowCardinality(String),
    Address    String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(WakeupTime)
ORDER BY (WakeupTime, Address);
`

// ClickHouseWriter stores attribution rows and wakeup events in ClickHouse.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects and ensures both tables exist.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (model.Writer, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	for _, stmt := range []string{createAttributionTable, createWakeupTable} {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	logutil.GetLogger().Info("connected to ClickHouse and ensured tables exist",
		zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &ClickHouseWriter{conn: conn}, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// Write inserts the rows and the drained wakeup entries in two batches.
func (w *ClickHouseWriter) Write(ctx context.Context, snapshot *model.AttributionSnapshot) error {
	if len(snapshot.Rows) > 0 {
		batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO attribution_rows")
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, values := range attributionColumns(snapshot) {
			if err := batch.Append(values...); err != nil {
				return fmt.Errorf("failed to append row to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	if len(snapshot.Wakeup.Entries) > 0 {
		batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO wakeup_events")
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, values := range wakeupColumns(snapshot) {
			if err := batch.Append(values...); err != nil {
				return fmt.Errorf("failed to append wakeup to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	logutil.GetLogger().Debug("wrote snapshot to ClickHouse",
		zap.String("snapshot_id", snapshot.ID),
		zap.Int("rows", len(snapshot.Rows)),
		zap.Int("wakeups", len(snapshot.Wakeup.Entries)))
	return nil
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// attributionColumns lays out the rows in attribution_rows column order.
func attributionColumns(s *model.AttributionSnapshot) [][]any {
	out := make([][]any, 0, len(s.Rows))
	for _, row := range s.Rows {
		out = append(out, []any{
			s.TakenAt,
			s.ID,
			row.Address,
			row.Activity,
			row.ByteCount,
			row.WakeupCount,
			row.WakelockDurationMs,
		})
	}
	return out
}

// wakeupColumns lays out the wakeup entries in wakeup_events column order.
func wakeupColumns(s *model.AttributionSnapshot) [][]any {
	out := make([][]any, 0, len(s.Wakeup.Entries))
	for _, e := range s.Wakeup.Entries {
		out = append(out, []any{
			s.ID,
			time.UnixMilli(e.WakeupTime).UTC(),
			e.Activity,
			e.Address,
		})
	}
	return out
}
