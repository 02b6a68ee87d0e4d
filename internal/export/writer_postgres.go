package export

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/factory"
	"Go2Attribution/internal/model"
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func init() {
	factory.RegisterWriter("postgres", func(def config.WriterDef) (model.Writer, error) {
		return NewPostgresWriter(def.Postgres)
	})
}

const createPostgresTable = `
CREATE TABLE IF NOT EXISTS attribution_rows (
    taken_at             TIMESTAMPTZ NOT NULL,
    snapshot_id          TEXT        NOT NULL,
    address              TEXT        NOT NULL,
    activity             TEXT        NOT NULL,
    byte_count           BIGINT      NOT NULL,
    wakeup_count         BIGINT      NOT NULL,
    wakelock_duration_ms BIGINT      NOT NULL
)`

var postgresColumns = []string{
	"taken_at", "snapshot_id", "address", "activity",
	"byte_count", "wakeup_count", "wakelock_duration_ms",
}

// PostgresWriter copies attribution rows into PostgreSQL.
type PostgresWriter struct {
	db *pgxpool.Pool
}

// NewPostgresWriter opens a pool and ensures the table exists.
func NewPostgresWriter(cfg config.PostgresConfig) (model.Writer, error) {
	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if _, err := db.Exec(ctx, createPostgresTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &PostgresWriter{db: db}, nil
}

func (w *PostgresWriter) Name() string { return "postgres" }

// Write bulk inserts the rows of the snapshot.
func (w *PostgresWriter) Write(ctx context.Context, snapshot *model.AttributionSnapshot) error {
	rows := postgresRows(snapshot)
	if len(rows) == 0 {
		return nil
	}

	_, err := w.db.CopyFrom(
		ctx,
		pgx.Identifier{"attribution_rows"},
		postgresColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy attribution rows: %w", err)
	}
	return nil
}

func (w *PostgresWriter) Close() error {
	w.db.Close()
	return nil
}

func postgresRows(s *model.AttributionSnapshot) [][]any {
	rows := make([][]any, len(s.Rows))
	for i, row := range s.Rows {
		rows[i] = []any{
			s.TakenAt,
			s.ID,
			row.Address,
			row.Activity,
			int64(row.ByteCount),
			int64(row.WakeupCount),
			int64(row.WakelockDurationMs),
		}
	}
	return rows
}
