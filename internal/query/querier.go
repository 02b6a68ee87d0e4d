package query

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/export"
	"Go2Attribution/internal/model"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const defaultLimit = 10

// TopRequest selects the buckets with the largest attribution in a time range.
type TopRequest struct {
	From     time.Time
	To       time.Time
	Activity string
	// OrderBy is one of byte_count, wakeup_count or wakelock_duration_ms.
	OrderBy string
	Limit   int
}

// TopEntry is the latest cumulative value of one bucket.
type TopEntry struct {
	Address            string    `json:"address"`
	Activity           string    `json:"activity"`
	ByteCount          uint64    `json:"byte_count"`
	WakeupCount        uint64    `json:"wakeup_count"`
	WakelockDurationMs uint64    `json:"wakelock_duration_ms"`
	LastSeen           time.Time `json:"last_seen"`
}

// WakeupRequest selects wakeup events in a time range.
type WakeupRequest struct {
	From time.Time
	To   time.Time
}

// WakeupCount is the number of wakeups triggered by one activity.
type WakeupCount struct {
	Activity string `json:"activity"`
	Count    uint64 `json:"count"`
}

// Querier defines the interface for querying exported attribution history.
type Querier interface {
	TopAttribution(ctx context.Context, req TopRequest) ([]TopEntry, error)
	WakeupsByActivity(ctx context.Context, req WakeupRequest) ([]WakeupCount, error)
	Close() error
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := export.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}

var orderColumns = map[string]string{
	"byte_count":           "LatestByteCount",
	"wakeup_count":         "LatestWakeupCount",
	"wakelock_duration_ms": "LatestWakelockDurationMs",
}

// buildTopQuery keeps the newest cumulative row of every bucket and ranks them.
func buildTopQuery(req TopRequest) (string, []any, error) {
	orderBy := req.OrderBy
	if orderBy == "" {
		orderBy = "wakelock_duration_ms"
	}
	column, ok := orderColumns[orderBy]
	if !ok {
		return "", nil, fmt.Errorf("unsupported order_by: %s, only byte_count, wakeup_count, wakelock_duration_ms are allowed", orderBy)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var whereClauses []string
	var args []any
	if !req.From.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, req.From)
	}
	if !req.To.IsZero() {
		whereClauses = append(whereClauses, "Timestamp <= ?")
		args = append(args, req.To)
	}
	if req.Activity != "" {
		activity, err := model.ParseActivity(req.Activity)
		if err != nil {
			return "", nil, err
		}
		whereClauses = append(whereClauses, "Activity = ?")
		args = append(args, activity.String())
	}

	var b strings.Builder
	b.WriteString(`
		SELECT
			Address,
			Activity,
			argMax(ByteCount, Timestamp) AS LatestByteCount,
			argMax(WakeupCount, Timestamp) AS LatestWakeupCount,
			argMax(WakelockDurationMs, Timestamp) AS LatestWakelockDurationMs,
			max(Timestamp) AS LastSeen
		FROM attribution_rows
	`)
	if len(whereClauses) > 0 {
		b.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}
	fmt.Fprintf(&b, `
		GROUP BY Address, Activity
		ORDER BY %s DESC, Address, Activity
		LIMIT %d
	`, column, limit)

	return b.String(), args, nil
}

// TopAttribution returns the buckets with the largest latest cumulative value.
func (q *clickhouseQuerier) TopAttribution(ctx context.Context, req TopRequest) ([]TopEntry, error) {
	query, args, err := buildTopQuery(req)
	if err != nil {
		return nil, err
	}

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var entries []TopEntry
	for rows.Next() {
		var e TopEntry
		if err := rows.Scan(&e.Address, &e.Activity, &e.ByteCount, &e.WakeupCount, &e.WakelockDurationMs, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan top attribution row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func buildWakeupQuery(req WakeupRequest) (string, []any) {
	var whereClauses []string
	var args []any
	if !req.From.IsZero() {
		whereClauses = append(whereClauses, "WakeupTime >= ?")
		args = append(args, req.From)
	}
	if !req.To.IsZero() {
		whereClauses = append(whereClauses, "WakeupTime <= ?")
		args = append(args, req.To)
	}

	var b strings.Builder
	b.WriteString("SELECT Activity, count() AS Count FROM wakeup_events")
	if len(whereClauses) > 0 {
		b.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}
	b.WriteString(" GROUP BY Activity ORDER BY Count DESC, Activity")
	return b.String(), args
}

// WakeupsByActivity counts the archived wakeup events per activity.
func (q *clickhouseQuerier) WakeupsByActivity(ctx context.Context, req WakeupRequest) ([]WakeupCount, error) {
	query, args := buildWakeupQuery(req)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var counts []WakeupCount
	for rows.Next() {
		var c WakeupCount
		if err := rows.Scan(&c.Activity, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan wakeup count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
