package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTopQuery(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	query, args, err := buildTopQuery(TopRequest{From: from, To: to, Activity: "acl", OrderBy: "byte_count", Limit: 5})
	require.NoError(t, err)

	assert.Contains(t, query, "WHERE Timestamp >= ? AND Timestamp <= ? AND Activity = ?")
	assert.Contains(t, query, "ORDER BY LatestByteCount DESC")
	assert.Contains(t, query, "LIMIT 5")
	assert.Equal(t, []any{from, to, "ACL"}, args)
}

func TestBuildTopQuery_Defaults(t *testing.T) {
	query, args, err := buildTopQuery(TopRequest{})
	require.NoError(t, err)

	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "ORDER BY LatestWakelockDurationMs DESC")
	assert.Contains(t, query, "LIMIT 10")
	assert.Empty(t, args)
}

func TestBuildTopQuery_RejectsUnknownInput(t *testing.T) {
	_, _, err := buildTopQuery(TopRequest{OrderBy: "Address; DROP TABLE attribution_rows"})
	assert.ErrorContains(t, err, "unsupported order_by")

	_, _, err = buildTopQuery(TopRequest{Activity: "teleport"})
	assert.ErrorContains(t, err, "unknown activity")
}

func TestBuildWakeupQuery(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	query, args := buildWakeupQuery(WakeupRequest{From: from})
	assert.Equal(t, "SELECT Activity, count() AS Count FROM wakeup_events WHERE WakeupTime >= ? GROUP BY Activity ORDER BY Count DESC, Activity", query)
	assert.Equal(t, []any{from}, args)
}
