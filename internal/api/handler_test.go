package api

import (
	"Go2Attribution/internal/engine/manager"
	"Go2Attribution/internal/model"
	"Go2Attribution/internal/query"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	records  [][]model.ActivityRecord
	releases []uint32
	wakeups  int
	err      error
	snapshot *model.AttributionSnapshot
}

func (f *fakeEngine) Dump(context.Context) (*model.AttributionSnapshot, error) {
	return f.snapshot, f.err
}

func (f *fakeEngine) IngestRecords(records []model.ActivityRecord) error {
	f.records = append(f.records, records)
	return f.err
}

func (f *fakeEngine) ReleaseWakelock(durationMs uint32) error {
	f.releases = append(f.releases, durationMs)
	return f.err
}

func (f *fakeEngine) NotifyWakeup() error {
	f.wakeups++
	return f.err
}

type fakeQuerier struct {
	topReq query.TopRequest
}

func (q *fakeQuerier) TopAttribution(_ context.Context, req query.TopRequest) ([]query.TopEntry, error) {
	q.topReq = req
	return []query.TopEntry{{Address: "aa:bb:cc:dd:ee:01", Activity: "ACL", WakelockDurationMs: 900}}, nil
}

func (q *fakeQuerier) WakeupsByActivity(context.Context, query.WakeupRequest) ([]query.WakeupCount, error) {
	return []query.WakeupCount{{Activity: "SCAN", Count: 3}}, nil
}

func (q *fakeQuerier) Close() error { return nil }

func sampleSnapshot() *model.AttributionSnapshot {
	return &model.AttributionSnapshot{
		ID:    "snap-1",
		Title: "----- BTAA Dumpsys -----",
		Rows: []model.AttributionRow{
			{Address: "aa:bb:cc:dd:ee:01", Activity: "ACL", ByteCount: 100, WakeupCount: 1, WakelockDurationMs: 1000},
		},
		Wakeup: model.WakeupAttribution{
			Title:     "----- Wakeup Attribution Dumpsys -----",
			NumWakeup: 1,
			Entries:   []model.WakeupEntry{{WakeupTime: 1700000000000, Activity: "ACL", Address: "aa:bb:cc:dd:ee:01"}},
		},
	}
}

func serve(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestDump_JSON(t *testing.T) {
	engine := &fakeEngine{snapshot: sampleSnapshot()}
	rec := serve(NewHandler(engine, engine, nil), http.MethodGet, "/api/v1/dump", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got model.AttributionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, sampleSnapshot().Rows, got.Rows)
	assert.Equal(t, 1, got.Wakeup.NumWakeup)
}

func TestDump_Text(t *testing.T) {
	engine := &fakeEngine{snapshot: sampleSnapshot()}
	rec := serve(NewHandler(engine, engine, nil), http.MethodGet, "/api/v1/dump?format=text", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "----- BTAA Dumpsys -----")
	assert.Contains(t, rec.Body.String(), "aa:bb:cc:dd:ee:01")
}

func TestDump_EngineStopped(t *testing.T) {
	engine := &fakeEngine{err: manager.ErrEngineStopped}
	rec := serve(NewHandler(engine, engine, nil), http.MethodGet, "/api/v1/dump", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecords(t *testing.T) {
	engine := &fakeEngine{}
	h := NewHandler(engine, engine, nil)

	rec := serve(h, http.MethodPost, "/api/v1/records",
		`[{"address":"AA:BB:CC:DD:EE:01","activity":"acl","byte_count":100},{"address":"00:00:00:00:00:02","activity":"SCAN","byte_count":0}]`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, engine.records, 1)
	assert.Equal(t, []model.ActivityRecord{
		{Address: model.Address{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}, Activity: model.ActivityACL, ByteCount: 100},
		{Address: model.Address{0, 0, 0, 0, 0, 2}, Activity: model.ActivityScan, ByteCount: 0},
	}, engine.records[0])
}

func TestRecords_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":        `{`,
		"missing byte":    `[{"address":"aa:bb:cc:dd:ee:01","activity":"ACL"}]`,
		"bad address":     `[{"address":"aa:bb","activity":"ACL","byte_count":1}]`,
		"bad activity":    `[{"address":"aa:bb:cc:dd:ee:01","activity":"TELEPORT","byte_count":1}]`,
		"unknown field":   `[{"address":"aa:bb:cc:dd:ee:01","activity":"ACL","byte_count":1,"rssi":-40}]`,
		"negative count":  `[{"address":"aa:bb:cc:dd:ee:01","activity":"ACL","byte_count":-1}]`,
		"missing address": `[{"activity":"ACL","byte_count":1}]`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			engine := &fakeEngine{}
			rec := serve(NewHandler(engine, engine, nil), http.MethodPost, "/api/v1/records", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, engine.records)
		})
	}
}

func TestSignals(t *testing.T) {
	engine := &fakeEngine{}
	h := NewHandler(engine, engine, nil)

	assert.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/api/v1/wakeup", "").Code)
	assert.Equal(t, 1, engine.wakeups)

	assert.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/api/v1/wakelock/release", `{"duration_ms":4294967295}`).Code)
	assert.Equal(t, []uint32{4294967295}, engine.releases)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/v1/wakelock/release", `{"duration_ms":4294967296}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/v1/wakelock/release", `{}`).Code)
	assert.Len(t, engine.releases, 1)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/api/v1/wakeup", "").Code)
}

func TestHistory(t *testing.T) {
	engine := &fakeEngine{}
	q := &fakeQuerier{}
	h := NewHandler(engine, engine, q)

	rec := serve(h, http.MethodGet, "/api/v1/history/top?from=2024-01-01T00:00:00Z&activity=ACL&order_by=byte_count&limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), q.topReq.From)
	assert.Equal(t, "ACL", q.topReq.Activity)
	assert.Equal(t, "byte_count", q.topReq.OrderBy)
	assert.Equal(t, 3, q.topReq.Limit)
	assert.Contains(t, rec.Body.String(), `"wakelock_duration_ms":900`)

	rec = serve(h, http.MethodGet, "/api/v1/history/wakeups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"activity":"SCAN"`)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/v1/history/top?from=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/v1/history/top?limit=ten", "").Code)
}

func TestHistory_NotRegisteredWithoutQuerier(t *testing.T) {
	engine := &fakeEngine{}
	rec := serve(NewHandler(engine, engine, nil), http.MethodGet, "/api/v1/history/top", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
