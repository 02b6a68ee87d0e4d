package api

import (
	"Go2Attribution/internal/engine/manager"
	"Go2Attribution/internal/export"
	"Go2Attribution/internal/model"
	"Go2Attribution/internal/query"
	"Go2Attribution/pkg/logutil"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Dumper exports the current attribution snapshot.
type Dumper interface {
	Dump(ctx context.Context) (*model.AttributionSnapshot, error)
}

// Handler holds the dependencies for API handlers.
type Handler struct {
	dumper   Dumper
	sink     model.Sink
	querier  query.Querier
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates the API handler. querier may be nil, in which case the
// history endpoints are not registered.
func NewHandler(dumper Dumper, sink model.Sink, querier query.Querier) *Handler {
	return &Handler{
		dumper:   dumper,
		sink:     sink,
		querier:  querier,
		validate: validator.New(),
		logger:   logutil.GetLogger(),
	}
}

// Router returns the routes of the API.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/dump", h.dumpHandler).Methods(http.MethodGet)
	v1.HandleFunc("/records", h.recordsHandler).Methods(http.MethodPost)
	v1.HandleFunc("/wakeup", h.wakeupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/wakelock/release", h.releaseHandler).Methods(http.MethodPost)
	if h.querier != nil {
		v1.HandleFunc("/history/top", h.topHandler).Methods(http.MethodGet)
		v1.HandleFunc("/history/wakeups", h.wakeupHistoryHandler).Methods(http.MethodGet)
	}
	r.Use(h.logRequests)
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("request served",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
	})
}

// dumpHandler exports a snapshot. The wakeup log is drained by every dump.
func (h *Handler) dumpHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.dumper.Dump(r.Context())
	if err != nil {
		h.engineError(w, "failed to dump attribution", err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := export.RenderText(w, snapshot); err != nil {
			h.logger.Warn("failed to render dump", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type recordRequest struct {
	Address   string  `json:"address" validate:"required"`
	Activity  string  `json:"activity" validate:"required"`
	ByteCount *uint64 `json:"byte_count" validate:"required"`
}

type recordsRequest struct {
	Records []recordRequest `validate:"dive"`
}

// recordsHandler ingests a batch of activity records.
func (h *Handler) recordsHandler(w http.ResponseWriter, r *http.Request) {
	var req recordsRequest
	if err := decodeBody(r, &req.Records); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, fmt.Sprintf("invalid records: %v", err), http.StatusBadRequest)
		return
	}

	records := make([]model.ActivityRecord, 0, len(req.Records))
	for i, rr := range req.Records {
		addr, err := model.ParseAddress(rr.Address)
		if err != nil {
			http.Error(w, fmt.Sprintf("record %d: %v", i, err), http.StatusBadRequest)
			return
		}
		activity, err := model.ParseActivity(rr.Activity)
		if err != nil {
			http.Error(w, fmt.Sprintf("record %d: %v", i, err), http.StatusBadRequest)
			return
		}
		records = append(records, model.ActivityRecord{Address: addr, Activity: activity, ByteCount: *rr.ByteCount})
	}

	if err := h.sink.IngestRecords(records); err != nil {
		h.engineError(w, "failed to ingest records", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(records)})
}

func (h *Handler) wakeupHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.sink.NotifyWakeup(); err != nil {
		h.engineError(w, "failed to notify wakeup", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type releaseRequest struct {
	DurationMs *uint64 `json:"duration_ms" validate:"required,max=4294967295"`
}

func (h *Handler) releaseHandler(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.sink.ReleaseWakelock(uint32(*req.DurationMs)); err != nil {
		h.engineError(w, "failed to release wakelock", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// topHandler serves the buckets with the largest archived attribution.
func (h *Handler) topHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := query.TopRequest{
		From:     from,
		To:       to,
		Activity: r.URL.Query().Get("activity"),
		OrderBy:  r.URL.Query().Get("order_by"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if req.Limit, err = strconv.Atoi(raw); err != nil {
			http.Error(w, fmt.Sprintf("invalid limit: %v", err), http.StatusBadRequest)
			return
		}
	}

	entries, err := h.querier.TopAttribution(r.Context(), req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query history: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) wakeupHistoryHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	counts, err := h.querier.WakeupsByActivity(r.Context(), query.WakeupRequest{From: from, To: to})
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query history: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wakeups": counts})
}

func (h *Handler) engineError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, manager.ErrEngineStopped) {
		status = http.StatusServiceUnavailable
	} else if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = http.StatusGatewayTimeout
	}
	h.logger.Warn(msg, zap.Error(err))
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
}

func timeRange(r *http.Request) (from, to time.Time, err error) {
	parse := func(name string) (time.Time, error) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s: %w", name, err)
		}
		return t, nil
	}
	if from, err = parse("from"); err != nil {
		return
	}
	to, err = parse("to")
	return
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logutil.GetLogger().Warn("failed to encode response", zap.Error(err))
	}
}
