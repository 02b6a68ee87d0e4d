// Package attribution apportions wakelock duration to the activities and
// peers that kept the radio busy, and records which activities consumed a
// processor wakeup.
package attribution

import (
	"Go2Attribution/internal/model"
	"Go2Attribution/pkg/ringbuffer"
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultWakeupLogCapacity is the number of wakeup events kept between dumps.
	DefaultWakeupLogCapacity = 200

	DumpTitle       = "----- BTAA Dumpsys -----"
	WakeupDumpTitle = "----- Wakeup Attribution Dumpsys -----"
)

// Processor holds the in-flight and cumulative attribution tables. It is not
// safe for concurrent use: every call must come from the same serial executor.
type Processor struct {
	inFlight   map[model.ActivityKey]*model.AttributionRecord
	cumulative map[model.ActivityKey]*model.AttributionRecord

	wakeupPending bool
	wakeups       *ringbuffer.TimestampedBuffer[model.WakeupEvent]

	now    func() time.Time
	logger *zap.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock sets the clock used to stamp wakeup events and snapshots.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the logger for informational conditions.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a processor whose wakeup log keeps wakeupLogCapacity events.
func NewProcessor(wakeupLogCapacity int, opts ...Option) (*Processor, error) {
	p := &Processor{
		inFlight:   make(map[model.ActivityKey]*model.AttributionRecord),
		cumulative: make(map[model.ActivityKey]*model.AttributionRecord),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	wakeups, err := ringbuffer.NewWithClock[model.WakeupEvent](wakeupLogCapacity, func() time.Time { return p.now() })
	if err != nil {
		return nil, err
	}
	p.wakeups = wakeups
	return p, nil
}

// OnActivityRecords accumulates a batch of records into the in-flight table.
// A pending wakeup is attributed to every record of the batch and is consumed
// once the batch is done.
func (p *Processor) OnActivityRecords(records []model.ActivityRecord) {
	for _, rec := range records {
		key := model.ActivityKey{Address: rec.Address, Activity: rec.Activity}
		bucket := lookupOrCreate(p.inFlight, key)
		bucket.ByteCount += rec.ByteCount

		if p.wakeupPending {
			bucket.WakeupCount++
			p.wakeups.Push(model.WakeupEvent{Activity: rec.Activity, Address: rec.Address})
		}
	}
	p.wakeupPending = false
}

// OnWakelockReleased splits durationMs across the in-flight buckets in
// proportion to their byte counts and merges them into the cumulative table.
// The per-byte share is floored; the remainder is dropped. When nothing was
// transferred the in-flight table is kept as is.
func (p *Processor) OnWakelockReleased(durationMs uint32) {
	var totalBytes uint64
	for _, bucket := range p.inFlight {
		totalBytes += bucket.ByteCount
	}

	if totalBytes == 0 {
		p.logger.Debug("wakelock released with no traffic, nothing to apportion",
			zap.Uint32("duration_ms", durationMs),
			zap.Int("in_flight_buckets", len(p.inFlight)))
		return
	}

	msPerByte := uint64(durationMs) / totalBytes
	for key, bucket := range p.inFlight {
		total := lookupOrCreate(p.cumulative, key)
		total.WakelockDurationMs += msPerByte * bucket.ByteCount
		total.ByteCount += bucket.ByteCount
		total.WakeupCount += bucket.WakeupCount
	}
	clear(p.inFlight)
}

// OnWakeup marks a wakeup as pending. Overlapping notifications collapse into one.
func (p *Processor) OnWakeup() {
	if p.wakeupPending {
		p.logger.Info("previous wakeup notification is not consumed")
	}
	p.wakeupPending = true
}

// Dump renders the cumulative table and drains the wakeup log. The cumulative
// table is left untouched.
func (p *Processor) Dump() *model.AttributionSnapshot {
	snapshot := &model.AttributionSnapshot{
		ID:      uuid.NewString(),
		Title:   DumpTitle,
		TakenAt: p.now(),
		Rows:    make([]model.AttributionRow, 0, len(p.cumulative)),
	}

	for _, key := range sortedKeys(p.cumulative) {
		rec := p.cumulative[key]
		snapshot.Rows = append(snapshot.Rows, model.AttributionRow{
			Address:            key.Address.String(),
			Activity:           key.Activity.String(),
			ByteCount:          rec.ByteCount,
			WakeupCount:        rec.WakeupCount,
			WakelockDurationMs: rec.WakelockDurationMs,
		})
	}

	drained := p.wakeups.Pull()
	entries := make([]model.WakeupEntry, len(drained))
	for i, e := range drained {
		entries[i] = model.WakeupEntry{
			WakeupTime: e.Timestamp.UnixMilli(),
			Activity:   e.Value.Activity.String(),
			Address:    e.Value.Address.String(),
		}
	}
	snapshot.Wakeup = model.WakeupAttribution{
		Title:     WakeupDumpTitle,
		NumWakeup: len(entries),
		Entries:   entries,
	}
	return snapshot
}

// WakeupPending reports whether a wakeup is waiting for the next batch.
func (p *Processor) WakeupPending() bool {
	return p.wakeupPending
}

// InFlightLen returns the number of buckets waiting for a wakelock release.
func (p *Processor) InFlightLen() int {
	return len(p.inFlight)
}

func lookupOrCreate(table map[model.ActivityKey]*model.AttributionRecord, key model.ActivityKey) *model.AttributionRecord {
	rec, ok := table[key]
	if !ok {
		rec = &model.AttributionRecord{}
		table[key] = rec
	}
	return rec
}

// sortedKeys orders keys by address, then activity, so dumps are stable.
func sortedKeys(table map[model.ActivityKey]*model.AttributionRecord) []model.ActivityKey {
	keys := make([]model.ActivityKey, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].Address[:], keys[j].Address[:]); c != 0 {
			return c < 0
		}
		return keys[i].Activity < keys[j].Activity
	})
	return keys
}
