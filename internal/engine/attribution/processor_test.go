package attribution

import (
	"Go2Attribution/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	addrA = model.Address{0x00, 0x11, 0x22, 0x33, 0x44, 0x0a}
	addrB = model.Address{0x00, 0x11, 0x22, 0x33, 0x44, 0x0b}
	addrC = model.Address{0x00, 0x11, 0x22, 0x33, 0x44, 0x0c}
)

func newTestProcessor(t *testing.T, capacity int, opts ...Option) *Processor {
	t.Helper()
	p, err := NewProcessor(capacity, opts...)
	require.NoError(t, err)
	return p
}

func rowFor(t *testing.T, s *model.AttributionSnapshot, addr model.Address, activity model.Activity) model.AttributionRow {
	t.Helper()
	for _, row := range s.Rows {
		if row.Address == addr.String() && row.Activity == activity.String() {
			return row
		}
	}
	t.Fatalf("no row for %s/%s in %+v", addr, activity, s.Rows)
	return model.AttributionRow{}
}

func TestNewProcessor_InvalidCapacity(t *testing.T) {
	_, err := NewProcessor(0)
	assert.Error(t, err)
}

func TestOnActivityRecords_SumsBytesPerKey(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	p.OnActivityRecords([]model.ActivityRecord{
		{Address: addrA, Activity: model.ActivityACL, ByteCount: 10},
		{Address: addrA, Activity: model.ActivityACL, ByteCount: 20},
		{Address: addrA, Activity: model.ActivityScan, ByteCount: 5},
	})
	p.OnActivityRecords([]model.ActivityRecord{
		{Address: addrA, Activity: model.ActivityACL, ByteCount: 30},
	})

	key := model.ActivityKey{Address: addrA, Activity: model.ActivityACL}
	require.Contains(t, p.inFlight, key)
	assert.Equal(t, uint64(60), p.inFlight[key].ByteCount)
	assert.Equal(t, 2, p.InFlightLen())
}

func TestOnActivityRecords_EmptyBatchIsNoop(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)
	p.OnActivityRecords(nil)
	assert.Equal(t, 0, p.InFlightLen())
	assert.Equal(t, 0, p.wakeups.Len())
}

func TestOnWakelockReleased_ProportionalApportionment(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	p.OnActivityRecords([]model.ActivityRecord{
		{Address: addrA, Activity: model.ActivityScan, ByteCount: 100},
		{Address: addrB, Activity: model.ActivityScan, ByteCount: 300},
	})
	p.OnWakelockReleased(4000)

	assert.Equal(t, 0, p.InFlightLen())
	s := p.Dump()
	require.Len(t, s.Rows, 2)

	a := rowFor(t, s, addrA, model.ActivityScan)
	assert.Equal(t, uint64(1000), a.WakelockDurationMs)
	assert.Equal(t, uint64(100), a.ByteCount)

	b := rowFor(t, s, addrB, model.ActivityScan)
	assert.Equal(t, uint64(3000), b.WakelockDurationMs)
	assert.Equal(t, uint64(300), b.ByteCount)
}

func TestOnWakelockReleased_FloorTruncation(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	p.OnActivityRecords([]model.ActivityRecord{
		{Address: addrA, Activity: model.ActivityScan, ByteCount: 100},
		{Address: addrB, Activity: model.ActivityScan, ByteCount: 300},
	})
	p.OnWakelockReleased(40)

	s := p.Dump()
	assert.Equal(t, uint64(0), rowFor(t, s, addrA, model.ActivityScan).WakelockDurationMs)
	assert.Equal(t, uint64(0), rowFor(t, s, addrB, model.ActivityScan).WakelockDurationMs)
	// Bytes are still merged even though no duration was attributed.
	assert.Equal(t, uint64(100), rowFor(t, s, addrA, model.ActivityScan).ByteCount)
	assert.Equal(t, 0, p.InFlightLen())
}

func TestOnWakelockReleased_ConservationBound(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	p.OnActivityRecords([]model.ActivityRecord{
		{Address: addrA, Activity: model.ActivityACL, ByteCount: 7},
		{Address: addrB, Activity: model.ActivityACL, ByteCount: 11},
		{Address: addrC, Activity: model.ActivityHFP, ByteCount: 13},
	})
	const duration = 1000
	p.OnWakelockReleased(duration)

	s := p.Dump()
	msPerByte := uint64(duration / 31)
	var sum uint64
	for _, row := range s.Rows {
		assert.Equal(t, msPerByte*row.ByteCount, row.WakelockDurationMs)
		sum += row.WakelockDurationMs
	}
	assert.LessOrEqual(t, sum, uint64(duration))
}

func TestOnWakelockReleased_AccumulatesAcrossCycles(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	p.OnActivityRecords([]model.ActivityRecord{{Address: addrA, Activity: model.ActivityACL, ByteCount: 10}})
	p.OnWakelockReleased(100)
	p.OnActivityRecords([]model.ActivityRecord{{Address: addrA, Activity: model.ActivityACL, ByteCount: 20}})
	p.OnWakelockReleased(100)

	row := rowFor(t, p.Dump(), addrA, model.ActivityACL)
	assert.Equal(t, uint64(30), row.ByteCount)
	assert.Equal(t, uint64(100+100), row.WakelockDurationMs)
}

func TestOnWakelockReleased_ZeroBytesLeavesTablesUntouched(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	p.OnWakeup()
	p.OnActivityRecords([]model.ActivityRecord{{Address: addrA, Activity: model.ActivityControl, ByteCount: 0}})
	require.Equal(t, 1, p.InFlightLen())

	p.OnWakelockReleased(5000)

	assert.Equal(t, 1, p.InFlightLen())
	key := model.ActivityKey{Address: addrA, Activity: model.ActivityControl}
	assert.Equal(t, uint64(1), p.inFlight[key].WakeupCount)
	assert.Empty(t, p.Dump().Rows)
}

func TestOnWakelockReleased_ZeroByteBucketsFlushOnNextTrafficCycle(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	// Several wakeups with no traffic keep piling up in the same in-flight bucket.
	for i := 0; i < 3; i++ {
		p.OnWakeup()
		p.OnActivityRecords([]model.ActivityRecord{{Address: addrA, Activity: model.ActivityControl}})
		p.OnWakelockReleased(1000)
	}
	assert.Equal(t, 1, p.InFlightLen())

	p.OnActivityRecords([]model.ActivityRecord{{Address: addrB, Activity: model.ActivityACL, ByteCount: 10}})
	p.OnWakelockReleased(1000)

	assert.Equal(t, 0, p.InFlightLen())
	s := p.Dump()
	stuck := rowFor(t, s, addrA, model.ActivityControl)
	assert.Equal(t, uint64(3), stuck.WakeupCount)
	assert.Equal(t, uint64(0), stuck.WakelockDurationMs)
	assert.Equal(t, uint64(1000), rowFor(t, s, addrB, model.ActivityACL).WakelockDurationMs)
}

func TestOnWakeup_CollapsesOverlappingNotifications(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := newTestProcessor(t, DefaultWakeupLogCapacity, WithLogger(zap.New(core)))

	p.OnWakeup()
	p.OnWakeup()
	assert.True(t, p.WakeupPending())
	assert.Equal(t, 1, logs.FilterMessage("previous wakeup notification is not consumed").Len())

	p.OnActivityRecords([]model.ActivityRecord{{Address: addrA, Activity: model.ActivityACL, ByteCount: 1}})
	key := model.ActivityKey{Address: addrA, Activity: model.ActivityACL}
	assert.Equal(t, uint64(1), p.inFlight[key].WakeupCount)
	assert.False(t, p.WakeupPending())
	assert.Equal(t, 1, p.wakeups.Len())
}

func TestOnActivityRecords_WakeupAttributedToWholeBatch(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	p.OnWakeup()
	p.OnActivityRecords([]model.ActivityRecord{
		{Address: addrA, Activity: model.ActivityACL, ByteCount: 1},
		{Address: addrB, Activity: model.ActivityScan, ByteCount: 1},
	})
	p.OnActivityRecords([]model.ActivityRecord{
		{Address: addrA, Activity: model.ActivityACL, ByteCount: 1},
	})

	assert.Equal(t, uint64(1), p.inFlight[model.ActivityKey{Address: addrA, Activity: model.ActivityACL}].WakeupCount)
	assert.Equal(t, uint64(1), p.inFlight[model.ActivityKey{Address: addrB, Activity: model.ActivityScan}].WakeupCount)
	assert.Equal(t, 2, p.wakeups.Len())
}

func TestOnActivityRecords_EmptyBatchConsumesWakeup(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)
	p.OnWakeup()
	p.OnActivityRecords(nil)
	assert.False(t, p.WakeupPending())
	assert.Equal(t, 0, p.wakeups.Len())
}

func TestWakeupScenario_SingleRecord(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProcessor(t, DefaultWakeupLogCapacity, WithClock(func() time.Time { return at }))

	p.OnWakeup()
	p.OnActivityRecords([]model.ActivityRecord{{Address: addrC, Activity: model.ActivityInquiry, ByteCount: 50}})
	assert.False(t, p.WakeupPending())

	s := p.Dump()
	require.Equal(t, 1, s.Wakeup.NumWakeup)
	require.Len(t, s.Wakeup.Entries, 1)
	entry := s.Wakeup.Entries[0]
	assert.Equal(t, at.UnixMilli(), entry.WakeupTime)
	assert.Equal(t, "INQUIRY", entry.Activity)
	assert.Equal(t, addrC.String(), entry.Address)
	assert.Equal(t, "----- Wakeup Attribution Dumpsys -----", s.Wakeup.Title)
	assert.Equal(t, "----- BTAA Dumpsys -----", s.Title)
}

func TestWakeupLog_EvictsOldest(t *testing.T) {
	p := newTestProcessor(t, 2)

	for _, addr := range []model.Address{addrA, addrB, addrC} {
		p.OnWakeup()
		p.OnActivityRecords([]model.ActivityRecord{{Address: addr, Activity: model.ActivityACL, ByteCount: 1}})
	}

	s := p.Dump()
	require.Equal(t, 2, s.Wakeup.NumWakeup)
	assert.Equal(t, addrB.String(), s.Wakeup.Entries[0].Address)
	assert.Equal(t, addrC.String(), s.Wakeup.Entries[1].Address)
}

func TestDump_CumulativePersistsWakeupLogDrains(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)

	p.OnWakeup()
	p.OnActivityRecords([]model.ActivityRecord{{Address: addrA, Activity: model.ActivityACL, ByteCount: 10}})
	p.OnWakelockReleased(100)

	first := p.Dump()
	second := p.Dump()

	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, 1, first.Wakeup.NumWakeup)
	assert.Equal(t, 0, second.Wakeup.NumWakeup)
	assert.Empty(t, second.Wakeup.Entries)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDump_RowsAreSorted(t *testing.T) {
	p := newTestProcessor(t, DefaultWakeupLogCapacity)
	p.OnActivityRecords([]model.ActivityRecord{
		{Address: addrC, Activity: model.ActivityACL, ByteCount: 1},
		{Address: addrA, Activity: model.ActivityScan, ByteCount: 1},
		{Address: addrA, Activity: model.ActivityACL, ByteCount: 1},
	})
	p.OnWakelockReleased(3)

	rows := p.Dump().Rows
	require.Len(t, rows, 3)
	assert.Equal(t, addrA.String(), rows[0].Address)
	assert.Equal(t, "ACL", rows[0].Activity)
	assert.Equal(t, "SCAN", rows[1].Activity)
	assert.Equal(t, addrC.String(), rows[2].Address)
}
