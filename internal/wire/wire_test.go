package wire

import (
	"Go2Attribution/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestActivityBatchRoundTrip(t *testing.T) {
	capturedAt := time.Date(2024, 3, 1, 10, 0, 0, 500_000_000, time.UTC)
	batch := &ActivityBatch{
		Records: []model.ActivityRecord{
			{Address: model.Address{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}, Activity: model.ActivityACL, ByteCount: 1021},
			{Address: model.Address{}, Activity: model.ActivityScan, ByteCount: 0},
		},
		CapturedAt: capturedAt,
	}

	data, err := MarshalActivityBatch(batch)
	require.NoError(t, err)

	msg, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, KindActivityBatch, msg.Kind)
	require.NotNil(t, msg.Batch)
	assert.Equal(t, batch.Records, msg.Batch.Records)
	assert.True(t, capturedAt.Equal(msg.Batch.CapturedAt))
	assert.Nil(t, msg.Release)
	assert.Nil(t, msg.Wakeup)
}

func TestEmptyBatchDecodesWithoutRecords(t *testing.T) {
	data, err := MarshalActivityBatch(&ActivityBatch{})
	require.NoError(t, err)

	msg, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Empty(t, msg.Batch.Records)
	assert.True(t, msg.Batch.CapturedAt.IsZero())
}

func TestSignals(t *testing.T) {
	data, err := MarshalWakelockRelease(&WakelockRelease{DurationMs: 4294967295})
	require.NoError(t, err)
	msg, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, KindWakelockRelease, msg.Kind)
	assert.Equal(t, uint32(4294967295), msg.Release.DurationMs)

	at := time.Unix(1700000000, 0).UTC()
	data, err = MarshalWakeup(&Wakeup{At: at})
	require.NoError(t, err)
	msg, err = Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, KindWakeup, msg.Kind)
	assert.True(t, at.Equal(msg.Wakeup.At))
}

func TestUnmarshalErrors(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		_, err := Unmarshal(envelope(Kind(42), nil))
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})

	t.Run("missing kind", func(t *testing.T) {
		_, err := Unmarshal(nil)
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})

	t.Run("truncated envelope", func(t *testing.T) {
		data, err := MarshalWakelockRelease(&WakelockRelease{DurationMs: 10})
		require.NoError(t, err)
		_, err = Unmarshal(data[:len(data)-1])
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("bad address width", func(t *testing.T) {
		var rec []byte
		rec = protowire.AppendTag(rec, 1, protowire.BytesType)
		rec = protowire.AppendBytes(rec, []byte{1, 2, 3})
		var payload []byte
		payload = protowire.AppendTag(payload, 1, protowire.BytesType)
		payload = protowire.AppendBytes(payload, rec)

		_, err := Unmarshal(envelope(KindActivityBatch, payload))
		assert.ErrorContains(t, err, "address has 3 bytes")
	})

	for _, activity := range []uint64{uint64(model.ActivityVendor) + 1, 257} {
		t.Run("activity out of range", func(t *testing.T) {
			var rec []byte
			rec = protowire.AppendTag(rec, 1, protowire.BytesType)
			rec = protowire.AppendBytes(rec, make([]byte, model.AddressSize))
			rec = protowire.AppendTag(rec, 2, protowire.VarintType)
			rec = protowire.AppendVarint(rec, activity)
			var payload []byte
			payload = protowire.AppendTag(payload, 1, protowire.BytesType)
			payload = protowire.AppendBytes(payload, rec)

			_, err := Unmarshal(envelope(KindActivityBatch, payload))
			assert.ErrorIs(t, err, ErrInvalidActivity)
		})
	}
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	var payload []byte
	payload = protowire.AppendTag(payload, 9, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("future"))
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 250)

	msg, err := Unmarshal(envelope(KindWakelockRelease, payload))
	require.NoError(t, err)
	assert.Equal(t, uint32(250), msg.Release.DurationMs)
}
