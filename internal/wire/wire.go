// Package wire encodes the messages exchanged between probes and the engine
// using the protobuf wire format.
//
//	message Record          { bytes address = 1; uint32 activity = 2; uint64 byte_count = 3; }
//	message ActivityBatch   { repeated Record records = 1; google.protobuf.Timestamp captured_at = 2; }
//	message WakelockRelease { uint32 duration_ms = 1; }
//	message Wakeup          { google.protobuf.Timestamp at = 1; }
//	message Envelope        { Kind kind = 1; bytes payload = 2; }
package wire

import (
	"Go2Attribution/internal/model"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Kind identifies the payload carried by an Envelope.
type Kind uint32

const (
	KindUnspecified Kind = iota
	KindActivityBatch
	KindWakelockRelease
	KindWakeup
)

func (k Kind) String() string {
	switch k {
	case KindActivityBatch:
		return "activity_batch"
	case KindWakelockRelease:
		return "wakelock_release"
	case KindWakeup:
		return "wakeup"
	default:
		return "unspecified"
	}
}

var (
	ErrTruncated       = errors.New("wire: truncated message")
	ErrUnknownMessage  = errors.New("wire: unknown message kind")
	ErrInvalidActivity = errors.New("wire: activity out of range")
)

// ActivityBatch is a batch of activity records captured together.
type ActivityBatch struct {
	Records    []model.ActivityRecord
	CapturedAt time.Time
}

// WakelockRelease carries the duration of a released wakelock.
type WakelockRelease struct {
	DurationMs uint32
}

// Wakeup signals a processor wakeup.
type Wakeup struct {
	At time.Time
}

// Message is one decoded envelope; exactly one payload field is set.
type Message struct {
	Kind    Kind
	Batch   *ActivityBatch
	Release *WakelockRelease
	Wakeup  *Wakeup
}

// MarshalActivityBatch encodes a batch inside an envelope.
func MarshalActivityBatch(b *ActivityBatch) ([]byte, error) {
	var payload []byte
	for _, rec := range b.Records {
		var r []byte
		r = protowire.AppendTag(r, 1, protowire.BytesType)
		r = protowire.AppendBytes(r, rec.Address[:])
		r = protowire.AppendTag(r, 2, protowire.VarintType)
		r = protowire.AppendVarint(r, uint64(rec.Activity))
		r = protowire.AppendTag(r, 3, protowire.VarintType)
		r = protowire.AppendVarint(r, rec.ByteCount)

		payload = protowire.AppendTag(payload, 1, protowire.BytesType)
		payload = protowire.AppendBytes(payload, r)
	}

	var err error
	if payload, err = appendTimestamp(payload, 2, b.CapturedAt); err != nil {
		return nil, err
	}
	return envelope(KindActivityBatch, payload), nil
}

// MarshalWakelockRelease encodes a release signal inside an envelope.
func MarshalWakelockRelease(r *WakelockRelease) ([]byte, error) {
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(r.DurationMs))
	return envelope(KindWakelockRelease, payload), nil
}

// MarshalWakeup encodes a wakeup signal inside an envelope.
func MarshalWakeup(w *Wakeup) ([]byte, error) {
	payload, err := appendTimestamp(nil, 1, w.At)
	if err != nil {
		return nil, err
	}
	return envelope(KindWakeup, payload), nil
}

// Unmarshal decodes an envelope and its payload. Unknown fields are skipped.
func Unmarshal(data []byte) (*Message, error) {
	var kind Kind
	var payload []byte

	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			kind = Kind(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			payload = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}

	msg := &Message{Kind: kind}
	switch kind {
	case KindActivityBatch:
		msg.Batch, err = unmarshalBatch(payload)
	case KindWakelockRelease:
		msg.Release, err = unmarshalRelease(payload)
	case KindWakeup:
		msg.Wakeup, err = unmarshalWakeup(payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	return msg, nil
}

func envelope(kind Kind, payload []byte) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(kind))
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, payload)
	return out
}

func unmarshalBatch(data []byte) (*ActivityBatch, error) {
	batch := &ActivityBatch{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			rec, err := unmarshalRecord(v)
			if err != nil {
				return 0, err
			}
			batch.Records = append(batch.Records, rec)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			ts, err := unmarshalTimestamp(v)
			if err != nil {
				return 0, err
			}
			batch.CapturedAt = ts
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return batch, err
}

func unmarshalRecord(data []byte) (model.ActivityRecord, error) {
	var rec model.ActivityRecord
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 && len(v) != model.AddressSize {
				return 0, fmt.Errorf("address has %d bytes, want %d", len(v), model.AddressSize)
			}
			copy(rec.Address[:], v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > uint64(model.ActivityVendor) {
				return 0, fmt.Errorf("%w: %d", ErrInvalidActivity, v)
			}
			rec.Activity = model.Activity(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rec.ByteCount = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return rec, err
}

func unmarshalRelease(data []byte) (*WakelockRelease, error) {
	r := &WakelockRelease{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if v > uint64(^uint32(0)) {
				return 0, fmt.Errorf("duration_ms %d overflows uint32", v)
			}
			r.DurationMs = uint32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return r, err
}

func unmarshalWakeup(data []byte) (*Wakeup, error) {
	w := &Wakeup{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			ts, err := unmarshalTimestamp(v)
			if err != nil {
				return 0, err
			}
			w.At = ts
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return w, err
}

// walk iterates over the fields of a message. The callback consumes the field
// value and returns the number of bytes used, or a negative protowire error code.
func walk(data []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		data = data[n:]

		m, err := field(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func appendTimestamp(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	ts, err := proto.Marshal(timestamppb.New(t))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, ts), nil
}

func unmarshalTimestamp(b []byte) (time.Time, error) {
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(b, &ts); err != nil {
		return time.Time{}, fmt.Errorf("failed to unmarshal timestamp: %w", err)
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}
