package model

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Activity is the category of radio activity a packet is attributed to.
type Activity uint8

const (
	ActivityUnknown Activity = iota
	ActivityACL
	ActivityAdvertise
	ActivityConnect
	ActivityControl
	ActivityHFP
	ActivityISO
	ActivityScan
	ActivityInquiry
	ActivityVendor
)

var activityLabels = [...]string{
	ActivityUnknown:   "UNKNOWN",
	ActivityACL:       "ACL",
	ActivityAdvertise: "ADVERTISE",
	ActivityConnect:   "CONNECT",
	ActivityControl:   "CONTROL",
	ActivityHFP:       "HFP",
	ActivityISO:       "ISO",
	ActivityScan:      "SCAN",
	ActivityInquiry:   "INQUIRY",
	ActivityVendor:    "VENDOR",
}

// String returns the human-readable label used in dumps.
func (a Activity) String() string {
	if int(a) < len(activityLabels) {
		return activityLabels[a]
	}
	return activityLabels[ActivityUnknown]
}

// ParseActivity maps a label back to its Activity. Matching is case-insensitive.
func ParseActivity(s string) (Activity, error) {
	for i, label := range activityLabels {
		if strings.EqualFold(label, s) {
			return Activity(i), nil
		}
	}
	return ActivityUnknown, fmt.Errorf("unknown activity: '%s'", s)
}

// AddressSize is the width of a peer address in bytes.
const AddressSize = 6

// Address is a fixed-width peer identifier, stored most significant byte first.
type Address [AddressSize]byte

// String renders the address as colon separated lowercase hex.
func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseAddress parses "aa:bb:cc:dd:ee:ff" (either case).
func ParseAddress(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ":")
	if len(parts) != AddressSize {
		return addr, fmt.Errorf("invalid address '%s': expected %d octets", s, AddressSize)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return addr, fmt.Errorf("invalid address '%s': bad octet '%s'", s, p)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return addr, fmt.Errorf("invalid address '%s': %w", s, err)
		}
		addr[i] = b[0]
	}
	return addr, nil
}

// AddressFromLE builds an Address from the little-endian byte order used on the HCI wire.
func AddressFromLE(b []byte) Address {
	var addr Address
	for i := 0; i < AddressSize && i < len(b); i++ {
		addr[AddressSize-1-i] = b[i]
	}
	return addr
}

// ActivityKey identifies one attribution bucket.
type ActivityKey struct {
	Address  Address
	Activity Activity
}

// ActivityRecord is a single observation produced by the capture layer.
type ActivityRecord struct {
	Address   Address
	Activity  Activity
	ByteCount uint64
}

// AttributionRecord accumulates the contributions attributed to one key.
type AttributionRecord struct {
	ByteCount          uint64
	WakeupCount        uint64
	WakelockDurationMs uint64
}

// WakeupEvent describes the activity that consumed a pending wakeup.
type WakeupEvent struct {
	Activity Activity
	Address  Address
}

// AttributionRow is one rendered bucket of the cumulative table.
type AttributionRow struct {
	Address            string `json:"address"`
	Activity           string `json:"activity"`
	ByteCount          uint64 `json:"byte_count"`
	WakeupCount        uint64 `json:"wakeup_count"`
	WakelockDurationMs uint64 `json:"wakelock_duration_ms"`
}

// WakeupEntry is one rendered wakeup event. WakeupTime is in Unix milliseconds.
type WakeupEntry struct {
	WakeupTime int64  `json:"wakeup_time"`
	Activity   string `json:"activity"`
	Address    string `json:"address"`
}

// WakeupAttribution holds the drained wakeup log.
type WakeupAttribution struct {
	Title     string        `json:"title"`
	NumWakeup int           `json:"num_wakeup"`
	Entries   []WakeupEntry `json:"wakeup_attribution"`
}

// AttributionSnapshot is the exported view of the engine state.
type AttributionSnapshot struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	TakenAt time.Time         `json:"taken_at"`
	Rows    []AttributionRow  `json:"attribution"`
	Wakeup  WakeupAttribution `json:"wakeup_attribution_data"`
}

// Totals sums the cumulative rows of the snapshot.
func (s *AttributionSnapshot) Totals() AttributionRecord {
	var total AttributionRecord
	for _, row := range s.Rows {
		total.ByteCount += row.ByteCount
		total.WakeupCount += row.WakeupCount
		total.WakelockDurationMs += row.WakelockDurationMs
	}
	return total
}
