package model

// Sink is the ingestion surface of the attribution engine. Calls are applied
// in the order they are made.
type Sink interface {
	// IngestRecords submits a batch of activity records.
	IngestRecords(records []ActivityRecord) error

	// ReleaseWakelock signals that a wakelock held for durationMs was released.
	ReleaseWakelock(durationMs uint32) error

	// NotifyWakeup signals a processor wakeup.
	NotifyWakeup() error
}
