package model

import "context"

// Writer defines a generic interface for persisting exported attribution snapshots.
type Writer interface {
	// Name returns the writer type, used in logs.
	Name() string

	// Write persists one snapshot. Implementations must not retain the snapshot.
	Write(ctx context.Context, snapshot *AttributionSnapshot) error

	// Close releases the writer's connections or files.
	Close() error
}
