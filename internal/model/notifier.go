package model

import "context"

// Notifier delivers a consolidated alert to operators.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}
