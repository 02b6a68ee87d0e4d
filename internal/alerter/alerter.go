package alerter

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/model"
	"Go2Attribution/pkg/logutil"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Alerter evaluates exported snapshots against predefined rules and sends a
// consolidated notification when any rule triggers.
type Alerter struct {
	rules    []config.AlerterRule
	notifier model.Notifier
	logger   *zap.Logger
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg *config.AlerterConfig, notifier model.Notifier) (*Alerter, error) {
	for _, rule := range cfg.Rules {
		if rule.Activity == "" {
			continue
		}
		if _, err := model.ParseActivity(rule.Activity); err != nil {
			return nil, fmt.Errorf("alerter rule '%s': %w", rule.Name, err)
		}
	}
	return &Alerter{
		rules:    cfg.Rules,
		notifier: notifier,
		logger:   logutil.GetLogger(),
	}, nil
}

// Evaluate checks every rule against the snapshot and returns the triggered
// alert messages. When at least one triggers, a notification is sent.
func (a *Alerter) Evaluate(ctx context.Context, snapshot *model.AttributionSnapshot) []string {
	var triggered []string
	for _, rule := range a.rules {
		value, unit := observe(snapshot, rule)
		if !check(value, rule.Threshold, rule.Operator) {
			continue
		}
		scope := "all activities"
		if rule.Activity != "" {
			scope = strings.ToUpper(rule.Activity)
		}
		triggered = append(triggered, fmt.Sprintf("<h3>Alert: %s</h3>"+
			"<ul>"+
			"<li><b>Scope:</b> <code>%s</code></li>"+
			"<li><b>Metric:</b> <code>%s</code></li>"+
			"<li><b>Condition:</b> <code>%s %.2f</code></li>"+
			"<li><b>Observed Value:</b> <code>%.0f %s</code></li>"+
			"</ul>",
			rule.Name, scope, rule.Metric, rule.Operator, rule.Threshold, value, unit))
	}

	if len(triggered) == 0 {
		return nil
	}
	a.logger.Info("alerter evaluation completed", zap.Int("triggered", len(triggered)), zap.String("snapshot_id", snapshot.ID))

	if a.notifier != nil {
		body := "<h1>Activity Attribution Alert Summary</h1>" +
			"<p>The following alerts were triggered by snapshot <code>" + snapshot.ID + "</code>:</p><hr>" +
			strings.Join(triggered, "<hr>")
		subject := fmt.Sprintf("Activity Attribution Alert Summary (%d Triggered)", len(triggered))
		if err := a.notifier.Send(ctx, subject, body); err != nil {
			a.logger.Error("failed to send consolidated alert notification", zap.Error(err))
		}
	}
	return triggered
}

// observe computes the rule's metric over the snapshot, restricted to the
// rule's activity when one is set.
func observe(s *model.AttributionSnapshot, rule config.AlerterRule) (float64, string) {
	if rule.Metric == "num_wakeup" {
		var n int
		for _, e := range s.Wakeup.Entries {
			if rule.Activity == "" || strings.EqualFold(e.Activity, rule.Activity) {
				n++
			}
		}
		return float64(n), "wakeups"
	}

	var sum uint64
	for _, row := range s.Rows {
		if rule.Activity != "" && !strings.EqualFold(row.Activity, rule.Activity) {
			continue
		}
		switch rule.Metric {
		case "wakelock_duration_ms":
			sum += row.WakelockDurationMs
		case "wakeup_count":
			sum += row.WakeupCount
		case "byte_count":
			sum += row.ByteCount
		}
	}

	switch rule.Metric {
	case "wakelock_duration_ms":
		return float64(sum), "ms"
	case "wakeup_count":
		return float64(sum), "wakeups"
	default:
		return float64(sum), "bytes"
	}
}

// check compares a value against a threshold based on an operator.
func check(value, threshold float64, operator string) bool {
	switch operator {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case "=":
		return value == threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	default:
		return false
	}
}
