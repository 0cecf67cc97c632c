// Package notify delivers operational alarms. The gateway treats delivery
// as best effort: a failed or suppressed alarm never fails the operation
// that raised it.
package notify

import (
	"context"
	"time"
)

// AlarmType identifies the alarm category; each type carries its own
// re-trigger cooldown.
type AlarmType string

const (
	AlarmDefault        AlarmType = "default"
	AlarmPoolLowPercent AlarmType = "account-low-percent"
	AlarmPoolAllDown    AlarmType = "account-all-down"
)

// Card color hints used by the Lark sender.
const (
	ColorRed    = "red"
	ColorYellow = "yellow"
	ColorGreen  = "green"
)

// triggerIntervals is the minimum spacing between repeated alarms of the
// same (key, type).
var triggerIntervals = map[AlarmType]time.Duration{
	AlarmDefault:        6 * time.Hour,
	AlarmPoolLowPercent: 2 * time.Hour,
	AlarmPoolAllDown:    30 * time.Minute,
}

// TriggerInterval returns the re-trigger cooldown for an alarm type.
func TriggerInterval(typ AlarmType) time.Duration {
	if interval, ok := triggerIntervals[typ]; ok {
		return interval
	}
	return triggerIntervals[AlarmDefault]
}

// Notifier sends alarms to an external channel.
type Notifier interface {
	// SendAlarm raises an alarm. key de-duplicates repeats; an empty key
	// defaults to the title. colorHint is advisory.
	SendAlarm(ctx context.Context, title, body, key, colorHint string, typ AlarmType) error

	// ClearAlarm resolves a previously raised alarm, reporting how long it
	// was active. A no-op when the alarm was never raised.
	ClearAlarm(ctx context.Context, title, body, key string, typ AlarmType) error
}

// Noop is a Notifier that discards everything. Used when no webhook is
// configured.
type Noop struct{}

func (Noop) SendAlarm(context.Context, string, string, string, string, AlarmType) error {
	return nil
}

func (Noop) ClearAlarm(context.Context, string, string, string, AlarmType) error {
	return nil
}
