// Package notify delivers change events to external sinks.
//
// Delivery is best-effort: a failed notification never blocks event
// recording or subsequent checks. Callers log errors and move on.
package notify

import (
	"context"
	"errors"
	"time"
)

// ErrDelivery wraps every delivery failure so callers can classify it
// with errors.Is.
var ErrDelivery = errors.New("notify: delivery failed")

// Event is the notification payload for one detected change.
type Event struct {
	TaskID      string    `json:"task_id"`
	TaskName    string    `json:"task_name"`
	URL         string    `json:"url"`
	Kind        string    `json:"kind"`
	DiffSummary string    `json:"diff_summary,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier delivers one event. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// Multi fans one event out to several notifiers, collecting all failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev *Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
