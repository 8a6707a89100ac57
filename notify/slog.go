package notify

import (
	"context"
	"log/slog"
)

// Slog logs each event through a structured logger. It never fails.
type Slog struct {
	logger *slog.Logger
}

// NewSlog creates a Slog notifier. A nil logger uses slog.Default.
func NewSlog(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{logger: logger}
}

func (s *Slog) Notify(_ context.Context, ev *Event) error {
	s.logger.Info("change detected",
		"task_id", ev.TaskID,
		"task", ev.TaskName,
		"url", ev.URL,
		"kind", ev.Kind,
		"diff", ev.DiffSummary)
	return nil
}
