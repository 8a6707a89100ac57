package monitor

import (
	"errors"

	"github.com/hazyhaar/dataspy/monitor/internal/scheduler"
	"github.com/hazyhaar/dataspy/monitor/internal/store"
)

// ErrDuplicateTask is returned when a task with the same id already exists.
var ErrDuplicateTask = store.ErrDuplicateTask

// ErrTaskNotFound is returned when no task matches the given id.
var ErrTaskNotFound = store.ErrTaskNotFound

// ErrCheckInProgress is returned by CheckNow when a check for the task is
// already running.
var ErrCheckInProgress = scheduler.ErrCheckInProgress

// ErrInvalidInput is returned when task input fails validation.
var ErrInvalidInput = errors.New("monitor: invalid input")

// ErrQuotaExceeded is returned when a resource limit is reached.
var ErrQuotaExceeded = errors.New("monitor: quota exceeded")
