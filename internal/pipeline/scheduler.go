package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/innsight-io/innsight/internal/logging"
	"github.com/innsight-io/innsight/internal/metrics"
)

// ErrLockHeld is returned when the scheduler lock file already exists. A
// lock left behind by a killed process requires manual removal.
var ErrLockHeld = errors.New("scheduler lock file present")

// scheduleTimestampLayout is the operator-facing timestamp in schedule logs.
const scheduleTimestampLayout = "02.01.2006 15:04:05"

// Scheduler repeats ingestion cycles on a fixed interval. A lock file makes
// it the single writer: a second scheduler pointed at the same lock path
// refuses to start. Cycles never stop the loop; panics are recovered and
// logged, and the next interval retries.
type Scheduler struct {
	intervalMinutes int
	lockPath        string
	run             func(context.Context) error
	logger          *slog.Logger
}

// NewScheduler wires a scheduler around a cycle function. A nil logger
// falls back to the default logger.
func NewScheduler(intervalMinutes int, lockPath string, run func(context.Context) error, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		intervalMinutes: intervalMinutes,
		lockPath:        lockPath,
		run:             run,
		logger:          logger,
	}
}

// Start acquires the lock and loops until ctx is cancelled. The lock is
// released on every exit path, including a panic escaping a cycle's
// recovery.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info(fmt.Sprintf("Initializing pipeline scheduler to run every %d minutes", s.intervalMinutes))

	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	logging.Success(s.logger, "Done!")

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.runCycle(ctx)

		nextRun := time.Now().Add(time.Duration(s.intervalMinutes) * time.Minute)
		s.logger.Info(fmt.Sprintf("Next run will be executed on '%s'", nextRun.Format(scheduleTimestampLayout)))

		if !s.sleep(ctx) {
			return nil
		}
	}
}

// runCycle executes one cycle, recovering panics so a crashing cycle never
// stops the scheduler.
func (s *Scheduler) runCycle(ctx context.Context) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			metrics.ObserveCycle(metrics.ResultError, time.Since(start))
			s.logger.Error("Scheduled execution failed",
				slog.Any("panic", rec),
				slog.String("stack_trace", string(debug.Stack())),
			)
		}
	}()

	s.logger.Info("Schedule execution started: " + start.Format(scheduleTimestampLayout))

	if err := s.run(ctx); err != nil {
		s.logger.Error("Scheduled execution failed", "error", err)

		return
	}

	logging.Success(s.logger, "Schedule execution completed: "+time.Now().Format(scheduleTimestampLayout))
}

// sleep waits out the interval in one-second ticks so cancellation is
// honoured within a second. Reports whether the loop should run again.
func (s *Scheduler) sleep(ctx context.Context) bool {
	deadline := time.Now().Add(time.Duration(s.intervalMinutes) * time.Minute)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}

	return ctx.Err() == nil
}

// lock claims the lock file, recording the run's start timestamp. Creation
// is exclusive, so two schedulers racing for the same path cannot both win.
func (s *Scheduler) lock() error {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(s.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s (remove it manually if no scheduler is running)", ErrLockHeld, s.lockPath)
		}

		return fmt.Errorf("creating lock file: %w", err)
	}

	_, err = fmt.Fprintf(f, "RunId: %s", time.Now().Format(time.RFC3339))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(s.lockPath)

		return fmt.Errorf("writing lock file: %w", err)
	}

	return nil
}

func (s *Scheduler) unlock() {
	s.logger.Info("Scheduler is shutting down...")

	if err := os.Remove(s.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("error removing lock file", "path", s.lockPath, "error", err)

		return
	}

	logging.Success(s.logger, "Done!")
}
