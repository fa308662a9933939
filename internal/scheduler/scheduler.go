// Package scheduler drives the periodic tasks of one scope. Each task
// runs on its own cadence with a per-run timeout; runs never overlap
// for the same task, and one task's failure never disturbs its
// siblings. Task outcomes land in a persisted last-run registry so
// restarts and operators can tell how long a task has been quiet.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quarterdeck-io/quarterdeck/internal/alerts"
	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

const (
	// DefaultTimeout bounds a single task run when the task does not
	// set its own.
	DefaultTimeout = 90 * time.Second

	// DefaultMaxAge is the staleness threshold for tasks that do not
	// set their own.
	DefaultMaxAge = 3600 * time.Second

	registrySchemaVersion = "1.0.0"
)

// Task is one periodic job. Fn must honor ctx cancellation; the
// scheduler cancels it at Timeout and on process shutdown.
type Task struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	MaxAge     time.Duration
	RunAtStart bool
	Fn         func(ctx context.Context) error
}

// TaskState is the registry entry for one task. LastSuccessAt is the
// timestamp staleness is measured from; cancelled runs never touch it.
type TaskState struct {
	Task                string `json:"task"`
	LastStartedAt       string `json:"last_started_at_utc,omitempty"`
	LastFinishedAt      string `json:"last_finished_at_utc,omitempty"`
	LastOK              bool   `json:"last_ok"`
	LastError           string `json:"last_error,omitempty"`
	LastSuccessAt       string `json:"last_success_at_utc,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Runs                int    `json:"runs"`
}

type runsDoc struct {
	SchemaVersion string               `json:"schema_version"`
	Tasks         map[string]TaskState `json:"tasks"`
	UpdatedAt     string               `json:"updated_at_utc"`
}

// TaskStaleness reports whether a task's last success is older than its
// max age. A task that has never succeeded is stale.
type TaskStaleness struct {
	Task          string `json:"task"`
	LastSuccessAt string `json:"last_success_at_utc,omitempty"`
	MaxAgeSeconds int    `json:"max_age_seconds"`
	AgeSeconds    int64  `json:"age_seconds"`
	Stale         bool   `json:"stale"`
}

// Scheduler owns the task workers for one scope.
type Scheduler struct {
	sc     scope.Scope
	layout scope.Layout
	events *eventlog.Logger
	now    func() time.Time

	tasks []Task

	mu     sync.Mutex
	states map[string]TaskState
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler for the scope and loads any registry persisted
// by a previous run. A missing registry file is a fresh start, not an
// error.
func New(sc scope.Scope, layout scope.Layout, events *eventlog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		sc:     sc,
		layout: layout,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
		states: make(map[string]TaskState),
	}
	for _, opt := range opts {
		opt(s)
	}

	var doc runsDoc
	if err := atomicio.ReadJSON(layout.SchedulerRunsFile(), &doc); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load scheduler registry: %w", err)
		}
	} else if doc.Tasks != nil {
		s.states = doc.Tasks
	}
	return s, nil
}

// Register adds a task before Run. Interval must be positive; Timeout
// and MaxAge default when unset.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Fn == nil {
		return fmt.Errorf("task %s has no function", t.Name)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s interval must be positive", t.Name)
	}
	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("task %s already registered", t.Name)
		}
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	if t.MaxAge <= 0 {
		t.MaxAge = DefaultMaxAge
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Run starts one worker per registered task and blocks until the
// context is cancelled. Task errors are logged and recorded; they never
// stop the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return errors.New("no tasks registered")
	}
	log.Info().
		Str("scope", s.sc.Slug()).
		Int("tasks", len(s.tasks)).
		Msg("Starting scheduler")

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		task := t
		g.Go(func() error {
			return s.worker(ctx, task)
		})
	}
	return g.Wait()
}

func (s *Scheduler) worker(ctx context.Context, t Task) error {
	log.Info().
		Str("scope", s.sc.Slug()).
		Str("task", t.Name).
		Dur("interval", t.Interval).
		Dur("timeout", t.Timeout).
		Msg("Task worker started")

	if t.RunAtStart {
		s.runOnce(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("task", t.Name).Msg("Task worker stopped by context")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx, t)
			// A run that outlived its interval leaves a tick queued;
			// consuming it here keeps runs from firing back to back.
			select {
			case <-ticker.C:
				metrics.TaskRuns.WithLabelValues(s.sc.Slug(), t.Name, metrics.OutcomeSkipped).Inc()
				log.Warn().Str("task", t.Name).Msg("Tick skipped after overrun")
			default:
			}
		}
	}
}

// runOnce executes the task with its timeout and records the outcome.
// It returns the outcome label for tests.
func (s *Scheduler) runOnce(ctx context.Context, t Task) string {
	started := s.now()
	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	err := invoke(runCtx, t.Fn)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	finished := s.now()
	elapsed := finished.Sub(started)

	slug := s.sc.Slug()
	metrics.TaskDuration.WithLabelValues(slug, t.Name).Observe(elapsed.Seconds())

	var (
		outcome string
		pe      *panicError
	)
	switch {
	case err == nil:
		outcome = metrics.OutcomeSuccess
		s.recordSuccess(t, started, finished)
		s.appendTaskRun(t, started, finished, nil)
		log.Debug().
			Str("scope", slug).
			Str("task", t.Name).
			Dur("took", elapsed).
			Msg("Task run completed")
	case errors.As(err, &pe):
		outcome = metrics.OutcomePanic
		s.recordFailure(t, started, finished, err)
		s.appendTaskRun(t, started, finished, err)
		s.events.RecordError("scheduler", fmt.Sprintf("task %s panicked", t.Name), err, true)
		log.Error().
			Err(err).
			Str("scope", slug).
			Str("task", t.Name).
			Msg("Task run panicked")
	case ctx.Err() != nil:
		// Process shutdown, not a task fault. The registry keeps its
		// previous entry so the run leaves no trace of progress.
		outcome = metrics.OutcomeCancelled
		log.Info().
			Str("scope", slug).
			Str("task", t.Name).
			Msg("Task run cancelled by shutdown")
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeTimeout
		s.recordFailure(t, started, finished, err)
		s.appendTaskRun(t, started, finished, err)
		s.events.RecordError("scheduler", fmt.Sprintf("task %s timed out after %s", t.Name, t.Timeout), err, true)
		log.Error().
			Err(err).
			Str("scope", slug).
			Str("task", t.Name).
			Dur("timeout", t.Timeout).
			Msg("Task run timed out")
	default:
		outcome = metrics.OutcomeFailure
		s.recordFailure(t, started, finished, err)
		s.appendTaskRun(t, started, finished, err)
		s.events.RecordError("scheduler", fmt.Sprintf("task %s failed", t.Name), err, true)
		log.Error().
			Err(err).
			Str("scope", slug).
			Str("task", t.Name).
			Msg("Task run failed")
	}

	metrics.TaskRuns.WithLabelValues(slug, t.Name, outcome).Inc()
	return outcome
}

// panicError wraps a recovered panic so outcome classification can tell
// it apart from ordinary task errors.
type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("task panicked: %v", p.value)
}

// invoke runs the task function and converts a panic into an error so
// one bad run cannot take the worker down.
func invoke(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) recordSuccess(t Task, started, finished time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[t.Name]
	st.Task = t.Name
	st.LastStartedAt = timeutil.FormatZ(started)
	st.LastFinishedAt = timeutil.FormatZ(finished)
	st.LastOK = true
	st.LastError = ""
	st.LastSuccessAt = timeutil.FormatZ(finished)
	st.ConsecutiveFailures = 0
	st.Runs++
	s.states[t.Name] = st

	metrics.TaskLastSuccess.WithLabelValues(s.sc.Slug(), t.Name).Set(float64(finished.Unix()))
	metrics.TaskStale.WithLabelValues(s.sc.Slug(), t.Name).Set(0)
	s.persistLocked(finished)
}

func (s *Scheduler) recordFailure(t Task, started, finished time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[t.Name]
	st.Task = t.Name
	st.LastStartedAt = timeutil.FormatZ(started)
	st.LastFinishedAt = timeutil.FormatZ(finished)
	st.LastOK = false
	st.LastError = err.Error()
	st.ConsecutiveFailures++
	st.Runs++
	s.states[t.Name] = st

	s.persistLocked(finished)
}

// persistLocked writes the registry and mirrors the run to the daily
// summary. Persistence failures are logged but never fail the task;
// the registry is advisory state, not the ledger.
func (s *Scheduler) persistLocked(now time.Time) {
	doc := runsDoc{
		SchemaVersion: registrySchemaVersion,
		Tasks:         s.states,
		UpdatedAt:     timeutil.FormatZ(now),
	}
	if err := atomicio.WriteJSON(s.layout.SchedulerRunsFile(), doc); err != nil {
		log.Error().Err(err).Str("scope", s.sc.Slug()).Msg("Failed to persist scheduler registry")
		s.events.RecordError("scheduler", "failed to persist run registry", err, true)
		// Detached: alert delivery must not stall the scheduler mutex.
		go alerts.AlertPersistenceFailure(context.Background(), s.layout.SchedulerRunsFile(), err)
	}
}

// appendTaskRun mirrors one run into the daily summary log.
func (s *Scheduler) appendTaskRun(t Task, started, finished time.Time, runErr error) {
	if s.events == nil || s.events.DailySummary == nil {
		return
	}
	ev := eventlog.TaskRunEvent{
		Task:       t.Name,
		StartedAt:  started,
		FinishedAt: finished,
		OK:         runErr == nil,
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	if err := s.events.DailySummary.Append(eventlog.KindTaskRun, ev); err != nil {
		log.Error().Err(err).Str("task", t.Name).Msg("Failed to append task run event")
	}
}

// Staleness reports every registered task against its max age and
// refreshes the staleness gauges. Tasks are sorted by name.
func (s *Scheduler) Staleness() []TaskStaleness {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStaleness, 0, len(s.tasks))
	for _, t := range s.tasks {
		ts := TaskStaleness{
			Task:          t.Name,
			MaxAgeSeconds: int(t.MaxAge / time.Second),
			Stale:         true,
		}
		if st, ok := s.states[t.Name]; ok && st.LastSuccessAt != "" {
			ts.LastSuccessAt = st.LastSuccessAt
			if last, err := timeutil.Parse(st.LastSuccessAt); err == nil {
				age := now.Sub(last)
				ts.AgeSeconds = int64(age / time.Second)
				ts.Stale = age > t.MaxAge
			}
		}
		gauge := 0.0
		if ts.Stale {
			gauge = 1
		}
		metrics.TaskStale.WithLabelValues(s.sc.Slug(), t.Name).Set(gauge)
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// States returns a copy of the registry for ops readers.
func (s *Scheduler) States() map[string]TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// LoadRegistry reads a persisted registry without a scheduler instance.
// Missing file returns an empty map.
func LoadRegistry(layout scope.Layout) (map[string]TaskState, error) {
	var doc runsDoc
	if err := atomicio.ReadJSON(layout.SchedulerRunsFile(), &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]TaskState{}, nil
		}
		return nil, fmt.Errorf("failed to read scheduler registry: %w", err)
	}
	if doc.Tasks == nil {
		return map[string]TaskState{}, nil
	}
	return doc.Tasks, nil
}
