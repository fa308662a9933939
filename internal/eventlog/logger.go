package eventlog

import (
	"time"

	"github.com/quarterdeck-io/quarterdeck/internal/scope"
)

// Logger bundles the per-scope sinks so components receive one handle
// instead of six paths. Each sink remains single-writer.
type Logger struct {
	Decisions         *Sink
	Errors            *Sink
	DailySummary      *Sink
	AdvisorCalls      *Sink
	GovernanceEvents  *Sink
	UniverseDecisions *Sink
	ScoringHistory    *Sink
	RegimeRuns        *Sink
	Trades            *Sink
}

// NewLogger wires every append-only log in the scope layout. The mirror
// may be nil.
func NewLogger(l scope.Layout, s scope.Scope, mirror Publisher, opts ...Option) *Logger {
	slug := s.Slug()
	mk := func(path string) *Sink {
		all := append([]Option{WithMirror(mirror)}, opts...)
		return NewSink(path, slug, all...)
	}
	return &Logger{
		Decisions:         mk(l.DecisionsLog()),
		Errors:            mk(l.ErrorsLog()),
		DailySummary:      mk(l.DailySummaryLog()),
		AdvisorCalls:      mk(l.AdvisorCallsLog()),
		GovernanceEvents:  mk(l.GovernanceEventsLog()),
		UniverseDecisions: mk(l.UniverseDecisionsLog()),
		ScoringHistory:    mk(l.ScoringHistoryLog()),
		RegimeRuns:        mk(l.RegimeRunsLog()),
		Trades:            mk(l.TradesLog()),
	}
}

// ErrorEvent is the shape appended to logs/errors.jsonl.
type ErrorEvent struct {
	Component string `json:"component"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	Transient bool   `json:"transient"`
}

// RecordError appends a structured error event; failures to record are
// swallowed since the error log must never become a failure source
// itself.
func (lg *Logger) RecordError(component, message string, err error, transient bool) {
	if lg == nil || lg.Errors == nil {
		return
	}
	ev := ErrorEvent{Component: component, Message: message, Transient: transient}
	if err != nil {
		ev.Error = err.Error()
	}
	_ = lg.Errors.Append(KindError, ev)
}

// TaskRunEvent summarizes one scheduler task execution for the daily
// summary log.
type TaskRunEvent struct {
	Task       string    `json:"task"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
}
