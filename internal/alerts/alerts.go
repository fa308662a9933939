// Package alerts delivers operator notifications for conditions the
// event log alone surfaces too slowly: stale scheduled tasks, repeated
// reconciliation failures, unusable persistence, and governance
// proposals waiting on a human. Delivery is one-way and best-effort;
// nothing on the trading path blocks on an alert.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity orders alerts by urgency. Critical means a human should
// look now; info is a courtesy note.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator notification. Scope carries the scope slug the
// alert belongs to; process-wide alerts leave it empty.
type Alert struct {
	Scope     string
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter is a single delivery channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans one alert out to every configured channel.
type Manager struct {
	alerters []Alerter
}

// NewManager returns a manager delivering to the given channels.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send sends an alert to all configured alerters. A failing channel is
// logged and skipped; the last failure is returned after every channel
// has been tried.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Str("scope", alert.Scope).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// SendCritical sends a critical alert.
func (m *Manager) SendCritical(ctx context.Context, scope, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Scope:    scope,
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning sends a warning alert.
func (m *Manager) SendWarning(ctx context.Context, scope, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Scope:    scope,
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo sends an informational alert.
func (m *Manager) SendInfo(ctx context.Context, scope, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Scope:    scope,
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter writes alerts to the structured log. It is always wired so
// every alert lands in the log stream even when no external channel is
// configured.
type LogAlerter struct{}

func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send writes the alert at the log level matching its severity.
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	if alert.Metadata != nil {
		for key, value := range alert.Metadata {
			event = event.Interface(key, value)
		}
	}
	if alert.Scope != "" {
		event = event.Str("scope", alert.Scope)
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg("ALERT: " + alert.Message)

	return nil
}

// The process-wide manager. Starts log-only; main swaps in a manager
// with external channels once config is loaded.
var defaultManager *Manager

func init() {
	defaultManager = NewManager(NewLogAlerter())
}

// GetDefaultManager returns the process-wide manager.
func GetDefaultManager() *Manager {
	return defaultManager
}

// SetDefaultManager replaces the process-wide manager.
func SetDefaultManager(manager *Manager) {
	defaultManager = manager
}

// Helper functions for the alerts the control plane raises

// AlertTaskStale reports a scheduled task whose last success is older
// than its max age.
func AlertTaskStale(ctx context.Context, scope, task string, age, maxAge time.Duration) {
	defaultManager.SendWarning(ctx, scope, "Scheduled Task Stale", fmt.Sprintf(
		"Task %s has not succeeded for %s (max age %s)", task, age.Round(time.Second), maxAge,
	), map[string]interface{}{
		"task":            task,
		"age_seconds":     int64(age.Seconds()),
		"max_age_seconds": int64(maxAge.Seconds()),
	})
}

// AlertReconciliationFailing reports repeated reconciliation failures.
// Position state is unverified while reconciliation is down, so this is
// critical even though each individual failure is tolerated.
func AlertReconciliationFailing(ctx context.Context, scope string, consecutive int, err error) {
	defaultManager.SendCritical(ctx, scope, "Reconciliation Failing", fmt.Sprintf(
		"Reconciliation has failed %d times in a row: %v", consecutive, err,
	), map[string]interface{}{
		"consecutive_failures": consecutive,
		"error":                err.Error(),
	})
}

// AlertPersistenceFailure reports a persistence root that stopped
// accepting writes. The process is about to exit or already flapping.
func AlertPersistenceFailure(ctx context.Context, path string, err error) {
	defaultManager.SendCritical(ctx, "", "Persistence Failure", fmt.Sprintf(
		"Persistence root %s is unusable: %v", path, err,
	), map[string]interface{}{
		"path":  path,
		"error": err.Error(),
	})
}

// AlertArchiveFailing reports archive inserts failing while the trading
// path continues. The JSONL logs still hold every record; the mirror is
// behind until the database recovers.
func AlertArchiveFailing(ctx context.Context, scope string, failures int, err error) {
	defaultManager.SendWarning(ctx, scope, "Trade Archive Failing", fmt.Sprintf(
		"%d archive insert(s) failed this cycle, last error: %v", failures, err,
	), map[string]interface{}{
		"failures": failures,
		"error":    err.Error(),
	})
}

// AlertProposalPending reports a governance proposal that finished the
// pipeline and now waits on human approval.
func AlertProposalPending(ctx context.Context, scope, proposalID, proposalType, recommendation string) {
	defaultManager.SendInfo(ctx, scope, "Governance Proposal Pending", fmt.Sprintf(
		"Proposal %s (%s) completed review with recommendation %s and awaits approval",
		proposalID, proposalType, recommendation,
	), map[string]interface{}{
		"proposal_id":    proposalID,
		"proposal_type":  proposalType,
		"recommendation": recommendation,
	})
}
