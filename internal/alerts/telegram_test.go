package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTelegramAlerterRequiresToken(t *testing.T) {
	// Only the token check is testable offline; a non-empty token makes
	// the bot API call out to Telegram.
	alerter, err := NewTelegramAlerter("", []int64{123456789})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bot token is required")
	assert.Nil(t, alerter)
}

func TestTelegramFormatAlert(t *testing.T) {
	alerter := &TelegramAlerter{}

	tests := []struct {
		name     string
		alert    Alert
		contains []string
	}{
		{
			name: "critical carries the siren",
			alert: Alert{
				Title:     "Persistence Failure",
				Message:   "Persistence root /data is unusable: disk full",
				Severity:  SeverityCritical,
				Timestamp: time.Now(),
			},
			contains: []string{"🚨", "Persistence Failure", "disk full"},
		},
		{
			name: "warning",
			alert: Alert{
				Title:     "Scheduled Task Stale",
				Message:   "Task reconciliation has not succeeded for 2h0m0s (max age 1h0m0s)",
				Severity:  SeverityWarning,
				Timestamp: time.Now(),
			},
			contains: []string{"⚠️", "Scheduled Task Stale", "reconciliation"},
		},
		{
			name: "info",
			alert: Alert{
				Title:     "Governance Proposal Pending",
				Message:   "Proposal prop-001 awaits approval",
				Severity:  SeverityInfo,
				Timestamp: time.Now(),
			},
			contains: []string{"ℹ️", "Governance Proposal Pending", "prop-001"},
		},
		{
			name: "scope renders as a backticked tag",
			alert: Alert{
				Scope:     "live-alpaca-us_equities-us",
				Title:     "Reconciliation Failing",
				Message:   "Reconciliation has failed 3 times in a row: broker timeout",
				Severity:  SeverityCritical,
				Timestamp: time.Now(),
			},
			contains: []string{"🚨", "`[live-alpaca-us_equities-us]`", "3 times in a row"},
		},
		{
			name: "metadata renders under Details",
			alert: Alert{
				Title:     "Scheduled Task Stale",
				Message:   "Task universe has not succeeded for 100h0m0s (max age 96h0m0s)",
				Severity:  SeverityWarning,
				Timestamp: time.Now(),
				Metadata: map[string]interface{}{
					"task":            "universe",
					"age_seconds":     int64(360000),
					"max_age_seconds": int64(345600),
				},
			},
			contains: []string{"Details:", "task", "universe", "age_seconds"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := alerter.formatAlert(tt.alert)
			for _, str := range tt.contains {
				assert.Contains(t, result, str)
			}
		})
	}
}

func TestTelegramFormatAlertIsStable(t *testing.T) {
	// Metadata keys are sorted, so the same alert renders the same
	// message every time regardless of map iteration order.
	alerter := &TelegramAlerter{}

	alert := Alert{
		Title:     "Scheduled Task Stale",
		Message:   "Task regime has not succeeded for 5h0m0s (max age 4h0m0s)",
		Severity:  SeverityWarning,
		Timestamp: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Metadata: map[string]interface{}{
			"task":            "regime",
			"age_seconds":     int64(18000),
			"max_age_seconds": int64(14400),
		},
	}

	first := alerter.formatAlert(alert)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, alerter.formatAlert(alert))
	}
}

func TestTelegramFormatAlertTimestampIsUTC(t *testing.T) {
	alerter := &TelegramAlerter{}

	loc := time.FixedZone("IST", 5*3600+1800)
	alert := Alert{
		Title:     "Scheduled Task Stale",
		Message:   "Task reconciliation has not succeeded for 2h0m0s (max age 1h0m0s)",
		Severity:  SeverityWarning,
		Timestamp: time.Date(2026, 8, 25, 17, 30, 0, 0, loc),
	}

	result := alerter.formatAlert(alert)
	assert.Contains(t, result, "2026-08-25 12:00:00 UTC")
}

func TestTelegramSendWithoutChatsIsANoOp(t *testing.T) {
	alerter := &TelegramAlerter{chatIDs: []int64{}}

	err := alerter.Send(context.Background(), Alert{
		Title:     "Test Alert",
		Message:   "no chats are configured",
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
	})
	assert.NoError(t, err)
}
