package reconcile

import (
	"github.com/quarterdeck-io/quarterdeck/internal/broker"
)

// SourceBrokerReconciliation marks positions rebuilt from the broker's
// fill stream, as opposed to hand-edited or legacy state.
const SourceBrokerReconciliation = "BROKER_RECONCILIATION"

// OpenPosition is the canonical ledger entry for one symbol. It is
// derived purely from fills and never edited in place: every
// reconciliation rebuilds it from scratch. All timestamps are ISO-8601
// UTC strings with a Z suffix; storing them as strings keeps the on-disk
// bytes stable across rewrites.
type OpenPosition struct {
	Symbol           string        `json:"symbol"`
	EntryOrderID     string        `json:"entry_order_id"`
	EntryTimestamp   string        `json:"entry_timestamp_utc"`
	WeightedAvgEntry float64       `json:"weighted_avg_entry_price"`
	Quantity         float64       `json:"quantity"`
	FillIDs          []string      `json:"fill_ids"`
	Fills            []broker.Fill `json:"fills"`
	EntryCount       int           `json:"entry_count"`
	LastEntryTime    string        `json:"last_entry_time_utc"`
	LastEntryPrice   float64       `json:"last_entry_price"`
	ReconciledAt     string        `json:"reconciled_at_utc"`
	Source           string        `json:"source"`
}

// Cursor tracks how far the fill stream has been consumed. RecentFillIDs
// holds the ids of fills observed inside the safety window so that
// re-fetching an overlapping window never re-processes a fill, even after
// its position has closed and dropped out of the ledger.
type Cursor struct {
	LastSeenFillID         string   `json:"last_seen_fill_id"`
	LastSeenFillTime       string   `json:"last_seen_fill_time_utc"`
	LastReconciliationTime string   `json:"last_reconciliation_time_utc"`
	RecentFillIDs          []string `json:"recent_fill_ids,omitempty"`
}

// Trade is an immutable closed-trade record. Confidence is zero when the
// exit did not flow through the execution gate (a reconciliation-observed
// exit has no signal attached).
type Trade struct {
	Symbol     string  `json:"symbol"`
	EntryDate  string  `json:"entry_date"`
	EntryPrice float64 `json:"entry_price"`
	ExitDate   string  `json:"exit_date"`
	ExitPrice  float64 `json:"exit_price"`
	Confidence float64 `json:"confidence"`
	ReturnPct  float64 `json:"return_pct"`
}

// ClosedTrade pairs a Trade with the exit fill that produced it, so the
// engine can append only trades closed by fills from the current batch.
type ClosedTrade struct {
	Trade
	ExitFillID string `json:"-"`
}
