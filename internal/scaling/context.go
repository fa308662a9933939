package scaling

// Context is the complete snapshot the engine needs for one decision.
// It is constructed per evaluation and never persisted; the decision it
// produces is what lands in the audit trail.
type Context struct {
	Symbol   string
	Strategy string

	// Signal under evaluation.
	SignalStrength    float64
	BearishDivergence bool
	DirectionMatch    bool

	// Proposed addition.
	ProposedPrice float64
	ProposedQty   float64

	// Position state, broker and ledger views.
	BrokerQty      float64
	LedgerQty      float64
	EntryCount     int
	LastEntryPrice float64

	// Open order conflicts.
	PendingBuyOrders  int
	PendingSellOrders int

	// Volatility.
	ATR       float64
	ATRMedian float64

	// Spacing since the last entry.
	BarsSinceLastEntry    int
	MinutesSinceLastEntry float64

	// Price extremes observed since the last entry.
	HighestSinceLastEntry float64
	LowestSinceLastEntry  float64

	// Account state.
	AccountEquity       float64
	RemainingRiskBudget float64

	// Broker minima for this symbol.
	MinOrderQty      float64
	MinOrderNotional float64

	Policy Policy
}

// ProposedNotional is the dollar value of the proposed addition.
func (c Context) ProposedNotional() float64 {
	return c.ProposedQty * c.ProposedPrice
}

// ProposedPositionPct is the total position value after the addition,
// as a fraction of account equity. Zero when equity is unknown.
func (c Context) ProposedPositionPct() float64 {
	if c.AccountEquity <= 0 {
		return 0
	}
	return (c.BrokerQty + c.ProposedQty) * c.ProposedPrice / c.AccountEquity
}

// EstimatedRisk approximates the dollar risk the addition introduces,
// one ATR of adverse movement on the added quantity.
func (c Context) EstimatedRisk() float64 {
	return c.ProposedQty * c.ATR
}
