package archive

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/alerts"
	"github.com/quarterdeck-io/quarterdeck/internal/gate"
)

const (
	mirrorQueueSize     = 64
	mirrorInsertTimeout = 5 * time.Second
)

// DecisionMirror adapts the store to the gate's decision tap. Decisions
// are queued and inserted off the gate's call path; when the queue is
// full the decision is dropped rather than blocking an order, since the
// JSONL audit log already holds it.
type DecisionMirror struct {
	store *Store
	scope string
	queue chan gate.Decision
	done  chan struct{}
}

// NewDecisionMirror starts the mirror worker for one scope.
func NewDecisionMirror(store *Store, scopeSlug string) *DecisionMirror {
	m := &DecisionMirror{
		store: store,
		scope: scopeSlug,
		queue: make(chan gate.Decision, mirrorQueueSize),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

// Decision implements gate.DecisionSink.
func (m *DecisionMirror) Decision(d gate.Decision) {
	select {
	case m.queue <- d:
	default:
		log.Warn().
			Str("scope", m.scope).
			Str("symbol", d.Symbol).
			Msg("Decision mirror queue full, dropping decision")
	}
}

func (m *DecisionMirror) run() {
	defer close(m.done)
	// failing tracks the insert state so the operator hears about an
	// outage once, not once per decision.
	failing := false
	for d := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorInsertTimeout)
		if err := m.store.ArchiveDecision(ctx, m.scope, d); err != nil {
			log.Warn().
				Err(err).
				Str("scope", m.scope).
				Str("symbol", d.Symbol).
				Msg("Failed to mirror gate decision")
			if !failing {
				alerts.AlertArchiveFailing(ctx, m.scope, 1, err)
				failing = true
			}
		} else {
			failing = false
		}
		cancel()
	}
}

// Close drains the queue and stops the worker.
func (m *DecisionMirror) Close() {
	close(m.queue)
	<-m.done
}
