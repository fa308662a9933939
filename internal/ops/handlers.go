package ops

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/governance"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
)

var startTime = time.Now()

// Root handler
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "quarterdeck ops",
		"status":  "running",
		"uptime":  time.Since(startTime).Seconds(),
		"time":    time.Now().UTC(),
	})
}

// handleHealthz is the load-balancer health check. The archive mirror is
// off the trading path, so a failing archive degrades the body but never
// the status code.
func (s *Server) handleHealthz(c *gin.Context) {
	status := "healthy"
	archiveStatus := "not_configured"

	if s.archive != nil {
		archiveStatus = "healthy"
		if err := s.archive.Ping(c.Request.Context()); err != nil {
			log.Warn().Err(err).Msg("Archive health check failed")
			archiveStatus = "unhealthy"
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"time":   time.Now().UTC(),
		"components": gin.H{
			"archive": gin.H{"status": archiveStatus},
		},
	})
}

// handleListScopes returns every scope this process serves.
func (s *Server) handleListScopes(c *gin.Context) {
	slugs := s.registry.Slugs()
	scopes := make([]gin.H, 0, len(slugs))
	for _, slug := range slugs {
		h, ok := s.registry.Get(slug)
		if !ok {
			continue
		}
		scopes = append(scopes, gin.H{
			"slug":   slug,
			"env":    string(h.Scope.Env),
			"broker": h.Scope.Broker,
			"market": h.Scope.Market,
			"region": h.Scope.Region,
			"live":   h.Scope.IsLive(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"scopes": scopes,
		"total":  len(scopes),
	})
}

// scopeHandle resolves the :scope path parameter, answering 404 itself
// when the slug is unknown.
func (s *Server) scopeHandle(c *gin.Context) (ScopeHandle, bool) {
	slug := c.Param("scope")
	h, ok := s.registry.Get(slug)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown scope"})
		return ScopeHandle{}, false
	}
	return h, true
}

func (s *Server) handleGetPositions(c *gin.Context) {
	h, ok := s.scopeHandle(c)
	if !ok {
		return
	}

	positions, err := reconcile.LoadPositions(h.Layout)
	if err != nil {
		log.Error().Err(err).Str("scope", h.Scope.Slug()).Msg("Failed to load positions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load positions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":     h.Scope.Slug(),
		"positions": positions,
		"total":     len(positions),
	})
}

func (s *Server) handleGetCursor(c *gin.Context) {
	h, ok := s.scopeHandle(c)
	if !ok {
		return
	}

	var cursor reconcile.Cursor
	err := atomicio.ReadJSON(h.Layout.CursorFile(), &cursor)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation recorded"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("scope", h.Scope.Slug()).Msg("Failed to load cursor")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load cursor"})
		return
	}

	ageSeconds := int64(-1)
	if t, perr := timeutil.Parse(cursor.LastReconciliationTime); perr == nil {
		ageSeconds = int64(time.Since(t).Seconds())
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":       h.Scope.Slug(),
		"cursor":      cursor,
		"age_seconds": ageSeconds,
	})
}

func (s *Server) handleGetUniverse(c *gin.Context) {
	h, ok := s.scopeHandle(c)
	if !ok {
		return
	}

	var active universe.Active
	err := atomicio.ReadJSON(h.Layout.ActiveUniverseFile(), &active)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "universe not initialized"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("scope", h.Scope.Slug()).Msg("Failed to load universe")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load universe"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":    h.Scope.Slug(),
		"universe": active,
		"size":     len(active.Symbols),
	})
}

// proposalSummary is the list-view projection of one proposal bundle.
// Stages lists the artifacts present, in pipeline order.
type proposalSummary struct {
	ProposalID     string   `json:"proposal_id"`
	ProposalType   string   `json:"proposal_type"`
	Symbols        []string `json:"symbols,omitempty"`
	CreatedAt      string   `json:"created_at_utc"`
	Recommendation string   `json:"recommendation,omitempty"`
	Approved       bool     `json:"approved"`
	Expired        bool     `json:"expired"`
	Stages         []string `json:"stages"`
}

func summarize(b *governance.Bundle) proposalSummary {
	sum := proposalSummary{
		ProposalID:   b.Proposal.ProposalID,
		ProposalType: string(b.Proposal.ProposalType),
		Symbols:      b.Proposal.Symbols,
		CreatedAt:    b.Proposal.CreatedAt,
		Approved:     b.Approval != nil,
		Expired:      b.Expired,
		Stages:       []string{"proposal"},
	}
	if b.Critique != nil {
		sum.Stages = append(sum.Stages, "critique")
	}
	if b.Audit != nil {
		sum.Stages = append(sum.Stages, "audit")
	}
	if b.Synthesis != nil {
		sum.Stages = append(sum.Stages, "synthesis")
		sum.Recommendation = string(b.Synthesis.FinalRecommendation)
	}
	if b.Approval != nil {
		sum.Stages = append(sum.Stages, "approval")
	}
	return sum
}

func (s *Server) handleListProposals(c *gin.Context) {
	h, ok := s.scopeHandle(c)
	if !ok {
		return
	}

	bundles, skipped, err := h.proposals().List()
	if err != nil {
		log.Error().Err(err).Str("scope", h.Scope.Slug()).Msg("Failed to list proposals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list proposals"})
		return
	}

	proposals := make([]proposalSummary, 0, len(bundles))
	for _, b := range bundles {
		proposals = append(proposals, summarize(b))
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":     h.Scope.Slug(),
		"proposals": proposals,
		"total":     len(proposals),
		"skipped":   skipped,
	})
}

func (s *Server) handleGetProposal(c *gin.Context) {
	h, ok := s.scopeHandle(c)
	if !ok {
		return
	}

	id := c.Param("id")
	b, err := h.proposals().Load(id)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "proposal not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("scope", h.Scope.Slug()).Str("proposal_id", id).Msg("Failed to load proposal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load proposal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":      h.Scope.Slug(),
		"proposal":   b.Proposal,
		"critique":   b.Critique,
		"audit":      b.Audit,
		"synthesis":  b.Synthesis,
		"approval":   b.Approval,
		"expired":    b.Expired,
		"actionable": b.Actionable(),
	})
}

func (s *Server) handleGetRegime(c *gin.Context) {
	h, ok := s.scopeHandle(c)
	if !ok {
		return
	}

	var state regime.RunState
	err := atomicio.ReadJSON(h.Layout.RegimeStateFile(), &state)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no regime recorded"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("scope", h.Scope.Slug()).Msg("Failed to load regime state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load regime state"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":  h.Scope.Slug(),
		"regime": state,
	})
}

func (s *Server) handleGetStaleness(c *gin.Context) {
	h, ok := s.scopeHandle(c)
	if !ok {
		return
	}

	if h.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not attached"})
		return
	}

	tasks := h.Scheduler.Staleness()
	anyStale := false
	for _, t := range tasks {
		if t.Stale {
			anyStale = true
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"scope": h.Scope.Slug(),
		"tasks": tasks,
		"stale": anyStale,
	})
}

func (s *Server) handleGetSnapshot(c *gin.Context) {
	h, ok := s.scopeHandle(c)
	if !ok {
		return
	}

	var snap Snapshot
	err := atomicio.ReadJSON(h.Layout.SnapshotFile(), &snap)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not written yet"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("scope", h.Scope.Slug()).Msg("Failed to load snapshot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}

	c.JSON(http.StatusOK, snap)
}
