package ops

import (
	"github.com/gin-gonic/gin"

	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
)

// setupRoutes configures all ops routes. Everything under /api/v1 is a
// read of persisted scope state; /ws/decisions is the live stream.
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/ws/decisions", s.handleDecisionStream)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/scopes", s.handleListScopes)

		sc := v1.Group("/:scope")
		{
			sc.GET("/positions", s.handleGetPositions)
			sc.GET("/cursor", s.handleGetCursor)
			sc.GET("/universe", s.handleGetUniverse)
			sc.GET("/proposals", s.handleListProposals)
			sc.GET("/proposals/:id", s.handleGetProposal)
			sc.GET("/regime", s.handleGetRegime)
			sc.GET("/staleness", s.handleGetStaleness)
			sc.GET("/snapshot", s.handleGetSnapshot)
		}
	}
}
