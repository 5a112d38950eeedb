package chat

import (
	"context"
	"net/http"

	"ChannelGateway/middleware"
	midsec "ChannelGateway/middleware/security"
	"ChannelGateway/tools/errs"

	"github.com/gin-gonic/gin"
)

// Routes mounts the gateway endpoints on r.
func (s *Server) Routes(r gin.IRoutes, auth *midsec.Options, internalToken string) {
	rt := middleware.NewRoutes(r, auth, internalToken)
	rt.GET("/messaging/ws", s.HandleWS, middleware.RouteOpt{Auth: middleware.AuthResolve})
	rt.POST("/messaging/broadcast", s.handleNotify, middleware.RouteOpt{Auth: middleware.AuthInternal})
	rt.GET("/messaging/presence/:userId", s.handlePresence, middleware.RouteOpt{Auth: middleware.AuthRequired})
	rt.GET("/messaging/stats", s.handleStats, middleware.RouteOpt{Auth: middleware.AuthInternal})
	rt.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "nodeId": s.nodeID})
	}, middleware.RouteOpt{})
}

func (s *Server) handleNotify(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message format"})
		return
	}
	id, err := s.Notify(c.Request.Context(), raw)
	if err != nil {
		status := http.StatusBadRequest
		if errs.ErrRelayPublishFailure.Is(err) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": errs.Text(err)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) handlePresence(c *gin.Context) {
	if s.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence store not configured"})
		return
	}
	id := midsec.IdentityFrom(c)
	user := c.Param("userId")
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	conns, err := s.presence.Connections(ctx, id.WorkspaceSlug, user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	if conns == nil {
		conns = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":      user,
		"online":      len(conns) > 0,
		"connections": conns,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}
