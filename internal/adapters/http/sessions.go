package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SessionHandlers is the REST surface over the session store and rosters.
type SessionHandlers struct {
	Relay    core.Relay
	Registry *app.Registry
}

func (h *SessionHandlers) Register(api *gin.RouterGroup) {
	api.GET("/sessions", h.list)
	api.GET("/sessions/:id", h.get)
	api.POST("/sessions/:id/start", h.start)
	api.POST("/sessions/:id/end", h.end)
	api.POST("/sessions/:id/whiteboard", h.whiteboard)
	api.GET("/sessions/:id/members", h.members)
	api.GET("/sessions/:id/clients", h.clients)
}

func (h *SessionHandlers) list(c *gin.Context) {
	list, err := h.Relay.Sessions().List(c.Request.Context())
	if err != nil {
		relayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *SessionHandlers) get(c *gin.Context) {
	s, ok, err := h.Relay.Sessions().Get(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		relayError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrSessionNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

// POST /api/sessions/:id/start starts (or restarts) the session with the
// caller as presenter.
func (h *SessionHandlers) start(c *gin.Context) {
	p := participantFrom(c)
	if p.Role != domain.RolePresenter {
		c.JSON(http.StatusForbidden, gin.H{"error": core.ErrNotPresenter.Error()})
		return
	}
	id := domain.SessionID(c.Param("id"))
	s, err := h.Relay.Sessions().Start(c.Request.Context(), id, p.ID)
	if err != nil {
		relayError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", string(id)).Str("presenter", string(p.ID)).Msg("session started")
	c.JSON(http.StatusOK, s)
}

func (h *SessionHandlers) end(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if !h.ownedByCaller(c, id) {
		return
	}
	if err := h.Relay.Sessions().End(c.Request.Context(), id); err != nil {
		relayError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", string(id)).Msg("session ended")
	c.Status(http.StatusNoContent)
}

func (h *SessionHandlers) whiteboard(c *gin.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	id := domain.SessionID(c.Param("id"))
	if !h.ownedByCaller(c, id) {
		return
	}
	if err := h.Relay.Sessions().SetWhiteboard(c.Request.Context(), id, req.Active); err != nil {
		relayError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandlers) members(c *gin.Context) {
	list, err := h.Relay.Membership(domain.SessionID(c.Param("id"))).Members(c.Request.Context())
	if err != nil {
		relayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": list})
}

// clients lists the bridge connections of this server instance.
func (h *SessionHandlers) clients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": h.Registry.ClientsOfSession(domain.SessionID(c.Param("id")))})
}

func (h *SessionHandlers) ownedByCaller(c *gin.Context, id domain.SessionID) bool {
	s, ok, err := h.Relay.Sessions().Get(c.Request.Context(), id)
	if err != nil {
		relayError(c, err)
		return false
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrSessionNotFound.Error()})
		return false
	}
	if s.PresenterID != participantFrom(c).ID {
		c.JSON(http.StatusForbidden, gin.H{"error": core.ErrNotPresenter.Error()})
		return false
	}
	return true
}

func relayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case core.IsTransport(err):
		log.Error().Err(err).Str("module", "adapters.http").Msg("relay unavailable")
		c.JSON(http.StatusBadGateway, gin.H{"error": "relay unavailable"})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Msg("relay error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
