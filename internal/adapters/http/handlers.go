package http

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/dkeye/Realtime/internal/adapters/signal"
	"github.com/dkeye/Realtime/internal/app/orch"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	orch        *orch.Orchestrator
	eventsToken string
}

type SessionRequest struct {
	Token string `json:"token" binding:"required"`
}

type SessionResponse struct {
	UserID    domain.UserID `json:"userId"`
	Role      domain.Role   `json:"role,omitempty"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

type EventRequest struct {
	Type          domain.EventType     `json:"event_type" binding:"required"`
	AggregateType string               `json:"aggregate_type" binding:"required"`
	AggregateID   string               `json:"aggregate_id"`
	Payload       json.RawMessage      `json:"payload" binding:"required"`
	Metadata      domain.EventMetadata `json:"metadata"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.orch.Registry.Count()})
}

// createSession stores a validated access token in the browser session, the
// lowest-precedence credential source of the websocket handshake.
func (h *handlers) createSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid token", "code": domain.CodeBadRequest})
		return
	}
	claims, err := h.orch.Gate.ValidateToken(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": domain.Code(err)})
		return
	}
	s := sessions.Default(c)
	s.Set(signal.SessionTokenKey, req.Token)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable", "code": domain.CodeInternal})
		return
	}
	resp := SessionResponse{UserID: domain.UserID(claims.Subject), Role: domain.Role(claims.Role)}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = &claims.ExpiresAt.Time
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) deleteSession(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("session clear")
	}
	c.Status(http.StatusNoContent)
}

// requireEventsToken guards event ingest and the introspection routes. An
// empty token is only accepted outside release mode.
func (h *handlers) requireEventsToken(c *gin.Context) {
	if h.eventsToken == "" {
		c.Next()
		return
	}
	got := c.GetHeader("X-Events-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.eventsToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid events token", "code": string(domain.AuthFailed)})
		return
	}
	c.Next()
}

// publishEvent lets out-of-process producers feed the event bus. Delivery is
// synchronous; handler failures are isolated and do not fail the request.
func (h *handlers) publishEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": domain.CodeBadRequest})
		return
	}
	if !json.Valid(req.Payload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is not valid JSON", "code": domain.CodeBadRequest})
		return
	}
	evt := domain.DomainEvent{
		ID:            uuid.NewString(),
		Type:          req.Type,
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		Payload:       req.Payload,
		Metadata:      req.Metadata,
		Timestamp:     time.Now().UTC(),
		Version:       1,
	}
	h.orch.Bus.Publish(c.Request.Context(), evt)
	c.JSON(http.StatusAccepted, gin.H{"event_id": evt.ID})
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Stats())
}

func (h *handlers) rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.Registry.Stats().Rooms})
}
