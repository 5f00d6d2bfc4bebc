package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventUser        = "user"
	streamEventUserDeleted = "user-deleted"
	streamEventHeartbeat   = "heartbeat"
	defaultHeartbeat       = 25 * time.Second
)

type StreamConfig struct {
	Heartbeat time.Duration
	Clock     func() time.Time
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// handleStream pushes the signed-in user over server-sent events. Each stream
// owns a session State registered under the session id, so logout ends it.
func (h *httpHandler) handleStream(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
		return
	}
	ctx := c.Request.Context()
	sessionID := claims.SessionID()

	state := h.sessions.Open(sessionID)
	defer h.sessions.Release(sessionID, state)
	if err := state.FetchUser(ctx, claims.UserID()); err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.stream.Heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("user stream opened",
		zap.String("user_id", claims.UserID()),
		zap.String("session_id", sessionID))

	for {
		select {
		case <-ctx.Done():
			return
		case user, open := <-state.Updates():
			if !open {
				h.logger.Debug("user stream closed by session", zap.String("session_id", sessionID))
				return
			}
			if user.IsEmpty() {
				c.SSEvent(streamEventUserDeleted, gin.H{"userId": claims.UserID()})
				c.Writer.Flush()
				return
			}
			c.SSEvent(streamEventUser, meResponse(user, claims.Profile()))
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{
				"timestamp": h.stream.Clock().UTC().Format(schema.TimestampLayout),
			})
			c.Writer.Flush()
		}
	}
}
