package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
)

const defaultAnalyticsWindow = 30 * 24 * time.Hour

type grantRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Credits int64  `json:"credits" binding:"required"`
	Reason  string `json:"reason"`
}

type userStatusRequest struct {
	Status models.UserStatus `json:"status" binding:"required"`
}

type broadcastRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Action  string `json:"action" binding:"required"`
	Message string `json:"message"`
}

func (h HandlerSet) AdminAnalytics(c *gin.Context) {
	window := defaultAnalyticsWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
			return
		}
		window = d
	}
	since := time.Now().Add(-window)

	stats, err := h.jobStats.Stats(c.Request.Context(), since)
	if err != nil {
		h.writeError(c, err)
		return
	}
	debited, err := h.debits.TotalDebited(c.Request.Context(), since)
	if err != nil {
		h.writeError(c, err)
		return
	}

	sockets := 0
	if h.connections != nil {
		sockets = h.connections.ConnectionCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"since":           since,
		"jobsByStatus":    stats.ByStatus,
		"jobsByProvider":  stats.ByProvider,
		"imagesProcessed": stats.ImagesProcessed,
		"creditsDebited":  debited,
		"activeSockets":   sockets,
	})
}

func (h HandlerSet) AdminGrantCredits(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "admin grant"
	}
	balance, err := h.credits.Grant(c.Request.Context(), req.UserID, req.Credits, reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.log.Info().
		Str("admin_id", currentUserID(c)).
		Str("user_id", req.UserID).
		Int64("credits", req.Credits).
		Msg("admin granted credits")

	c.JSON(http.StatusOK, gin.H{"userId": req.UserID, "balance": balance})
}

func (h HandlerSet) AdminBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env, err := realtime.NewEnvelope(req.UserID, "", realtime.AdminSessionUpdate{Action: req.Action, Message: req.Message})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.events.Publish(c.Request.Context(), env); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"delivered": true})
}

// AdminSetUserStatus suspends or reactivates a user. Suspended users are
// rejected by the auth middleware on their next request.
func (h HandlerSet) AdminSetUserStatus(c *gin.Context) {
	var req userStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != models.UserStatusActive && req.Status != models.UserStatusSuspended {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active or suspended"})
		return
	}

	userID := c.Param("userId")
	if err := h.userAdmin.UpdateStatus(c.Request.Context(), userID, req.Status); err != nil {
		h.writeError(c, err)
		return
	}

	h.log.Info().
		Str("admin_id", currentUserID(c)).
		Str("user_id", userID).
		Str("status", string(req.Status)).
		Msg("user status changed")

	if req.Status == models.UserStatusSuspended {
		env, err := realtime.NewEnvelope(userID, "", realtime.AdminSessionUpdate{Action: "suspended"})
		if err == nil {
			_ = h.events.Publish(c.Request.Context(), env)
		}
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "status": req.Status})
}
