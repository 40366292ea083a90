package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stevemoraco/Kull-sub004/internal/service"
)

type pairRequest struct {
	Code       string `json:"code" binding:"required"`
	DeviceID   string `json:"deviceId" binding:"required"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type tokenResponse struct {
	AccessToken     string `json:"accessToken"`
	RefreshToken    string `json:"refreshToken"`
	ExpiresIn       int64  `json:"expiresIn"`
	UserID          string `json:"userId"`
	DeviceID        string `json:"deviceId"`
	DeviceSessionID string `json:"deviceSessionId"`
}

type deviceResponse struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Platform   string    `json:"platform"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Connected  bool      `json:"connected"`
}

func toTokenResponse(t service.DeviceTokens) tokenResponse {
	return tokenResponse{
		AccessToken:     t.AccessToken,
		RefreshToken:    t.RefreshToken,
		ExpiresIn:       int64(t.ExpiresIn / time.Second),
		UserID:          t.UserID,
		DeviceID:        t.DeviceID,
		DeviceSessionID: t.DeviceSessionID,
	}
}

func (h HandlerSet) CreatePairingCode(c *gin.Context) {
	code, err := h.devices.CreatePairingCode(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"code":      code.Code,
		"expiresAt": code.ExpiresAt,
	})
}

func (h HandlerSet) PairDevice(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := h.devices.Pair(c.Request.Context(), service.PairInput{
		Code:       req.Code,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		Platform:   req.Platform,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTokenResponse(tokens))
}

func (h HandlerSet) RefreshDevice(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := h.devices.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTokenResponse(tokens))
}

func (h HandlerSet) ListDevices(c *gin.Context) {
	devices, err := h.devices.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	online := map[string]bool{}
	if h.connections != nil {
		for _, id := range h.connections.Devices(currentUserID(c)) {
			online[id] = true
		}
	}

	items := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		items = append(items, deviceResponse{
			DeviceID:   d.DeviceID,
			DeviceName: d.DeviceName,
			Platform:   d.Platform,
			CreatedAt:  d.CreatedAt,
			LastSeenAt: d.LastSeenAt,
			Connected:  online[d.DeviceID],
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h HandlerSet) RevokeDevice(c *gin.Context) {
	if err := h.devices.Revoke(c.Request.Context(), currentUserID(c), c.Param("deviceId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
