package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/batch"
	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/middleware"
	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/providers"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
	"github.com/stevemoraco/Kull-sub004/internal/repository"
	"github.com/stevemoraco/Kull-sub004/internal/salesguard"
	"github.com/stevemoraco/Kull-sub004/internal/security"
	"github.com/stevemoraco/Kull-sub004/internal/service"
)

type BatchService interface {
	Submit(ctx context.Context, in batch.SubmitInput) (batch.SubmitResult, error)
	Status(ctx context.Context, userID, jobID string) (batch.StatusView, error)
	Results(ctx context.Context, userID, jobID string) (batch.ResultsView, error)
	List(ctx context.Context, userID string, limit, offset int) ([]models.BatchJob, error)
	Cancel(ctx context.Context, userID, jobID string) (batch.StatusView, error)
	Pause(ctx context.Context, userID, jobID string) (batch.StatusView, error)
	Resume(ctx context.Context, userID, jobID string) (batch.StatusView, error)
}

type CreditService interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Grant(ctx context.Context, userID string, credits int64, reason string) (int64, error)
	History(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error)
}

type DeviceService interface {
	CreatePairingCode(ctx context.Context, userID string) (service.PairingCode, error)
	Pair(ctx context.Context, in service.PairInput) (service.DeviceTokens, error)
	Refresh(ctx context.Context, refreshToken string) (service.DeviceTokens, error)
	List(ctx context.Context, userID string) ([]models.Device, error)
	Revoke(ctx context.Context, userID string, deviceID string) error
	Authorize(ctx context.Context, claims security.AccessClaims) error
}

type UserAdmin interface {
	UpdateStatus(ctx context.Context, id string, status models.UserStatus) error
}

type JobStatsSource interface {
	Stats(ctx context.Context, since time.Time) (repository.JobStats, error)
}

type DebitTotals interface {
	TotalDebited(ctx context.Context, since time.Time) (int64, error)
}

// SocketRegistry reports the sync sockets held by this node.
type SocketRegistry interface {
	ConnectionCount() int
	Devices(userID string) []string
}

// HealthCheck pings one backing service.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Config      *config.AppConfig
	Batch       BatchService
	Credits     CreditService
	Devices     DeviceService
	Users       middleware.UserLookup
	UserAdmin   UserAdmin
	JobStats    JobStatsSource
	Debits      DebitTotals
	Connections SocketRegistry
	Events      realtime.Publisher
	Validator   *salesguard.Validator
	Checks      map[string]HealthCheck
}

type HandlerSet struct {
	log         zerolog.Logger
	cfg         *config.AppConfig
	batch       BatchService
	credits     CreditService
	devices     DeviceService
	users       middleware.UserLookup
	userAdmin   UserAdmin
	jobStats    JobStatsSource
	debits      DebitTotals
	connections SocketRegistry
	events      realtime.Publisher
	validator   *salesguard.Validator
	checks      map[string]HealthCheck
}

func NewHandlerSet(log zerolog.Logger, deps Deps) HandlerSet {
	validator := deps.Validator
	if validator == nil {
		validator = salesguard.NewValidator(nil)
	}
	return HandlerSet{
		log:         log.With().Str("component", "http").Logger(),
		cfg:         deps.Config,
		batch:       deps.Batch,
		credits:     deps.Credits,
		devices:     deps.Devices,
		users:       deps.Users,
		userAdmin:   deps.UserAdmin,
		jobStats:    deps.JobStats,
		debits:      deps.Debits,
		connections: deps.Connections,
		events:      deps.Events,
		validator:   validator,
		checks:      deps.Checks,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)
	router.GET("/ai/providers", h.ListProviders)
	router.POST("/chat/validate", h.ValidateChat)

	public := router.Group("/devices")
	public.POST("/pair", h.PairDevice)
	public.POST("/refresh", h.RefreshDevice)

	auth := middleware.Auth(h.cfg.Security.JWTAccessSecret, h.devices, h.users)

	batchGroup := router.Group("/batch", auth)
	{
		batchGroup.POST("/process", h.SubmitBatch)
		batchGroup.GET("/status/:jobId", h.BatchStatus)
		batchGroup.GET("/results/:jobId", h.BatchResults)
		batchGroup.GET("/jobs", h.ListBatchJobs)
		batchGroup.POST("/:jobId/cancel", h.CancelBatch)
		batchGroup.POST("/:jobId/pause", h.PauseBatch)
		batchGroup.POST("/:jobId/resume", h.ResumeBatch)
	}

	credits := router.Group("/credits", auth)
	credits.GET("/balance", h.CreditBalance)
	credits.GET("/history", h.CreditHistory)

	devices := router.Group("/devices", auth)
	devices.POST("/pairing-code", h.CreatePairingCode)
	devices.GET("", h.ListDevices)
	devices.DELETE("/:deviceId", h.RevokeDevice)

	admin := router.Group("/admin", auth, middleware.RequireRoles(models.UserRoleAdmin))
	admin.GET("/analytics", h.AdminAnalytics)
	admin.POST("/credits", h.AdminGrantCredits)
	admin.POST("/broadcast", h.AdminBroadcast)
	admin.PUT("/users/:userId/status", h.AdminSetUserStatus)
}

func currentUserID(c *gin.Context) string {
	user, _ := middleware.CurrentUser(c)
	return user.ID
}

func paging(c *gin.Context) (limit int, offset int) {
	limit = 20
	if perPage := c.Query("perPage"); perPage != "" {
		if v, err := strconv.Atoi(perPage); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if page := c.Query("page"); page != "" {
		if v, err := strconv.Atoi(page); err == nil && v > 1 {
			offset = (v - 1) * limit
		}
	}
	return limit, offset
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and hidden.
func (h HandlerSet) writeError(c *gin.Context, err error) {
	var (
		validation *batch.ValidationError
		notReady   *batch.NotReadyError
		state      *batch.StateError
		configErr  *providers.ConfigurationError
	)

	switch {
	case errors.As(err, &validation):
		body := gin.H{"error": validation.Error()}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &notReady):
		c.JSON(http.StatusConflict, gin.H{"error": notReady.Error(), "status": notReady.Status})
	case errors.As(err, &state):
		c.JSON(http.StatusConflict, gin.H{"error": state.Error(), "status": state.Status})
	case errors.Is(err, batch.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrJobNotFound),
		errors.Is(err, repository.ErrDeviceNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidPairingCode),
		errors.Is(err, service.ErrInvalidRefreshToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUserSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidGrant):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &configErr):
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("provider configuration error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
	}
}
