package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/cache"
	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/ids"
	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
	"github.com/stevemoraco/Kull-sub004/internal/repository"
	"github.com/stevemoraco/Kull-sub004/internal/security"
)

var (
	ErrInvalidPairingCode  = errors.New("invalid or expired pairing code")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUserSuspended       = errors.New("user suspended")
)

const pairingCodeAttempts = 5

type DeviceStore interface {
	Upsert(ctx context.Context, device models.Device) error
	GetByID(ctx context.Context, id string) (models.Device, error)
	FindByRefreshHash(ctx context.Context, refreshHash []byte) (models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]models.Device, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	TrimOldest(ctx context.Context, userID string, keepLatest int) error
	Rotate(ctx context.Context, id string, refreshHash []byte, expiresAt time.Time) error
	Touch(ctx context.Context, id string) error
	DeleteByDevice(ctx context.Context, userID string, deviceID string) error
}

type UserLookup interface {
	GetByID(ctx context.Context, id string) (models.User, error)
}

type PairingCodeStore interface {
	Put(ctx context.Context, code string, userID string, ttl time.Duration) (bool, error)
	Take(ctx context.Context, code string) (string, error)
}

// DeviceService pairs companion apps with a user account and issues the
// tokens they use for the REST API and the sync socket.
type DeviceService struct {
	devices DeviceStore
	users   UserLookup
	codes   PairingCodeStore
	events  realtime.Publisher
	cfg     config.SecurityConfig
	log     zerolog.Logger
	now     func() time.Time
}

func NewDeviceService(
	devices DeviceStore,
	users UserLookup,
	codes PairingCodeStore,
	events realtime.Publisher,
	cfg config.SecurityConfig,
	log zerolog.Logger,
) *DeviceService {
	return &DeviceService{
		devices: devices,
		users:   users,
		codes:   codes,
		events:  events,
		cfg:     cfg,
		log:     log.With().Str("component", "devices").Logger(),
		now:     time.Now,
	}
}

type PairingCode struct {
	Code      string
	ExpiresAt time.Time
}

type PairInput struct {
	Code       string
	DeviceID   string
	DeviceName string
	Platform   string
}

type DeviceTokens struct {
	AccessToken     string
	RefreshToken    string
	ExpiresIn       time.Duration
	UserID          string
	DeviceID        string
	DeviceSessionID string
}

// CreatePairingCode issues a one-time code the signed-in user types into a
// new device.
func (s *DeviceService) CreatePairingCode(ctx context.Context, userID string) (PairingCode, error) {
	for i := 0; i < pairingCodeAttempts; i++ {
		code, err := security.GeneratePairingCode()
		if err != nil {
			return PairingCode{}, err
		}
		ok, err := s.codes.Put(ctx, code, userID, s.cfg.PairingCodeTTL)
		if err != nil {
			return PairingCode{}, err
		}
		if ok {
			return PairingCode{Code: code, ExpiresAt: s.now().Add(s.cfg.PairingCodeTTL)}, nil
		}
	}
	return PairingCode{}, fmt.Errorf("no free pairing code after %d attempts", pairingCodeAttempts)
}

func (s *DeviceService) Pair(ctx context.Context, input PairInput) (DeviceTokens, error) {
	input.Code = strings.TrimSpace(input.Code)
	input.DeviceID = strings.TrimSpace(input.DeviceID)
	if input.Code == "" || input.DeviceID == "" {
		return DeviceTokens{}, ErrInvalidPairingCode
	}

	userID, err := s.codes.Take(ctx, input.Code)
	if err != nil {
		if errors.Is(err, cache.ErrPairingCodeNotFound) {
			return DeviceTokens{}, ErrInvalidPairingCode
		}
		return DeviceTokens{}, err
	}

	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return DeviceTokens{}, err
	}

	deviceName := input.DeviceName
	if deviceName == "" {
		deviceName = "Unknown Device"
	}

	refreshToken, refreshHash, err := security.GenerateRefreshToken(64)
	if err != nil {
		return DeviceTokens{}, err
	}

	device := models.Device{
		ID:               ids.New(),
		UserID:           user.ID,
		DeviceID:         input.DeviceID,
		DeviceName:       deviceName,
		Platform:         input.Platform,
		RefreshTokenHash: refreshHash,
		ExpiresAt:        s.now().Add(s.cfg.JWTRefreshTTL),
	}
	if err := s.devices.Upsert(ctx, device); err != nil {
		return DeviceTokens{}, err
	}

	if err := s.enforceDeviceLimit(ctx, user.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("enforce device limit failed")
	}

	s.notify(ctx, user.ID, "device_paired", deviceName)

	return s.issue(user, device, refreshToken)
}

func (s *DeviceService) Refresh(ctx context.Context, refreshToken string) (DeviceTokens, error) {
	if refreshToken == "" {
		return DeviceTokens{}, ErrInvalidRefreshToken
	}
	device, err := s.devices.FindByRefreshHash(ctx, security.HashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return DeviceTokens{}, ErrInvalidRefreshToken
		}
		return DeviceTokens{}, err
	}
	if device.ExpiresAt.Before(s.now()) {
		_ = s.devices.DeleteByDevice(ctx, device.UserID, device.DeviceID)
		return DeviceTokens{}, ErrInvalidRefreshToken
	}

	user, err := s.activeUser(ctx, device.UserID)
	if err != nil {
		return DeviceTokens{}, err
	}

	next, nextHash, err := security.GenerateRefreshToken(64)
	if err != nil {
		return DeviceTokens{}, err
	}
	expiresAt := s.now().Add(s.cfg.JWTRefreshTTL)
	if err := s.devices.Rotate(ctx, device.ID, nextHash, expiresAt); err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return DeviceTokens{}, ErrInvalidRefreshToken
		}
		return DeviceTokens{}, err
	}
	device.RefreshTokenHash = nextHash
	device.ExpiresAt = expiresAt

	return s.issue(user, device, next)
}

func (s *DeviceService) List(ctx context.Context, userID string) ([]models.Device, error) {
	return s.devices.ListByUser(ctx, userID)
}

func (s *DeviceService) Revoke(ctx context.Context, userID string, deviceID string) error {
	if err := s.devices.DeleteByDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	s.notify(ctx, userID, "device_revoked", deviceID)
	return nil
}

// Authorize checks that a device token still maps to a paired device.
// Tokens without a device session belong to web sessions and pass.
func (s *DeviceService) Authorize(ctx context.Context, claims security.AccessClaims) error {
	if claims.DeviceSessionID == "" {
		return nil
	}
	device, err := s.devices.GetByID(ctx, claims.DeviceSessionID)
	if err != nil {
		return err
	}
	if device.UserID != claims.UserID || device.DeviceID != claims.DeviceID {
		return ErrInvalidRefreshToken
	}
	if err := s.devices.Touch(ctx, device.ID); err != nil {
		s.log.Debug().Err(err).Str("device_id", device.DeviceID).Msg("touch device failed")
	}
	return nil
}

func (s *DeviceService) activeUser(ctx context.Context, userID string) (models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	if user.Status != models.UserStatusActive {
		return models.User{}, ErrUserSuspended
	}
	return user, nil
}

func (s *DeviceService) issue(user models.User, device models.Device, refreshToken string) (DeviceTokens, error) {
	accessToken, err := security.GenerateAccessToken(s.cfg.JWTAccessSecret, security.Subject{
		UserID:          user.ID,
		DeviceSessionID: device.ID,
		DeviceID:        device.DeviceID,
		Role:            string(user.Role),
	}, s.cfg.JWTAccessTTL)
	if err != nil {
		return DeviceTokens{}, err
	}
	return DeviceTokens{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		ExpiresIn:       s.cfg.JWTAccessTTL,
		UserID:          user.ID,
		DeviceID:        device.DeviceID,
		DeviceSessionID: device.ID,
	}, nil
}

func (s *DeviceService) enforceDeviceLimit(ctx context.Context, userID string) error {
	if s.cfg.MaxDevices <= 0 {
		return nil
	}
	count, err := s.devices.CountByUser(ctx, userID)
	if err != nil {
		return err
	}
	if count <= s.cfg.MaxDevices {
		return nil
	}
	return s.devices.TrimOldest(ctx, userID, s.cfg.MaxDevices)
}

func (s *DeviceService) notify(ctx context.Context, userID string, action string, message string) {
	if s.events == nil {
		return
	}
	env, err := realtime.NewEnvelope(userID, "", realtime.AdminSessionUpdate{Action: action, Message: message})
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, env); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("publish session update failed")
	}
}
