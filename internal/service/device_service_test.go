package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
	"github.com/stevemoraco/Kull-sub004/internal/security"
)

type deviceHarness struct {
	svc     *DeviceService
	devices *memDevices
	codes   *memCodes
	events  *recordingPublisher
	users   memUsers
}

func newDeviceHarness(maxDevices int) *deviceHarness {
	h := &deviceHarness{
		devices: newMemDevices(),
		codes:   newMemCodes(),
		events:  &recordingPublisher{},
		users: memUsers{
			"user-1": {ID: "user-1", Role: models.UserRoleUser, Status: models.UserStatusActive},
			"user-2": {ID: "user-2", Role: models.UserRoleUser, Status: models.UserStatusSuspended},
		},
	}
	h.svc = NewDeviceService(h.devices, h.users, h.codes, h.events, config.SecurityConfig{
		JWTAccessSecret: "secret",
		JWTAccessTTL:    time.Minute,
		JWTRefreshTTL:   time.Hour,
		PairingCodeTTL:  time.Minute,
		MaxDevices:      maxDevices,
	}, zerolog.Nop())
	return h
}

func (h *deviceHarness) pair(t *testing.T, userID string, deviceID string) DeviceTokens {
	t.Helper()
	code, err := h.svc.CreatePairingCode(context.Background(), userID)
	require.NoError(t, err)
	tokens, err := h.svc.Pair(context.Background(), PairInput{Code: code.Code, DeviceID: deviceID, Platform: "macos"})
	require.NoError(t, err)
	return tokens
}

func TestPairIssuesDeviceTokens(t *testing.T) {
	h := newDeviceHarness(5)
	tokens := h.pair(t, "user-1", "mac-1")

	claims, err := security.ParseAccessToken(tokens.AccessToken, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "mac-1", claims.DeviceID)
	assert.Equal(t, tokens.DeviceSessionID, claims.DeviceSessionID)
	assert.NoError(t, h.svc.Authorize(context.Background(), *claims))

	devices, err := h.svc.List(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Unknown Device", devices[0].DeviceName)
	assert.Len(t, h.events.ofType(realtime.TypeAdminSessionUpdate), 1)
}

func TestPairingCodeIsSingleUse(t *testing.T) {
	h := newDeviceHarness(5)
	code, err := h.svc.CreatePairingCode(context.Background(), "user-1")
	require.NoError(t, err)

	_, err = h.svc.Pair(context.Background(), PairInput{Code: code.Code, DeviceID: "mac-1"})
	require.NoError(t, err)
	_, err = h.svc.Pair(context.Background(), PairInput{Code: code.Code, DeviceID: "mac-2"})
	assert.ErrorIs(t, err, ErrInvalidPairingCode)

	_, err = h.svc.Pair(context.Background(), PairInput{Code: "", DeviceID: "mac-2"})
	assert.ErrorIs(t, err, ErrInvalidPairingCode)
}

func TestPairRejectsSuspendedUser(t *testing.T) {
	h := newDeviceHarness(5)
	code, err := h.svc.CreatePairingCode(context.Background(), "user-2")
	require.NoError(t, err)
	_, err = h.svc.Pair(context.Background(), PairInput{Code: code.Code, DeviceID: "mac-1"})
	assert.ErrorIs(t, err, ErrUserSuspended)
}

func TestRefreshRotatesToken(t *testing.T) {
	h := newDeviceHarness(5)
	first := h.pair(t, "user-1", "mac-1")

	second, err := h.svc.Refresh(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.DeviceSessionID, second.DeviceSessionID)

	_, err = h.svc.Refresh(context.Background(), first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshRejectsExpiredSession(t *testing.T) {
	h := newDeviceHarness(5)
	tokens := h.pair(t, "user-1", "mac-1")

	h.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := h.svc.Refresh(context.Background(), tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	devices, err := h.svc.List(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestDeviceLimitDropsOldest(t *testing.T) {
	h := newDeviceHarness(2)
	h.pair(t, "user-1", "mac-1")
	h.pair(t, "user-1", "mac-2")
	h.pair(t, "user-1", "mac-3")

	devices, err := h.svc.List(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "mac-3", devices[0].DeviceID)
	assert.Equal(t, "mac-2", devices[1].DeviceID)
}

func TestRevokeInvalidatesDeviceToken(t *testing.T) {
	h := newDeviceHarness(5)
	tokens := h.pair(t, "user-1", "mac-1")
	require.NoError(t, h.svc.Revoke(context.Background(), "user-1", "mac-1"))

	claims, err := security.ParseAccessToken(tokens.AccessToken, "secret")
	require.NoError(t, err)
	assert.Error(t, h.svc.Authorize(context.Background(), *claims))

	_, err = h.svc.Refresh(context.Background(), tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestAuthorizeAcceptsWebSessionTokens(t *testing.T) {
	h := newDeviceHarness(5)
	assert.NoError(t, h.svc.Authorize(context.Background(), security.AccessClaims{UserID: "user-1"}))
}

func TestAuthorizeTouchesDevice(t *testing.T) {
	h := newDeviceHarness(5)
	tokens := h.pair(t, "user-1", "mac-1")
	before, err := h.devices.GetByID(context.Background(), tokens.DeviceSessionID)
	require.NoError(t, err)

	claims, err := security.ParseAccessToken(tokens.AccessToken, "secret")
	require.NoError(t, err)
	require.NoError(t, h.svc.Authorize(context.Background(), *claims))

	after, err := h.devices.GetByID(context.Background(), tokens.DeviceSessionID)
	require.NoError(t, err)
	assert.True(t, after.LastSeenAt.After(before.LastSeenAt))
}
