package models

import "time"

type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

type User struct {
	ID          string
	Email       string
	DisplayName string
	Role        UserRole
	Status      UserStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Device is a paired companion app (desktop or mobile) holding a refresh token.
type Device struct {
	ID               string
	UserID           string
	DeviceID         string
	DeviceName       string
	Platform         string
	RefreshTokenHash []byte
	CreatedAt        time.Time
	LastSeenAt       time.Time
	ExpiresAt        time.Time
}
