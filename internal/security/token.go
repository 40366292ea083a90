package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is carried by both web session tokens minted by the identity
// provider and device tokens minted on pairing. Device tokens also carry
// the device session id.
type AccessClaims struct {
	UserID          string `json:"uid"`
	DeviceSessionID string `json:"sid,omitempty"`
	DeviceID        string `json:"did,omitempty"`
	Role            string `json:"role"`
	jwt.RegisteredClaims
}

type Subject struct {
	UserID          string
	DeviceSessionID string
	DeviceID        string
	Role            string
}

func GenerateAccessToken(secret string, sub Subject, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UserID:          sub.UserID,
		DeviceSessionID: sub.DeviceSessionID,
		DeviceID:        sub.DeviceID,
		Role:            sub.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   sub.UserID,
			ID:        sub.DeviceSessionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func ParseAccessToken(tokenStr string, secret string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user")
	}
	return claims, nil
}

func GenerateRefreshToken(length int) (string, []byte, error) {
	if length <= 0 {
		length = 64
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate refresh token: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(buf)
	hash := HashRefreshToken(token)
	return token, hash, nil
}

func HashRefreshToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

var pairingCodeMax = big.NewInt(1_000_000)

// GeneratePairingCode returns a zero padded six digit code.
func GeneratePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, pairingCodeMax)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
