package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pairingKeyPrefix = "pairing:"

var ErrPairingCodeNotFound = errors.New("pairing code not found")

// PairingCodes keeps short-lived device pairing codes in redis. A code maps
// to the user that requested it and can be redeemed once.
type PairingCodes struct {
	client *redis.Client
}

func NewPairingCodes(client *redis.Client) *PairingCodes {
	return &PairingCodes{client: client}
}

// Put stores code for userID unless the code is already taken.
func (p *PairingCodes) Put(ctx context.Context, code string, userID string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, pairingKeyPrefix+code, userID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store pairing code: %w", err)
	}
	return ok, nil
}

// Take redeems code, deleting it atomically.
func (p *PairingCodes) Take(ctx context.Context, code string) (string, error) {
	userID, err := p.client.GetDel(ctx, pairingKeyPrefix+code).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrPairingCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redeem pairing code: %w", err)
	}
	return userID, nil
}
