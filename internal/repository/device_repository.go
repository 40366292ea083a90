package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

var ErrDeviceNotFound = errors.New("device not found")

const deviceColumns = `
	id, user_id, device_id, device_name, platform, refresh_token_hash, created_at, last_seen_at, expires_at
`

// DeviceRepository stores paired companion app sessions, one per
// (user, device) pair.
type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

func scanDevice(row pgx.Row) (models.Device, error) {
	var device models.Device
	err := row.Scan(
		&device.ID,
		&device.UserID,
		&device.DeviceID,
		&device.DeviceName,
		&device.Platform,
		&device.RefreshTokenHash,
		&device.CreatedAt,
		&device.LastSeenAt,
		&device.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Device{}, ErrDeviceNotFound
	}
	return device, err
}

// Upsert pairs a device, replacing the session of a device that pairs again.
func (r *DeviceRepository) Upsert(ctx context.Context, device models.Device) error {
	const query = `
		INSERT INTO device_sessions (
			id, user_id, device_id, device_name, platform, refresh_token_hash, created_at, last_seen_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, NOW(), NOW(), $7
		)
		ON CONFLICT (user_id, device_id)
		DO UPDATE SET
			id = EXCLUDED.id,
			device_name = EXCLUDED.device_name,
			platform = EXCLUDED.platform,
			refresh_token_hash = EXCLUDED.refresh_token_hash,
			last_seen_at = NOW(),
			expires_at = EXCLUDED.expires_at
	`
	_, err := r.pool.Exec(ctx, query,
		device.ID,
		device.UserID,
		device.DeviceID,
		device.DeviceName,
		device.Platform,
		device.RefreshTokenHash,
		device.ExpiresAt,
	)
	return err
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (models.Device, error) {
	return scanDevice(r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device_sessions WHERE id = $1`, id))
}

func (r *DeviceRepository) FindByRefreshHash(ctx context.Context, refreshHash []byte) (models.Device, error) {
	return scanDevice(r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device_sessions WHERE refresh_token_hash = $1`, refreshHash))
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM device_sessions
		WHERE user_id = $1
		ORDER BY last_seen_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (r *DeviceRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM device_sessions WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// TrimOldest keeps the keepLatest most recently seen devices of a user.
func (r *DeviceRepository) TrimOldest(ctx context.Context, userID string, keepLatest int) error {
	const query = `
		DELETE FROM device_sessions
		WHERE id IN (
			SELECT id FROM device_sessions
			WHERE user_id = $1
			ORDER BY last_seen_at DESC
			OFFSET $2
		)
	`
	_, err := r.pool.Exec(ctx, query, userID, keepLatest)
	return err
}

// Rotate swaps in a new refresh token hash, invalidating the previous one.
func (r *DeviceRepository) Rotate(ctx context.Context, id string, refreshHash []byte, expiresAt time.Time) error {
	const query = `
		UPDATE device_sessions
		SET refresh_token_hash = $2, expires_at = $3, last_seen_at = NOW()
		WHERE id = $1
	`
	cmd, err := r.pool.Exec(ctx, query, id, refreshHash, expiresAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *DeviceRepository) Touch(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE device_sessions SET last_seen_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *DeviceRepository) DeleteByDevice(ctx context.Context, userID string, deviceID string) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM device_sessions WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
