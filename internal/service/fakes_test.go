package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stevemoraco/Kull-sub004/internal/cache"
	"github.com/stevemoraco/Kull-sub004/internal/models"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
	"github.com/stevemoraco/Kull-sub004/internal/repository"
)

type memDevices struct {
	mu      sync.Mutex
	devices map[string]models.Device
	seen    int
}

func newMemDevices() *memDevices {
	return &memDevices{devices: map[string]models.Device{}}
}

func (m *memDevices) Upsert(_ context.Context, device models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.devices {
		if d.UserID == device.UserID && d.DeviceID == device.DeviceID {
			delete(m.devices, id)
		}
	}
	m.seen++
	device.LastSeenAt = time.Unix(int64(m.seen), 0)
	m.devices[device.ID] = device
	return nil
}

func (m *memDevices) GetByID(_ context.Context, id string) (models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return models.Device{}, repository.ErrDeviceNotFound
	}
	return d, nil
}

func (m *memDevices) FindByRefreshHash(_ context.Context, hash []byte) (models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if string(d.RefreshTokenHash) == string(hash) {
			return d, nil
		}
	}
	return models.Device{}, repository.ErrDeviceNotFound
}

func (m *memDevices) ListByUser(_ context.Context, userID string) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Device
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (m *memDevices) CountByUser(ctx context.Context, userID string) (int, error) {
	list, _ := m.ListByUser(ctx, userID)
	return len(list), nil
}

func (m *memDevices) TrimOldest(ctx context.Context, userID string, keep int) error {
	list, _ := m.ListByUser(ctx, userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := keep; i < len(list); i++ {
		delete(m.devices, list[i].ID)
	}
	return nil
}

func (m *memDevices) Rotate(_ context.Context, id string, hash []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return repository.ErrDeviceNotFound
	}
	d.RefreshTokenHash = hash
	d.ExpiresAt = expiresAt
	m.devices[id] = d
	return nil
}

func (m *memDevices) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return repository.ErrDeviceNotFound
	}
	m.seen++
	d.LastSeenAt = time.Unix(int64(m.seen), 0)
	m.devices[id] = d
	return nil
}

func (m *memDevices) DeleteByDevice(_ context.Context, userID string, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.devices {
		if d.UserID == userID && d.DeviceID == deviceID {
			delete(m.devices, id)
			return nil
		}
	}
	return repository.ErrDeviceNotFound
}

type memUsers map[string]models.User

func (m memUsers) GetByID(_ context.Context, id string) (models.User, error) {
	u, ok := m[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

type memCodes struct {
	mu    sync.Mutex
	codes map[string]string
}

func newMemCodes() *memCodes {
	return &memCodes{codes: map[string]string{}}
}

func (m *memCodes) Put(_ context.Context, code string, userID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code]; ok {
		return false, nil
	}
	m.codes[code] = userID
	return true, nil
}

func (m *memCodes) Take(_ context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.codes[code]
	if !ok {
		return "", cache.ErrPairingCodeNotFound
	}
	delete(m.codes, code)
	return userID, nil
}

type memLedger struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
}

func (m *memLedger) Append(_ context.Context, entry models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memLedger) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.entries {
		if e.UserID == userID {
			total += e.Signed()
		}
	}
	return total, nil
}

func (m *memLedger) ListByUser(_ context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []realtime.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env realtime.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) ofType(t realtime.MessageType) []realtime.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Envelope
	for _, env := range p.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}
