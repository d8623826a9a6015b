// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	devices map[string]*Device      // keyed by device ID
	codes   map[string]*PairingCode // keyed by code
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		devices: make(map[string]*Device),
		codes:   make(map[string]*PairingCode),
	}
}

// SaveDevice stores a device, replacing any existing record.
func (m *MockStore) SaveDevice(ctx context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy to avoid external modification
	d := *device
	m.devices[d.DeviceID] = &d
	return nil
}

// GetDevice retrieves a device by ID.
func (m *MockStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *d
	return &copy, nil
}

// ListDevicesForUser returns all of a user's devices, newest pairing first.
func (m *MockStore) ListDevicesForUser(ctx context.Context, userID string) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var devices []*Device
	for _, d := range m.devices {
		if d.UserID == userID {
			copy := *d
			devices = append(devices, &copy)
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].PairedAt.After(devices[j].PairedAt)
	})
	return devices, nil
}

// RevokeDevice marks a device revoked.
func (m *MockStore) RevokeDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Revoked = true
	return nil
}

// RevokeAllDevices revokes every device of the user.
func (m *MockStore) RevokeAllDevices(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, d := range m.devices {
		if d.UserID == userID && !d.Revoked {
			d.Revoked = true
			ids = append(ids, d.DeviceID)
		}
	}
	return ids, nil
}

// UpdateSequence advances the replay counter if seq is newer.
func (m *MockStore) UpdateSequence(ctx context.Context, deviceID string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	if d.LastSequence >= seq {
		return ErrStaleSequence
	}
	d.LastSequence = seq
	d.LastActiveAt = time.Now().UTC()
	return nil
}

// UpdateDeviceToken replaces the device's bearer credential.
func (m *MockStore) UpdateDeviceToken(ctx context.Context, deviceID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.DeviceToken = token
	return nil
}

// TouchDevice records activity on the device.
func (m *MockStore) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[deviceID]; ok {
		d.LastActiveAt = at.UTC()
	}
	return nil
}

// CreatePairingCode stores a fresh pairing code.
func (m *MockStore) CreatePairingCode(ctx context.Context, code *PairingCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.codes[code.Code]; exists {
		return ErrCodeExists
	}
	c := *code
	m.codes[c.Code] = &c
	return nil
}

// ConsumePairingCode claims a live code exactly once.
func (m *MockStore) ConsumePairingCode(ctx context.Context, code string, now time.Time) (*PairingCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	if c.ConsumedAt != nil {
		return nil, ErrCodeConsumed
	}
	if !c.ExpiresAt.After(now) {
		return nil, ErrCodeExpired
	}
	t := now.UTC()
	c.ConsumedAt = &t
	copy := *c
	return &copy, nil
}

// DeleteExpiredPairingCodes removes codes past their TTL.
func (m *MockStore) DeleteExpiredPairingCodes(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for code, c := range m.codes {
		if !c.ExpiresAt.After(now) {
			delete(m.codes, code)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
