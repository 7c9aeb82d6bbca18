package e2ee

import (
	"context"
	"sync"
	"time"
)

// ServerKeyStore holds the server side wrapped data key per user. Load
// returns ErrNotInitialized when the user has no record.
type ServerKeyStore interface {
	LoadServerKey(ctx context.Context, userId string) (*ServerKeyRecord, error)
	SaveServerKey(ctx context.Context, userId string, wrapped WrappedDataKey) error
}

// DeviceStore holds trusted device records on the local device. Load
// returns nil without error when the device has never been trusted.
type DeviceStore interface {
	LoadDevice(ctx context.Context, userId string) (*TrustedDevice, error)
	SaveDevice(ctx context.Context, dev *TrustedDevice) error
}

type MemStore struct {
	mu      sync.Mutex
	keys    map[string]ServerKeyRecord
	devices map[string]TrustedDevice
	now     func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		keys:    map[string]ServerKeyRecord{},
		devices: map[string]TrustedDevice{},
		now:     time.Now,
	}
}

func (m *MemStore) LoadServerKey(ctx context.Context, userId string) (*ServerKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.keys[userId]
	if !ok {
		return nil, ErrNotInitialized
	}

	return &rec, nil
}

func (m *MemStore) SaveServerKey(ctx context.Context, userId string, wrapped WrappedDataKey) error {
	if err := wrapped.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[userId] = ServerKeyRecord{
		UserId:         userId,
		WrappedDataKey: wrapped,
		KeyVersion:     wrapped.KeyVersion,
		UpdatedAt:      m.now().UTC(),
	}

	return nil
}

func (m *MemStore) LoadDevice(ctx context.Context, userId string) (*TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[userId]
	if !ok {
		return nil, nil
	}

	dev.DeviceKey = append([]byte(nil), dev.DeviceKey...)
	return &dev, nil
}

func (m *MemStore) SaveDevice(ctx context.Context, dev *TrustedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *dev
	cp.DeviceKey = append([]byte(nil), dev.DeviceKey...)
	m.devices[dev.UserId] = cp

	return nil
}
