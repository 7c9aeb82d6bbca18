package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type ServerKey struct {
	UserId         string `gorm:"primaryKey"`
	WrappedDataKey string
	KeyVersion     int
	UpdatedAt      time.Time
}

func (ServerKey) TableName() string {
	return "user_e2ee_keys"
}

type DeviceTrust struct {
	UserId     string `gorm:"primaryKey"`
	KeyVersion int
	Ciphertext string
	Iv         string
	DeviceKey  []byte
	CreatedAt  time.Time
}

func (DeviceTrust) TableName() string {
	return "trusted_devices"
}

var errNoDeviceTable = errors.New("store was opened without the trusted device table")

// GormStore keeps server key records and trusted devices in sql tables. The
// service uses the server side, the helper cli the device side.
type GormStore struct {
	db      *gorm.DB
	devices bool
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&ServerKey{}, &DeviceTrust{}); err != nil {
		return nil, fmt.Errorf("could not migrate e2ee tables: %w", err)
	}

	return &GormStore{db: db, devices: true}, nil
}

// NewServerKeyGormStore only creates the server key table. Device keys never
// belong in a server database.
func NewServerKeyGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&ServerKey{}); err != nil {
		return nil, fmt.Errorf("could not migrate e2ee tables: %w", err)
	}

	return &GormStore{db: db}, nil
}

// DefaultDevicePath is the per user sqlite file for trusted devices.
func DefaultDevicePath() (string, error) {
	return xdg.DataFile(filepath.Join("atproto-calendar", "e2ee.db"))
}

func OpenGormStore(path string) (*GormStore, error) {
	if path == "" {
		p, err := DefaultDevicePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open e2ee database: %w", err)
	}

	return NewGormStore(db)
}

func (s *GormStore) LoadServerKey(ctx context.Context, userId string) (*ServerKeyRecord, error) {
	var row ServerKey
	err := s.db.WithContext(ctx).Where("user_id = ?", userId).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, newError(CodeServerKeyLoad, "unable to load server wrapped key", err)
	}

	var wrapped WrappedDataKey
	if err := json.Unmarshal([]byte(row.WrappedDataKey), &wrapped); err != nil {
		return nil, newError(CodeServerKeyLoad, "stored wrapped key is corrupt", err)
	}

	return &ServerKeyRecord{
		UserId:         row.UserId,
		WrappedDataKey: wrapped,
		KeyVersion:     row.KeyVersion,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (s *GormStore) SaveServerKey(ctx context.Context, userId string, wrapped WrappedDataKey) error {
	if err := wrapped.Validate(); err != nil {
		return err
	}

	b, err := json.Marshal(wrapped)
	if err != nil {
		return newError(CodeServerKeySave, "unable to save wrapped data key", err)
	}

	row := &ServerKey{
		UserId:         userId,
		WrappedDataKey: string(b),
		KeyVersion:     wrapped.KeyVersion,
		UpdatedAt:      time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(row).Error; err != nil {
		return newError(CodeServerKeySave, "unable to save wrapped data key", err)
	}

	return nil
}

func (s *GormStore) LoadDevice(ctx context.Context, userId string) (*TrustedDevice, error) {
	if !s.devices {
		return nil, errNoDeviceTable
	}

	var row DeviceTrust
	err := s.db.WithContext(ctx).Where("user_id = ?", userId).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &TrustedDevice{
		UserId:     row.UserId,
		KeyVersion: row.KeyVersion,
		WrappedKey: Envelope{Ciphertext: row.Ciphertext, Iv: row.Iv},
		DeviceKey:  row.DeviceKey,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func (s *GormStore) SaveDevice(ctx context.Context, dev *TrustedDevice) error {
	if !s.devices {
		return errNoDeviceTable
	}

	row := &DeviceTrust{
		UserId:     dev.UserId,
		KeyVersion: dev.KeyVersion,
		Ciphertext: dev.WrappedKey.Ciphertext,
		Iv:         dev.WrappedKey.Iv,
		DeviceKey:  dev.DeviceKey,
		CreatedAt:  dev.CreatedAt,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(row).Error
}
