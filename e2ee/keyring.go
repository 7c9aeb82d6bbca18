package e2ee

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// A user's data is encrypted under a master data key that never changes.
// The server stores it sealed under a wrapping key derived from the
// recovery key and the key version. A trusted device stores the wrapping
// key sealed under a random device key. Rotation re-seals the same data
// key under a fresh recovery key at the next version, which strands every
// older recovery key and device record.

type activeKey struct {
	dataKey []byte
	version int
}

type Keyring struct {
	server  ServerKeyStore
	devices DeviceStore
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	active map[string]*activeKey
}

type KeyringArgs struct {
	Server  ServerKeyStore
	Devices DeviceStore
	Logger  *slog.Logger
}

func NewKeyring(args KeyringArgs) *Keyring {
	if args.Server == nil || args.Devices == nil {
		mem := NewMemStore()
		if args.Server == nil {
			args.Server = mem
		}
		if args.Devices == nil {
			args.Devices = mem
		}
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &Keyring{
		server:  args.Server,
		devices: args.Devices,
		logger:  args.Logger,
		now:     time.Now,
		active:  map[string]*activeKey{},
	}
}

func (k *Keyring) setActive(userId string, dataKey []byte, version int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active[userId] = &activeKey{dataKey: dataKey, version: version}
}

func (k *Keyring) getActive(userId string) (*activeKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	a, ok := k.active[userId]
	return a, ok
}

// ActiveVersion reports the key version unlocked for userId, if any.
func (k *Keyring) ActiveVersion(userId string) (int, bool) {
	a, ok := k.getActive(userId)
	if !ok {
		return 0, false
	}
	return a.version, true
}

// Lock forgets the unlocked data key for userId.
func (k *Keyring) Lock(userId string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.active, userId)
}

func (k *Keyring) trustDevice(ctx context.Context, userId string, wrappingKey []byte, version int) error {
	deviceKey, err := randomKey()
	if err != nil {
		return err
	}

	env, err := sealEnvelope(deviceKey, wrappingKey)
	if err != nil {
		return err
	}

	return k.devices.SaveDevice(ctx, &TrustedDevice{
		UserId:     userId,
		KeyVersion: version,
		WrappedKey: *env,
		DeviceKey:  deviceKey,
		CreatedAt:  k.now().UTC(),
	})
}

// Initialize creates the data key and first recovery key for userId. The
// recovery key is only ever returned here and from RotateRecoveryKey.
func (k *Keyring) Initialize(ctx context.Context, userId string) (*InitResult, error) {
	_, err := k.server.LoadServerKey(ctx, userId)
	if err == nil {
		return nil, ErrAlreadyInitialized
	}
	if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	recoveryKey, err := GenerateRecoveryKey()
	if err != nil {
		return nil, err
	}

	recovery, err := ParseRecoveryKey(recoveryKey)
	if err != nil {
		return nil, err
	}

	const version = 1

	wrappingKey, err := deriveWrappingKey(recovery, version)
	if err != nil {
		return nil, err
	}

	dataKey, err := randomKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := wrapDataKey(dataKey, wrappingKey, version)
	if err != nil {
		return nil, err
	}

	if err := k.server.SaveServerKey(ctx, userId, *wrapped); err != nil {
		return nil, err
	}

	if err := k.trustDevice(ctx, userId, wrappingKey, version); err != nil {
		k.logger.Warn("could not trust device after initialize", "user", userId, "err", err)
	}

	k.setActive(userId, dataKey, version)

	return &InitResult{
		RecoveryKey:    recoveryKey,
		KeyVersion:     version,
		WrappedDataKey: *wrapped,
	}, nil
}

// UnlockWithDevice unlocks from this device's trust record. Anything short
// of a clean unwrap at the server's key version is ErrUnlockRequired.
func (k *Keyring) UnlockWithDevice(ctx context.Context, userId string) (*UnlockResult, error) {
	rec, err := k.server.LoadServerKey(ctx, userId)
	if err != nil {
		return nil, err
	}

	dev, err := k.devices.LoadDevice(ctx, userId)
	if err != nil {
		return nil, newError(CodeUnlockRequired, ErrUnlockRequired.Message, err)
	}

	if dev == nil || dev.KeyVersion != rec.KeyVersion {
		return nil, ErrUnlockRequired
	}

	wrappingKey, err := openEnvelope(dev.DeviceKey, dev.WrappedKey)
	if err != nil {
		return nil, newError(CodeUnlockRequired, ErrUnlockRequired.Message, err)
	}

	dataKey, err := unwrapDataKey(rec.WrappedDataKey, wrappingKey)
	if err != nil {
		return nil, newError(CodeUnlockRequired, ErrUnlockRequired.Message, err)
	}

	k.setActive(userId, dataKey, rec.KeyVersion)

	return &UnlockResult{KeyVersion: rec.KeyVersion, Source: SourceDevice}, nil
}

func (k *Keyring) unwrapWithRecovery(rec *ServerKeyRecord, recoveryKey string) ([]byte, []byte, error) {
	recovery, err := ParseRecoveryKey(recoveryKey)
	if err != nil {
		return nil, nil, err
	}

	wrappingKey, err := deriveWrappingKey(recovery, rec.KeyVersion)
	if err != nil {
		return nil, nil, err
	}

	dataKey, err := unwrapDataKey(rec.WrappedDataKey, wrappingKey)
	if err != nil {
		return nil, nil, newError(CodeRecoveryKeyMismatch, ErrRecoveryKeyMismatch.Message, err)
	}

	return dataKey, wrappingKey, nil
}

// UnlockWithRecovery unlocks with the recovery key and, when trust is set,
// remembers this device for later UnlockWithDevice calls.
func (k *Keyring) UnlockWithRecovery(ctx context.Context, userId, recoveryKey string, trust bool) (*UnlockResult, error) {
	rec, err := k.server.LoadServerKey(ctx, userId)
	if err != nil {
		return nil, err
	}

	dataKey, wrappingKey, err := k.unwrapWithRecovery(rec, recoveryKey)
	if err != nil {
		return nil, err
	}

	if trust {
		if err := k.trustDevice(ctx, userId, wrappingKey, rec.KeyVersion); err != nil {
			k.logger.Warn("could not trust device after recovery unlock", "user", userId, "err", err)
		}
	}

	k.setActive(userId, dataKey, rec.KeyVersion)

	return &UnlockResult{KeyVersion: rec.KeyVersion, Source: SourceRecovery}, nil
}

// RotateRecoveryKey replaces the recovery key. The data key is unchanged,
// so nothing encrypted under it needs to be touched.
func (k *Keyring) RotateRecoveryKey(ctx context.Context, userId, oldRecoveryKey string) (*RotationResult, error) {
	rec, err := k.server.LoadServerKey(ctx, userId)
	if err != nil {
		return nil, err
	}

	dataKey, _, err := k.unwrapWithRecovery(rec, oldRecoveryKey)
	if err != nil {
		return nil, err
	}

	if a, ok := k.getActive(userId); ok && subtle.ConstantTimeCompare(a.dataKey, dataKey) != 1 {
		k.logger.Warn("unlocked data key differs from server record", "user", userId)
	}

	newRecoveryKey, err := GenerateRecoveryKey()
	if err != nil {
		return nil, err
	}

	recovery, err := ParseRecoveryKey(newRecoveryKey)
	if err != nil {
		return nil, err
	}

	newVersion := rec.KeyVersion + 1

	wrappingKey, err := deriveWrappingKey(recovery, newVersion)
	if err != nil {
		return nil, err
	}

	wrapped, err := wrapDataKey(dataKey, wrappingKey, newVersion)
	if err != nil {
		return nil, err
	}

	if err := k.server.SaveServerKey(ctx, userId, *wrapped); err != nil {
		return nil, err
	}

	if err := k.trustDevice(ctx, userId, wrappingKey, newVersion); err != nil {
		k.logger.Warn("could not trust device after rotation", "user", userId, "err", err)
	}

	k.setActive(userId, dataKey, newVersion)

	k.logger.Info("rotated recovery key", "user", userId, "from", rec.KeyVersion, "to", newVersion)

	return &RotationResult{
		OldKeyVersion:  rec.KeyVersion,
		NewKeyVersion:  newVersion,
		NewRecoveryKey: newRecoveryKey,
		WrappedDataKey: *wrapped,
	}, nil
}

// EncryptData seals v as json under the unlocked data key.
func (k *Keyring) EncryptData(userId string, v any) (*Envelope, error) {
	a, ok := k.getActive(userId)
	if !ok {
		return nil, ErrNotUnlocked
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return sealEnvelope(a.dataKey, b)
}

func (k *Keyring) DecryptData(userId string, env Envelope, out any) error {
	a, ok := k.getActive(userId)
	if !ok {
		return ErrNotUnlocked
	}

	b, err := openEnvelope(a.dataKey, env)
	if err != nil {
		return newError(CodeDecryptFailed, "could not decrypt data", err)
	}

	return json.Unmarshal(b, out)
}
