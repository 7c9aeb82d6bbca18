package e2ee

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testWrapped(version int) WrappedDataKey {
	return WrappedDataKey{
		Envelope:   Envelope{Ciphertext: "Y2lwaGVydGV4dA==", Iv: "AAAAAAAAAAAAAAAA"},
		Alg:        AlgAESGCM,
		KeyVersion: version,
	}
}

func TestGormStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	store, err := OpenGormStore(filepath.Join(t.TempDir(), "e2ee.db"))
	require.NoError(t, err)

	_, err = store.LoadServerKey(ctx, testUser)
	assert.ErrorIs(err, ErrNotInitialized)

	require.NoError(t, store.SaveServerKey(ctx, testUser, testWrapped(1)))
	require.NoError(t, store.SaveServerKey(ctx, testUser, testWrapped(2)))

	rec, err := store.LoadServerKey(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(2, rec.KeyVersion)
	assert.Equal(testWrapped(2), rec.WrappedDataKey)

	assert.Error(store.SaveServerKey(ctx, testUser, WrappedDataKey{Alg: "nope"}))

	dev, err := store.LoadDevice(ctx, testUser)
	require.NoError(t, err)
	assert.Nil(dev)

	require.NoError(t, store.SaveDevice(ctx, &TrustedDevice{
		UserId:     testUser,
		KeyVersion: 2,
		WrappedKey: Envelope{Ciphertext: "Y3Q=", Iv: "aXY="},
		DeviceKey:  []byte{1, 2, 3},
		CreatedAt:  time.Now(),
	}))

	dev, err = store.LoadDevice(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(2, dev.KeyVersion)
	assert.Equal([]byte{1, 2, 3}, dev.DeviceKey)
	assert.Equal("Y3Q=", dev.WrappedKey.Ciphertext)
}

func TestServerKeyGormStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "service.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := NewServerKeyGormStore(db)
	require.NoError(t, err)

	assert.True(db.Migrator().HasTable("user_e2ee_keys"))
	assert.False(db.Migrator().HasTable("trusted_devices"))

	require.NoError(t, store.SaveServerKey(ctx, testUser, testWrapped(1)))
	rec, err := store.LoadServerKey(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(1, rec.KeyVersion)

	_, err = store.LoadDevice(ctx, testUser)
	assert.Error(err)
	assert.Error(store.SaveDevice(ctx, &TrustedDevice{UserId: testUser}))
	assert.False(db.Migrator().HasTable("trusted_devices"))
}

func TestKeyringOverGormStore(t *testing.T) {
	ctx := context.Background()

	store, err := OpenGormStore(filepath.Join(t.TempDir(), "e2ee.db"))
	require.NoError(t, err)

	k := newTestKeyring(store, store)
	res, err := k.Initialize(ctx, testUser)
	require.NoError(t, err)

	_, err = newTestKeyring(store, store).UnlockWithDevice(ctx, testUser)
	require.NoError(t, err)

	_, err = k.RotateRecoveryKey(ctx, testUser, res.RecoveryKey)
	require.NoError(t, err)
}

type fakeKeyApi struct {
	rec    *ServerKeyRecord
	cookie string
	status int
}

func (f *fakeKeyApi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != KeysPath || r.Header.Get("Cookie") != f.cookie {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	switch r.Method {
	case "GET":
		if f.rec == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(f.rec)
	case "PUT":
		var wrapped WrappedDataKey
		if err := json.NewDecoder(r.Body).Decode(&wrapped); err != nil || wrapped.Validate() != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.rec = &ServerKeyRecord{UserId: testUser, WrappedDataKey: wrapped, KeyVersion: wrapped.KeyVersion}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "keyVersion": wrapped.KeyVersion})
	}
}

func TestHTTPServerKeyStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	api := &fakeKeyApi{cookie: "session=abc"}
	srv := httptest.NewServer(api)
	defer srv.Close()

	store, err := NewHTTPServerKeyStore(HTTPServerKeyStoreArgs{BaseURL: srv.URL + "/", Cookie: "session=abc"})
	require.NoError(t, err)

	_, err = store.LoadServerKey(ctx, testUser)
	assert.ErrorIs(err, ErrNotInitialized)

	k := newTestKeyring(store, NewMemStore())
	res, err := k.Initialize(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(1, api.rec.KeyVersion)

	_, err = newTestKeyring(store, NewMemStore()).UnlockWithRecovery(ctx, testUser, res.RecoveryKey, false)
	require.NoError(t, err)

	api.status = http.StatusInternalServerError
	_, err = store.LoadServerKey(ctx, testUser)
	assert.Equal(CodeServerKeyLoad, CodeOf(err))
	assert.Equal(CodeServerKeySave, CodeOf(store.SaveServerKey(ctx, testUser, testWrapped(3))))

	anon, err := NewHTTPServerKeyStore(HTTPServerKeyStoreArgs{BaseURL: srv.URL})
	require.NoError(t, err)
	api.status = 0
	_, err = anon.LoadServerKey(ctx, testUser)
	assert.Equal(CodeServerKeyLoad, CodeOf(err))
}
