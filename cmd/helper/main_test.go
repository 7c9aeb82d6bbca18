package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/onecalendar/atproto-calendar-auth/e2ee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type keyApi struct {
	mu  sync.Mutex
	rec *e2ee.ServerKeyRecord
}

func (a *keyApi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.Header.Get("Cookie") != "session=ok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case "GET":
		if a.rec == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(a.rec)
	case "PUT":
		var wrapped e2ee.WrappedDataKey
		if err := json.NewDecoder(r.Body).Decode(&wrapped); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		a.rec = &e2ee.ServerKeyRecord{UserId: "did:plc:abc", WrappedDataKey: wrapped, KeyVersion: wrapped.KeyVersion}
		w.Write([]byte(`{"success":true}`))
	}
}

func testApp() *cli.App {
	return &cli.App{
		Name:           "helper-test",
		Commands:       []*cli.Command{runGenerateDpopKey, runGenerateCookieSecret, runE2ee},
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func TestGenerateDpopKey(t *testing.T) {
	out := filepath.Join(t.TempDir(), "dpop.json")

	require.NoError(t, testApp().Run([]string{"helper-test", "generate-dpop-key", "--out", out}))

	b, err := os.ReadFile(out)
	require.NoError(t, err)

	var key map[string]any
	require.NoError(t, json.Unmarshal(b, &key))
	assert.NotEmpty(t, key["jkt"])
	assert.Contains(t, key["privateKeyPem"], "PRIVATE KEY")
}

func TestGenerateCookieSecretRejectsShort(t *testing.T) {
	err := testApp().Run([]string{"helper-test", "generate-cookie-secret", "--bytes", "8"})
	assert.Error(t, err)
}

func TestE2eeCommands(t *testing.T) {
	api := &keyApi{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	deviceDb := filepath.Join(t.TempDir(), "device.db")
	common := []string{"--base-url", srv.URL, "--session-cookie", "session=ok", "--user", "did:plc:abc", "--device-db", deviceDb}

	run := func(args ...string) error {
		return testApp().Run(append(append([]string{"helper-test", "e2ee"}, args...), common...))
	}

	err := run("unlock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(e2ee.CodeNotInitialized))

	require.NoError(t, run("init"))
	require.NotNil(t, api.rec)
	assert.Equal(t, 1, api.rec.KeyVersion)

	// the device was trusted by init
	require.NoError(t, run("unlock"))

	err = run("init")
	assert.Error(t, err)

	err = run("rotate", "--recovery-key", "AAAAAAAA-AAAAAAAA-AAAAAAAA-AAAAAAAA-AAAAAAAA-AAA=")
	assert.Error(t, err)
	assert.Equal(t, 1, api.rec.KeyVersion)
}
