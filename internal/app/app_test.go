package app

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/config"
	"milestonepay/internal/siws/siwstest"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(body)
}

func TestOpenWithoutSigners(t *testing.T) {
	a, err := Open(Options{Workspace: t.TempDir(), InMemoryNonces: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	assert.Nil(t, a.Coordinator)

	handler, err := a.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	code, _ := get(t, srv.URL+"/v1/health")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, srv.URL+"/v1/multisig")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "multisig_not_configured")

	code, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")
}

func TestOpenWiresCoordinator(t *testing.T) {
	ws := t.TempDir()
	yml := fmt.Sprintf(`environment: test
service_name: Milestone Pay
auth:
  expected_domain: pay.example.org
  global_signers: [%q]
multisig:
  network: westend
  signers: [%q, %q, %q]
  threshold: 2
`, siwstest.NewSigner(1).Address, siwstest.NewSigner(1).Address, siwstest.NewSigner(2).Address, siwstest.NewSigner(3).Address)
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(yml), 0o644))

	a, err := Open(Options{Workspace: ws})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NotNil(t, a.Coordinator)
	assert.NotEmpty(t, a.Coordinator.Account())
	assert.Equal(t, "pay.example.org", a.Config.Auth.ExpectedDomain)
	assert.DirExists(t, filepath.Join(ws, ".milestonepay", "nonces"))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("environment: staging\n"), 0o644))
	_, err := Open(Options{Workspace: ws, ConfigPath: path, InMemoryNonces: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.environment")

	_, err = Open(Options{Workspace: ws, ConfigPath: filepath.Join(ws, "missing.yml")})
	assert.Error(t, err)
}
