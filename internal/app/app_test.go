package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"potwatch/internal/config"
	"potwatch/internal/storage"
	logx "potwatch/pkg/logx"
)

type closeTrackingStore struct {
	storage.Store
	closed bool
}

func (c *closeTrackingStore) Close() error {
	c.closed = true
	return c.Store.Close()
}

func swapStore(t *testing.T) *closeTrackingStore {
	t.Helper()
	tracked := &closeTrackingStore{Store: storage.NewMemory()}
	orig := openStoreFn
	openStoreFn = func(config.StorageConfig, logx.Logger) (storage.Store, error) {
		return tracked, nil
	}
	t.Cleanup(func() { openStoreFn = orig })
	return tracked
}

func writeAppConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const appConfigBase = `
game:
  state_url: https://api.example.com/state
channels:
  - name: console
    kind: console
    enabled: true
storage:
  driver: file
  path: ./potwatch_store
logging:
  level: error
  console: false
`

func TestNewAppClosesStoreOnConstructorFailure(t *testing.T) {
	tracked := swapStore(t)

	// The broken template passes config validation but fails in the renderer
	// constructor, well after the store is open.
	path := writeAppConfig(t, appConfigBase+`templates:
  milestone: "{{.Pot"
`)

	_, err := NewApp(context.Background(), path)
	require.Error(t, err)
	require.True(t, tracked.closed, "opened store must be closed when construction fails")
}

func TestNewAppKeepsStoreOpenOnSuccess(t *testing.T) {
	tracked := swapStore(t)
	path := writeAppConfig(t, appConfigBase)

	a, err := NewApp(context.Background(), path)
	require.NoError(t, err)
	require.False(t, tracked.closed)

	require.NoError(t, a.Stop(context.Background()))
	require.True(t, tracked.closed)
}
