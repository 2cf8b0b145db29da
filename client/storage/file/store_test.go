package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.toml")
	es := NewEndpointStore(path)

	_, err := es.Load()
	assert.ErrorIs(t, err, ErrNoEndpoint)

	ep := model.Endpoint{Host: "192.168.1.20", TransportPort: 8765, RequestPort: 8000, TransportPath: "/ws"}
	require.NoError(t, es.Save(ep))

	got, err := es.Load()
	require.NoError(t, err)
	assert.Equal(t, ep, got)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `transport_port = 8765`)

	require.NoError(t, es.Clear())
	require.NoError(t, es.Clear())
	_, err = es.Load()
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestEndpointStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.toml")
	require.NoError(t, os.WriteFile(path, []byte("endpoint = ["), 0o600))

	_, err := NewEndpointStore(path).Load()
	assert.ErrorIs(t, err, ErrStore)
}

func TestEndpointStoreIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.toml")
	require.NoError(t, os.WriteFile(path, []byte("[endpoint]\nhost = \"mirror.local\"\n"), 0o600))

	_, err := NewEndpointStore(path).Load()
	assert.ErrorIs(t, err, ErrNoEndpoint)
}
