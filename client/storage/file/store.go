package file

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adwski/mirror-bridge/client/model"
)

var (
	ErrNoEndpoint = errors.New("no remembered endpoint")
	ErrStore      = errors.New("unable to access state file")
)

type state struct {
	SavedAt  time.Time       `toml:"saved_at"`
	Endpoint *model.Endpoint `toml:"endpoint"`
}

// EndpointStore remembers the last adopted endpoint across restarts.
type EndpointStore struct {
	path string
}

func NewEndpointStore(path string) *EndpointStore {
	return &EndpointStore{path: path}
}

func (es *EndpointStore) Load() (model.Endpoint, error) {
	var st state
	if _, err := toml.DecodeFile(es.path, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Endpoint{}, ErrNoEndpoint
		}
		return model.Endpoint{}, errors.Join(ErrStore, err)
	}
	if st.Endpoint == nil || st.Endpoint.Host == "" || st.Endpoint.TransportPort <= 0 {
		return model.Endpoint{}, ErrNoEndpoint
	}
	return *st.Endpoint, nil
}

// Save writes ep atomically.
func (es *EndpointStore) Save(ep model.Endpoint) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(state{SavedAt: time.Now().UTC().Truncate(time.Second), Endpoint: &ep}); err != nil {
		return errors.Join(ErrStore, err)
	}
	if err := os.MkdirAll(filepath.Dir(es.path), 0o700); err != nil {
		return errors.Join(ErrStore, err)
	}
	tmp := es.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return errors.Join(ErrStore, err)
	}
	if err := os.Rename(tmp, es.path); err != nil {
		return errors.Join(ErrStore, err)
	}
	return nil
}

// Clear removes the remembered endpoint. A missing file is not an error.
func (es *EndpointStore) Clear() error {
	if err := os.Remove(es.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(ErrStore, err)
	}
	return nil
}
