package kernel

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// ManifestLoader reads .acp/install.json exactly once and caches the
// result, treating it as a read-once configuration artefact rather than
// live state (spec §6, §9's "installer surface" guidance).
type ManifestLoader struct {
	path string
	once sync.Once
	data *acptypes.InstallManifest
	err  error
}

func NewManifestLoader(path string) *ManifestLoader {
	if path == "" {
		path = ".acp/install.json"
	}
	return &ManifestLoader{path: path}
}

func (m *ManifestLoader) Load() (*acptypes.InstallManifest, error) {
	m.once.Do(func() {
		raw, err := os.ReadFile(m.path)
		if err != nil {
			m.err = err
			return
		}
		var manifest acptypes.InstallManifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			m.err = err
			return
		}
		m.data = &manifest
	})
	return m.data, m.err
}
