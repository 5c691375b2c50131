package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type fileManifest struct {
	Network string           `json:"network"`
	ChainID uint64           `json:"chainId"`
	Proxies map[string]Entry `json:"proxies"`
}

// FileRegistry keeps one JSON manifest per network, in the spirit of the
// .openzeppelin/<network>.json files. Writes replace the file atomically.
type FileRegistry struct {
	path    string
	network string
	chainID uint64

	mu sync.Mutex
}

func NewFileRegistry(dir, network string, chainID uint64) *FileRegistry {
	return &FileRegistry{
		path:    filepath.Join(dir, network+".json"),
		network: network,
		chainID: chainID,
	}
}

func (f *FileRegistry) Path() string {
	return f.path
}

func (f *FileRegistry) Lookup(_ context.Context, name string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.load()
	if err != nil {
		return Entry{}, err
	}
	entry, ok := m.Proxies[name]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (f *FileRegistry) Record(_ context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.load()
	if err != nil {
		return err
	}
	m.Proxies[entry.Name] = entry
	return f.store(m)
}

func (f *FileRegistry) load() (*fileManifest, error) {
	m := &fileManifest{Network: f.network, ChainID: f.chainID, Proxies: map[string]Entry{}}

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", f.path, err)
	}
	if err := json.Unmarshal(blob, m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", f.path, err)
	}
	if m.ChainID != 0 && f.chainID != 0 && m.ChainID != f.chainID {
		return nil, fmt.Errorf("manifest %s is for chain %d, not %d", f.path, m.ChainID, f.chainID)
	}
	if m.Proxies == nil {
		m.Proxies = map[string]Entry{}
	}
	return m, nil
}

func (f *FileRegistry) store(m *fileManifest) error {
	m.Network = f.network
	m.ChainID = f.chainID

	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(blob, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
