package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend is the authoritative store behind the cache.
type Backend interface {
	Load(ns, fp string) (*Entry, error)
	Store(e *Entry) error
	Delete(ns, fp string) error
	DeleteNamespace(ns string) error
	// List returns every stored entry without its payload.
	List() ([]*Entry, error)
}

// maxNameBytes caps a sanitised file or directory name.
const maxNameBytes = 200

// sanitise maps filesystem-reserved bytes to '_' and caps the length.
// The original fingerprint is stored inside the entry, so two inputs that
// sanitise to the same name are told apart on read.
func sanitise(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c < 0x20, c == 0x7f:
			b[i] = '_'
		case strings.IndexByte(`/\:*?"<>|`, c) >= 0:
			b[i] = '_'
		}
	}
	if len(b) > maxNameBytes {
		b = b[:maxNameBytes]
	}
	out := string(b)
	if out == "" || out == "." || out == ".." {
		out = strings.Repeat("_", len(out)+1)
	}
	return out
}

// DiskBackend stores one JSON file per entry at
// <root>/<namespace>/<sanitised-fingerprint>.json.
type DiskBackend struct {
	root string
}

// NewDiskBackend creates root if needed.
func NewDiskBackend(root string) (*DiskBackend, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("cache: creating root %s: %w", root, err)
	}
	return &DiskBackend{root: root}, nil
}

// Root returns the cache directory.
func (d *DiskBackend) Root() string { return d.root }

func (d *DiskBackend) path(ns, fp string) string {
	return filepath.Join(d.root, sanitise(ns), sanitise(fp)+".json")
}

func (d *DiskBackend) Load(ns, fp string) (*Entry, error) {
	raw, err := os.ReadFile(d.path(ns, fp))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("cache: decoding entry %s: %w", d.path(ns, fp), err)
	}
	if e.Fingerprint != fp || e.Namespace != ns {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Store writes atomically: a temp file in the same directory is renamed over
// the target, so readers never observe a partial entry.
func (d *DiskBackend) Store(e *Entry) error {
	dir := filepath.Join(d.root, sanitise(e.Namespace))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cache: creating namespace dir: %w", err)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encoding entry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, d.path(e.Namespace, e.Fingerprint)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: renaming entry: %w", err)
	}
	return nil
}

func (d *DiskBackend) Delete(ns, fp string) error {
	err := os.Remove(d.path(ns, fp))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: deleting entry: %w", err)
	}
	return nil
}

func (d *DiskBackend) DeleteNamespace(ns string) error {
	if err := os.RemoveAll(filepath.Join(d.root, sanitise(ns))); err != nil {
		return fmt.Errorf("cache: deleting namespace %s: %w", ns, err)
	}
	return nil
}

// List walks the cache root. Leftover temp files are removed; unreadable
// entries are skipped.
func (d *DiskBackend) List() ([]*Entry, error) {
	var out []*Entry
	err := filepath.WalkDir(d.root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if de.IsDir() {
			return nil
		}
		name := de.Name()
		if strings.HasPrefix(name, ".tmp-") {
			os.Remove(path)
			return nil
		}
		if !strings.HasSuffix(name, ".json") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var e Entry
		if json.Unmarshal(raw, &e) != nil || e.Fingerprint == "" {
			return nil
		}
		e.Payload = nil
		out = append(out, &e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: listing %s: %w", d.root, err)
	}
	return out, nil
}

// MemoryBackend keeps entries in a map. It is used in tests and when no
// cache directory is configured.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (m *MemoryBackend) Load(ns, fp string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[indexKey(ns, fp)]
	if !ok {
		return nil, ErrNotFound
	}
	e.Payload = append([]byte(nil), e.Payload...)
	return &e, nil
}

func (m *MemoryBackend) Store(e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	m.entries[indexKey(e.Namespace, e.Fingerprint)] = cp
	return nil
}

func (m *MemoryBackend) Delete(ns, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, indexKey(ns, fp))
	return nil
}

func (m *MemoryBackend) DeleteNamespace(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.Namespace == ns {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *MemoryBackend) List() ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		e.Payload = nil
		cp := e
		out = append(out, &cp)
	}
	return out, nil
}
