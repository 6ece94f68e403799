package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// FileBackend keeps the whole cache in memory and snapshots it to one JSON
// file on every mutation, temp-file + rename so readers never see a torn
// write. Suited to the single-process deployment this service targets.
type FileBackend struct {
	path string

	mu    sync.Mutex
	store map[string]map[string]*Entry
}

// NewFileBackend loads an existing snapshot if present. A corrupt snapshot
// is logged and treated as empty rather than failing startup.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	b := &FileBackend{path: path, store: map[string]map[string]*Entry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("read cache snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &b.store); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Cache snapshot corrupt, starting empty")
		b.store = map[string]map[string]*Entry{}
	}
	return b, nil
}

func (b *FileBackend) Get(namespace, key string) (*Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.store[namespace][key]
	return entry, ok
}

func (b *FileBackend) Set(namespace, key string, entry *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.store[namespace]
	if !ok {
		bucket = map[string]*Entry{}
		b.store[namespace] = bucket
	}
	bucket[key] = entry
	b.snapshotLocked()
}

func (b *FileBackend) Delete(namespace, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.store[namespace]
	if !ok {
		return
	}
	if _, present := bucket[key]; !present {
		return
	}
	delete(bucket, key)
	b.snapshotLocked()
}

func (b *FileBackend) snapshotLocked() {
	data, err := json.MarshalIndent(b.store, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Cache snapshot marshal failed")
		return
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Cache snapshot write failed")
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		log.Error().Err(err).Str("path", b.path).Msg("Cache snapshot rename failed")
	}
}
