// Package registry persists per-engine health snapshots to a JSON file so
// operators can inspect engine state across process restarts.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/pkg/types"
)

// Record is one persisted registry entry: the engine's latest health snapshot
// plus when the engine was first registered. RegisteredAt survives Update and
// process restarts.
type Record struct {
	types.EngineHealth
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry keeps an in-memory mirror of engine health and writes it through
// to disk on every change. Reads never touch the file. Write failures are
// logged, not fatal: the registry is an inspection aid, not the source of
// truth for live state.
type Registry struct {
	logger *zap.Logger
	path   string

	mu      sync.RWMutex
	engines map[string]Record
}

// New creates a registry backed by the given file path. If the file already
// exists its contents seed the mirror, so a restarted process sees the last
// known state of every engine.
func New(logger *zap.Logger, path string) (*Registry, error) {
	r := &Registry{
		logger:  logger.Named("registry"),
		path:    path,
		engines: make(map[string]Record),
	}

	// A missing, unreadable, or corrupt registry must not block startup.
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Registry file unreadable, starting fresh",
				zap.String("path", path), zap.Error(err))
		}
		return r, nil
	}
	if err := json.Unmarshal(data, &r.engines); err != nil {
		r.logger.Warn("Registry file corrupt, starting fresh",
			zap.String("path", path), zap.Error(err))
		r.engines = make(map[string]Record)
	}
	return r, nil
}

// Register adds or replaces an engine's snapshot. The registration timestamp
// is set on first sight of a symbol and preserved on later writes.
func (r *Registry) Register(symbol string, health types.EngineHealth) {
	r.mu.Lock()
	rec := r.engines[symbol]
	rec.EngineHealth = health
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	r.engines[symbol] = rec
	r.persistLocked()
	r.mu.Unlock()
}

// Update replaces an engine's snapshot; same write path as Register.
func (r *Registry) Update(symbol string, health types.EngineHealth) {
	r.Register(symbol, health)
}

// Unregister removes an engine's snapshot.
func (r *Registry) Unregister(symbol string) {
	r.mu.Lock()
	delete(r.engines, symbol)
	r.persistLocked()
	r.mu.Unlock()
}

// Get returns the record for one symbol.
func (r *Registry) Get(symbol string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.engines[symbol]
	return rec, ok
}

// GetAll returns a copy of every record.
func (r *Registry) GetAll() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Record, len(r.engines))
	for k, v := range r.engines {
		out[k] = v
	}
	return out
}

// Flush forces a write of the current mirror.
func (r *Registry) Flush() {
	r.mu.Lock()
	r.persistLocked()
	r.mu.Unlock()
}

// persistLocked writes the mirror atomically: marshal to a temp file in the
// same directory, then rename over the target.
func (r *Registry) persistLocked() {
	data, err := json.MarshalIndent(r.engines, "", "  ")
	if err != nil {
		r.logger.Error("Registry marshal failed", zap.Error(err))
		return
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Error("Registry dir create failed", zap.String("dir", dir), zap.Error(err))
		return
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		r.logger.Error("Registry temp file failed", zap.Error(err))
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		r.logger.Error("Registry write failed", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		r.logger.Error("Registry close failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		r.logger.Error("Registry rename failed", zap.Error(err))
	}
}
