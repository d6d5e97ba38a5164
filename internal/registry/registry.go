// Package registry holds the process-wide swap_id -> swap.Swap map behind a
// single mutex, and persists it to disk as JSON after every mutation.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klingon-exchange/xmrswap/internal/swap"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var log = logging.GetDefault().Component("registry")

// Registry is the single source of truth for every swap in flight or
// finished. All reads and writes go through one mutex; the only I/O done
// while it is held is the on-disk save after a mutation — callers snapshot,
// do their network I/O outside the lock, then mutate and commit, exactly as
// internal/swap's state machine does.
type Registry struct {
	mu    sync.Mutex
	swaps map[swapid.ID]*swap.Swap
	path  string
}

// New returns an empty Registry that persists to path. If path is empty,
// saving and Load are no-ops (useful for tests).
func New(path string) *Registry {
	return &Registry{swaps: make(map[swapid.ID]*swap.Swap), path: path}
}

// Add inserts a newly-started swap and persists it. Returns an error if a
// swap with the same id already exists.
func (r *Registry) Add(s swap.Swap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.swaps[s.ID]; exists {
		return fmt.Errorf("swap %s already exists", s.ID)
	}
	cp := s
	r.swaps[s.ID] = &cp
	return r.saveLocked()
}

// Snapshot returns a value copy of the swap under id, and whether it exists.
func (r *Registry) Snapshot(id swapid.ID) (swap.Swap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.swaps[id]
	if !ok {
		return swap.Swap{}, false
	}
	return *s, true
}

// Mutate runs fn against the live swap under id while holding the lock. fn
// reports whether it made a change; if so, Mutate persists the registry
// before releasing the lock. Returns the post-mutation snapshot, whether fn
// reported a change, and any persistence error.
func (r *Registry) Mutate(id swapid.ID, fn func(s *swap.Swap) bool) (swap.Swap, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.swaps[id]
	if !ok {
		return swap.Swap{}, false, fmt.Errorf("swap %s not found", id)
	}
	changed := fn(s)
	if !changed {
		return *s, false, nil
	}
	if err := r.saveLocked(); err != nil {
		return *s, true, err
	}
	return *s, true, nil
}

// All returns a value-copy snapshot of every swap, sorted by CreatedAt
// ascending (oldest first), for listing and sweeper iteration.
func (r *Registry) All() []swap.Swap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]swap.Swap, 0, len(r.swaps))
	for _, s := range r.swaps {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// NonTerminal returns every swap not yet in a terminal state, for the
// sweeper's advance loop.
func (r *Registry) NonTerminal() []swapid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []swapid.ID
	for id, s := range r.swaps {
		if !swap.IsTerminal(s.State) {
			ids = append(ids, id)
		}
	}
	return ids
}

// persistedFile is the on-disk shape: an object holding one flat array of
// swaps, sorted by CreatedAt, oldest first.
type persistedFile struct {
	Swaps []swap.Swap `json:"swaps"`
}

// saveLocked serializes the whole registry atomically (write to a temp file
// in the same directory, then rename) so a crash mid-write never corrupts
// the previous good file. Caller must hold r.mu.
func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	pf := persistedFile{Swaps: make([]swap.Swap, 0, len(r.swaps))}
	for _, s := range r.swaps {
		pf.Swaps = append(pf.Swaps, *s)
	}
	sort.Slice(pf.Swaps, func(i, j int) bool { return pf.Swaps[i].CreatedAt.Before(pf.Swaps[j].CreatedAt) })

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp registry file: %w", err)
	}
	return nil
}

// Load restores the registry from disk at startup. A missing file is not an
// error — the registry simply starts empty.
func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}

	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("unmarshal registry file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.swaps = make(map[swapid.ID]*swap.Swap, len(pf.Swaps))
	for i := range pf.Swaps {
		s := pf.Swaps[i]
		r.swaps[s.ID] = &s
	}
	log.Info("restored swaps from disk", "count", len(r.swaps), "path", r.path)
	return nil
}
