package watermark

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorrupt marks a watermark file that exists but cannot be read back.
// Callers fall back to a safe default instead of crash-looping on it.
var ErrCorrupt = errors.New("watermark store corrupt")

// Watermark is the cursor marking the last successfully processed point in
// time, plus a snapshot of the cycle that produced it.
type Watermark struct {
	LastCheckedAt time.Time  `json:"lastCheckedAt"`
	LastCycle     *CycleInfo `json:"lastCycle,omitempty"`
}

type CycleInfo struct {
	At      time.Time `json:"at"`
	State   string    `json:"state"`
	Summary string    `json:"summary,omitempty"`
}

func (w Watermark) IsZero() bool {
	return w.LastCheckedAt.IsZero()
}

// Store persists the watermark as a JSON file. Save is atomic: the new
// content lands under a temp name and is renamed over the old file, so a
// crash mid-write never leaves a half-written watermark behind.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted watermark. A missing file yields a zero
// watermark (fresh install). An unreadable or unparseable file returns an
// error wrapping ErrCorrupt.
func (s *Store) Load() (Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wm Watermark
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return wm, nil
		}
		return wm, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.path, err)
	}
	if err := json.Unmarshal(data, &wm); err != nil {
		return Watermark{}, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, s.path, err)
	}
	return wm, nil
}

func (s *Store) Save(wm Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(wm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit watermark: %w", err)
	}
	return nil
}
