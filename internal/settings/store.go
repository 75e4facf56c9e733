package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrCorrupt marks a settings file that exists but cannot be parsed.
// The process treats this as fatal rather than silently reverting to
// defaults, which could re-enable trading the operator had switched off.
var ErrCorrupt = errors.New("settings file corrupt")

const fileName = "settings.json"

// Store holds the current settings snapshot, persists every mutation
// atomically, and fans out change notifications. Single writer (the command
// API), many snapshot readers.
type Store struct {
	logger *slog.Logger
	path   string

	mu      sync.RWMutex
	current Settings

	subMu sync.Mutex
	subs  []chan Settings
}

// Open loads settings from dir/settings.json, creating the file with the
// given defaults when absent. A present-but-unparsable file returns
// ErrCorrupt.
func Open(dir string, defaults Settings, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	s := &Store{
		logger: logger.With("component", "settings"),
		path:   filepath.Join(dir, fileName),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		s.current = defaults.clone()
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		s.logger.Info("settings initialized", "path", s.path)
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		var loaded Settings
		if uerr := json.Unmarshal(data, &loaded); uerr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, uerr)
		}
		if loaded.PairMinProfitPct == nil {
			loaded.PairMinProfitPct = map[string]decimal.Decimal{}
		}
		if loaded.WalletOverrides == nil {
			loaded.WalletOverrides = map[string]map[string]string{}
		}
		s.current = loaded
		s.logger.Info("settings loaded", "path", s.path)
	}
	return s, nil
}

// Snapshot returns an immutable copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Update applies fn to a copy of the current snapshot, installs the result,
// persists it atomically, and notifies subscribers. fn must not block.
func (s *Store) Update(fn func(Settings) Settings) (Settings, error) {
	s.mu.Lock()
	next := fn(s.current.clone()).clone()
	s.current = next
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return next, err
	}
	s.notify(next)
	return next, nil
}

// Subscribe returns a channel receiving every settings snapshot installed
// after the call. Slow subscribers lose intermediate snapshots, never the
// subscription itself.
func (s *Store) Subscribe() <-chan Settings {
	ch := make(chan Settings, 8)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify(snap Settings) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drain one stale snapshot and retry so the subscriber always
			// ends up holding the most recent state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// persistLocked writes the current snapshot to disk atomically.
// Caller holds s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.current, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
