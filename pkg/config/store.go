package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/types"
)

const watchDebounce = 500 * time.Millisecond

// Store holds the current configuration snapshot. Readers get an immutable
// pointer through Current; writers serialise through the internal mutex and
// publish a fresh snapshot.
type Store struct {
	current atomic.Pointer[Config]

	mu      sync.Mutex
	path    string
	updates chan Config
}

func NewStore(cfg Config, path string) *Store {
	s := &Store{
		path: path,
		// coalescing channel: a slow consumer only sees the latest snapshot
		updates: make(chan Config, 1),
	}
	snapshot := cfg
	s.current.Store(&snapshot)
	return s
}

// Current returns the live snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Updates delivers a snapshot after every successful mutation. The channel
// coalesces: only the most recent unconsumed snapshot is retained.
func (s *Store) Updates() <-chan Config {
	return s.updates
}

// ApplyPatch deep-merges a JSON document over the current snapshot, validates
// the result and publishes it. It reports whether the change requires a model
// reload (any change under model.* or backend.*).
func (s *Store) ApplyPatch(patch []byte) (Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next := *cur
	if err := json.Unmarshal(patch, &next); err != nil {
		return *cur, false, &Error{Kind: types.ErrorKindRequestInvalid, Err: fmt.Errorf("parsing config update: %w", err)}
	}
	if err := next.Validate(); err != nil {
		return *cur, false, err
	}

	reloadRequired := next.Model != cur.Model || next.Backend != cur.Backend

	s.publish(next)
	return next, reloadRequired, nil
}

// Replace swaps in a fully-formed config, used by the file watcher.
func (s *Store) Replace(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(cfg)
	return nil
}

func (s *Store) publish(cfg Config) {
	snapshot := cfg
	s.current.Store(&snapshot)
	select {
	case s.updates <- cfg:
	default:
		// drop the stale pending snapshot, keep the newest
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- cfg:
		default:
		}
	}
}

// Watch re-reads the config file when it changes on disk and publishes the
// result through the same path as POST /v1/config. Returns immediately when
// the store has no backing file.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", s.path, err)
	}

	go func() {
		defer watcher.Close()
		var debounceTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}
				// Debounce rapid writes
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(watchDebounce, func() {
					s.reloadFromFile()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

func (s *Store) reloadFromFile() {
	cfg, err := Load(s.path)
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("ignoring invalid config file change")
		return
	}
	if err := s.Replace(cfg); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("ignoring invalid config file change")
		return
	}
	log.Info().Str("path", s.path).Msg("config reloaded from file")
}
