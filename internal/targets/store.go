// Package targets holds the relay's target configuration: the parsed
// targets file, runtime overrides, and the optional downstream chain hop.
package targets

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/alexjbarnes/token-relay/internal/errors"
	"github.com/alexjbarnes/token-relay/internal/logging"
	"github.com/alexjbarnes/token-relay/internal/models"
)

// Store is safe for concurrent use. Lookups see either the old or the
// new snapshot during a reload, never a mix.
type Store struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	snap      *Snapshot
	overrides map[string]models.TargetConfig
	onChange  []func(names []string)
}

// Load parses the targets file at path and returns a store backed by it.
func Load(path string, logger *slog.Logger) (*Store, error) {
	snap, err := ParseFile(path)
	if err != nil {
		return nil, err
	}

	s := New(snap, logger)
	s.path = path

	s.logger.Info("targets loaded",
		slog.String("file", path),
		slog.Int("targets", len(snap.Targets)),
		slog.Bool("chain", snap.Chain != nil),
	)

	return s, nil
}

// New returns a store over an in-memory snapshot. It has no file to
// reload or watch.
func New(snap *Snapshot, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}

	if snap == nil {
		snap = &Snapshot{}
	}

	if snap.Targets == nil {
		snap.Targets = make(map[string]models.TargetConfig)
	}

	return &Store{
		logger:    logger,
		snap:      snap,
		overrides: make(map[string]models.TargetConfig),
	}
}

// Lookup resolves a target by name. Runtime overrides take precedence
// over the file. Missing and disabled targets both report
// ErrTargetNotFound.
func (s *Store) Lookup(name string) (models.TargetConfig, error) {
	s.mu.RLock()
	tc, ok := s.overrides[name]
	if !ok {
		tc, ok = s.snap.Targets[name]
	}
	s.mu.RUnlock()

	if !ok || !tc.Enabled {
		return models.TargetConfig{}, fmt.Errorf("%w: %s", apperrors.ErrTargetNotFound, name)
	}

	return tc, nil
}

// Chain returns the downstream hop, or nil when none is configured.
func (s *Store) Chain() *models.ChainTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snap.Chain
}

// Names returns the sorted names of all configured and overridden targets.
func (s *Store) Names() []string {
	s.mu.RLock()
	seen := make(map[string]struct{}, len(s.snap.Targets)+len(s.overrides))
	for name := range s.snap.Targets {
		seen[name] = struct{}{}
	}
	for name := range s.overrides {
		seen[name] = struct{}{}
	}
	s.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// SetOverride replaces a target's configuration at runtime until
// ClearOverride is called.
func (s *Store) SetOverride(name string, tc models.TargetConfig) error {
	if err := Validate(name, tc); err != nil {
		return err
	}

	s.mu.Lock()
	s.overrides[name] = tc
	s.mu.Unlock()

	s.logger.Info("target override set", slog.String("target", name))
	s.notify([]string{name})

	return nil
}

// ClearOverride removes a runtime override.
func (s *Store) ClearOverride(name string) {
	s.mu.Lock()
	_, ok := s.overrides[name]
	delete(s.overrides, name)
	s.mu.Unlock()

	if ok {
		s.logger.Info("target override cleared", slog.String("target", name))
		s.notify([]string{name})
	}
}

// OnChange registers fn to be called with the names of targets whose
// configuration changed after a reload or override. The chain hop is
// reported as models.ChainTargetName.
func (s *Store) OnChange(fn func(names []string)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Reload re-reads the targets file. On error the previous snapshot stays
// in effect.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("store has no targets file")
	}

	snap, err := ParseFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := diff(s.snap, snap)
	s.snap = snap
	s.mu.Unlock()

	s.logger.Info("targets reloaded",
		slog.Int("targets", len(snap.Targets)),
		slog.Any("changed", changed),
	)

	if len(changed) > 0 {
		s.notify(changed)
	}

	return nil
}

// Watch reloads the targets file whenever it changes on disk. It blocks
// until ctx is cancelled. The parent directory is watched so editors
// that replace the file by rename are handled.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("store has no targets file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolving targets file path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching targets directory: %w", err)
	}

	s.logger.Info("watching targets file", slog.String("file", abs))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if err := s.Reload(); err != nil {
				s.logger.Warn("targets reload failed, keeping previous configuration",
					slog.String("error", err.Error()),
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			// Non-fatal; the next event retries the reload.
			s.logger.Warn("targets watcher error", slog.String("error", err.Error()))
		}
	}
}

func (s *Store) notify(names []string) {
	s.mu.RLock()
	fns := append([]func([]string){}, s.onChange...)
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(names)
	}
}

// diff returns the sorted names whose configuration differs between two
// snapshots, including added and removed targets.
func diff(prev, next *Snapshot) []string {
	var changed []string

	for name, tc := range next.Targets {
		if old, ok := prev.Targets[name]; !ok || !reflect.DeepEqual(old, tc) {
			changed = append(changed, name)
		}
	}

	for name := range prev.Targets {
		if _, ok := next.Targets[name]; !ok {
			changed = append(changed, name)
		}
	}

	if !reflect.DeepEqual(prev.Chain, next.Chain) {
		changed = append(changed, models.ChainTargetName)
	}

	sort.Strings(changed)

	return changed
}
