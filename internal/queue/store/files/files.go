// Package files keeps each queued item as a file under <root>/q/.
// A fetched item is leased by renaming it to <name>.x; releasing renames it back.
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/aridsondez/eventqueue/internal/queue"
	"github.com/aridsondez/eventqueue/internal/queue/store"
)

// Ensure *Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

const (
	leaseSuffix = ".x"
	tempPattern = "*.tmp"
)

type Options struct {
	Logger *zap.Logger
	Clock  clock.PassiveClock
}

type Store struct {
	root  string
	dir   string
	log   *zap.Logger
	clock clock.PassiveClock

	mu     sync.Mutex
	closed bool
}

// Open prepares root for use and returns items leased by a previous
// process to the queue.
func Open(root string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	dir := filepath.Join(root, strings.TrimSuffix(queue.ItemPrefix, "/"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	s := &Store{root: root, dir: dir, log: opts.Logger, clock: opts.Clock}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read queue directory: %w", err)
	}
	var errs error
	recovered := 0
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(s.dir, name)
		switch {
		case strings.HasSuffix(name, ".tmp"):
			errs = multierr.Append(errs, removeIfExists(full))
		case strings.HasSuffix(name, leaseSuffix):
			if err := s.unlease(full); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		s.log.Info("file_store_leases_recovered", zap.Int("count", recovered))
	}
	return errs
}

// path maps an item name onto the filesystem, rejecting anything that is not
// a well-formed item name.
func (s *Store) path(name string) (string, error) {
	if _, err := queue.ParseItemName(name); err != nil {
		return "", fmt.Errorf("%w: %q", err, name)
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

func (s *Store) Write(ctx context.Context, name string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(payload)
	werr = multierr.Append(werr, tmp.Sync())
	werr = multierr.Append(werr, tmp.Close())
	if werr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, werr)
	}
	now := s.clock.Now()
	if err := os.Chtimes(tmpName, now, now); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

type entry struct {
	name    string // item name, q/<token>.0.json
	file    string
	modTime time.Time
}

// list returns items ordered by write time, leased ones only when asked.
func (s *Store) list(includeLeased bool) ([]entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue directory: %w", err)
	}
	out := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		base := de.Name()
		leased := strings.HasSuffix(base, leaseSuffix)
		if leased && !includeLeased {
			continue
		}
		itemBase := strings.TrimSuffix(base, leaseSuffix)
		if !strings.HasSuffix(itemBase, queue.ItemSuffix) {
			continue
		}
		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry{
			name:    queue.ItemPrefix + itemBase,
			file:    filepath.Join(s.dir, base),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.Before(out[j].modTime)
		}
		return out[i].name < out[j].name
	})
	return out, nil
}

func (s *Store) FetchBatch(ctx context.Context, limit int) ([]queue.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = store.Limit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	entries, err := s.list(false)
	if err != nil {
		return nil, err
	}
	var items []queue.Item
	for _, e := range entries {
		if len(items) >= limit {
			break
		}
		leased := e.file + leaseSuffix
		if err := os.Rename(e.file, leased); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, s.abortFetch(items, fmt.Errorf("lease %s: %w", e.name, err))
		}
		data, err := os.ReadFile(leased)
		if err != nil {
			_ = os.Rename(leased, e.file)
			return nil, s.abortFetch(items, fmt.Errorf("read %s: %w", e.name, err))
		}
		items = append(items, queue.Item{Name: e.name, Payload: data, CreatedAt: e.modTime})
	}
	return items, nil
}

// abortFetch returns the items leased so far by a failed fetch.
func (s *Store) abortFetch(items []queue.Item, cause error) error {
	errs := cause
	for _, it := range items {
		full, err := s.path(it.Name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, s.unlease(full+leaseSuffix))
	}
	return errs
}

func (s *Store) DeleteBatch(ctx context.Context, items []queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	var errs error
	for _, it := range items {
		full, err := s.path(it.Name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, removeIfExists(full+leaseSuffix))
	}
	if errs != nil {
		return fmt.Errorf("delete batch: %w", errs)
	}
	return nil
}

func (s *Store) ReleaseBatch(ctx context.Context, items []queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	var errs error
	for _, it := range items {
		full, err := s.path(it.Name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, s.unlease(full+leaseSuffix))
	}
	if errs != nil {
		return fmt.Errorf("release batch: %w", errs)
	}
	return nil
}

// unlease renames a leased file back. If the item was rewritten while leased
// the newer file wins and the leased copy is dropped.
func (s *Store) unlease(leased string) error {
	orig := strings.TrimSuffix(leased, leaseSuffix)
	if _, err := os.Stat(orig); err == nil {
		return removeIfExists(leased)
	}
	if err := os.Rename(leased, orig); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}

	entries, err := s.list(true)
	if err != nil {
		return 0, err
	}
	var errs error
	n := 0
	for _, e := range entries {
		if !e.modTime.Before(cutoff) {
			continue
		}
		if err := removeIfExists(e.file); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	s.log.Info("file_store_items_purged", zap.Int("count", n), zap.Time("cutoff", cutoff))
	return n, errs
}

func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	entries, err := s.list(true)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
