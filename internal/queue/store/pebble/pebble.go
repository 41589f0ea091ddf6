// Package pebble stores queued items in an embedded Pebble database.
//
// Keys are item/<unix_nano %020d>-<seq %010d>/<name>, so iteration order is
// write order and an age purge is a single range deletion. Leases live in
// memory; a queue owns its storage root exclusively.
package pebble

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/aridsondez/eventqueue/internal/queue"
	"github.com/aridsondez/eventqueue/internal/queue/store"
)

// Ensure *Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

const keyPrefix = "item/"

var (
	lowerBound = []byte(keyPrefix)
	upperBound = []byte("item0") // '0' sorts right after '/'
)

// Options configure Open.
type Options struct {
	// InMemory backs the database with an in-memory filesystem.
	InMemory bool
	Logger   *zap.Logger
	Clock    clock.PassiveClock
}

type Store struct {
	log   *zap.Logger
	clock clock.PassiveClock

	mu     sync.Mutex
	db     *pebble.DB
	seq    uint64
	keys   map[string][]byte // name -> current key
	leased map[string]struct{}
}

// Open opens (or creates) the database at path and indexes existing items.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	po := &pebble.Options{}
	if opts.InMemory {
		po.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	s := &Store{
		log:    opts.Logger,
		clock:  opts.Clock,
		db:     db,
		keys:   make(map[string][]byte),
		leased: make(map[string]struct{}),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("pebble_store_opened", zap.String("path", path), zap.Int("items", len(s.keys)))
	return s, nil
}

func (s *Store) loadIndex() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lowerBound, UpperBound: upperBound})
	if err != nil {
		return fmt.Errorf("index items: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		_, seq, name, ok := parseKey(iter.Key())
		if !ok {
			continue
		}
		s.keys[name] = bytes.Clone(iter.Key())
		if seq > s.seq {
			s.seq = seq
		}
	}
	return iter.Close()
}

func encodeKey(ts int64, seq uint64, name string) []byte {
	return []byte(fmt.Sprintf("%s%020d-%010d/%s", keyPrefix, ts, seq, name))
}

func parseKey(key []byte) (ts int64, seq uint64, name string, ok bool) {
	rest, found := strings.CutPrefix(string(key), keyPrefix)
	if !found {
		return 0, 0, "", false
	}
	stamp, name, found := strings.Cut(rest, "/")
	if !found || name == "" {
		return 0, 0, "", false
	}
	tsPart, seqPart, found := strings.Cut(stamp, "-")
	if !found {
		return 0, 0, "", false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, 0, "", false
	}
	seq, err = strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, "", false
	}
	return ts, seq, name, true
}

func (s *Store) Write(ctx context.Context, name string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return store.ErrClosed
	}

	s.seq++
	key := encodeKey(s.clock.Now().UnixNano(), s.seq, name)

	b := s.db.NewBatch()
	defer b.Close()
	if old, ok := s.keys[name]; ok {
		if err := b.Delete(old, nil); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := b.Set(key, payload, nil); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error("pebble_write_failed", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("write %s: %w", name, err)
	}
	s.keys[name] = key
	return nil
}

func (s *Store) FetchBatch(ctx context.Context, limit int) ([]queue.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = store.Limit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, store.ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lowerBound, UpperBound: upperBound})
	if err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}
	var out []queue.Item
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		ts, _, name, ok := parseKey(iter.Key())
		if !ok {
			continue
		}
		if _, leased := s.leased[name]; leased {
			continue
		}
		out = append(out, queue.Item{
			Name:      name,
			Payload:   bytes.Clone(iter.Value()),
			CreatedAt: time.Unix(0, ts),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}
	for _, it := range out {
		s.leased[it.Name] = struct{}{}
	}
	return out, nil
}

func (s *Store) DeleteBatch(ctx context.Context, items []queue.Item) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return store.ErrClosed
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, it := range items {
		key, ok := s.keys[it.Name]
		if !ok {
			continue
		}
		if err := b.Delete(key, nil); err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	for _, it := range items {
		delete(s.keys, it.Name)
		delete(s.leased, it.Name)
	}
	return nil
}

func (s *Store) ReleaseBatch(ctx context.Context, items []queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return store.ErrClosed
	}
	for _, it := range items {
		delete(s.leased, it.Name)
	}
	return nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, store.ErrClosed
	}

	end := []byte(fmt.Sprintf("%s%020d", keyPrefix, cutoff.UnixNano()))
	if err := s.db.DeleteRange(lowerBound, end, pebble.Sync); err != nil {
		return 0, fmt.Errorf("delete older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n := 0
	for name, key := range s.keys {
		if bytes.Compare(key, end) < 0 {
			delete(s.keys, name)
			delete(s.leased, name)
			n++
		}
	}
	s.log.Info("pebble_items_purged", zap.Int("count", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Len reports how many items are stored, leased or not.
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, store.ErrClosed
	}
	return len(s.keys), nil
}

// Close closes the database. Calling it again is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.log.Info("pebble_store_closed")
	return err
}
