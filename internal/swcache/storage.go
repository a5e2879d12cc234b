package swcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotCacheable is returned by Cache.Put for requests other than GET and
// for partial (206) or not-modified (304) responses.
var ErrNotCacheable = errors.New("swcache: request or response cannot be stored")

// Storage is the origin-scoped set of named durable stores.
type Storage interface {
	// Open returns the store called name, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// Cache is one named durable store. Single-key Match and Put are atomic;
// nothing else is.
type Cache interface {
	Name() string
	Match(ctx context.Context, key RequestKey) (*Response, bool, error)
	Put(ctx context.Context, key RequestKey, resp *Response) error
	Keys(ctx context.Context) ([]RequestKey, error)
}

// LevelStorage keeps every named store in one leveldb database.
//
// Layout:
//
//	n:<name>              store marker
//	e:<name>\x00<key>     gob-encoded Response
//
// Entries are never evicted from leveldb. The RAM tier only mirrors hot
// entries and may drop them at any time.
type LevelStorage struct {
	db  *leveldb.DB
	ram *ramTier

	mu    sync.Mutex
	names map[string]struct{}
}

// OpenLevelStorage opens (or creates) the database at path.
func OpenLevelStorage(path string, ram RAMOptions) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newLevelStorage(db, ram)
}

// OpenMemoryStorage returns a LevelStorage backed by memory only.
func OpenMemoryStorage(ram RAMOptions) (*LevelStorage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelStorage(db, ram)
}

func newLevelStorage(db *leveldb.DB, ram RAMOptions) (*LevelStorage, error) {
	tier, err := newRAMTier(ram)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &LevelStorage{db: db, ram: tier, names: map[string]struct{}{}}
	if err := s.loadNames(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStorage) loadNames() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()

	names := map[string]struct{}{}
	for it.Next() {
		names[string(bytes.TrimPrefix(it.Key(), []byte("n:")))] = struct{}{}
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
	return nil
}

func (s *LevelStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, fmt.Errorf("invalid cache name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; !ok {
		if err := s.db.Put([]byte("n:"+name), nil, nil); err != nil {
			return nil, fmt.Errorf("create cache %q: %w", name, err)
		}
		s.names[name] = struct{}{}
	}
	return &levelCache{s: s, name: name, prefix: "e:" + name + "\x00"}, nil
}

func (s *LevelStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (s *LevelStorage) Close() error {
	return s.db.Close()
}

type levelCache struct {
	s      *LevelStorage
	name   string
	prefix string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(ctx context.Context, key RequestKey) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	dbKey := c.prefix + key.String()

	if ent, ok := c.s.ram.Get(dbKey); ok {
		return ent.Clone(), true, nil
	}

	b, err := c.s.db.Get([]byte(dbKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match %s: %w", key, err)
	}
	var ent Response
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	c.s.ram.Add(dbKey, &ent)
	return ent.Clone(), true, nil
}

func (c *levelCache) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key.Method != http.MethodGet {
		return fmt.Errorf("put %s: %w", key, ErrNotCacheable)
	}
	if !storable(resp.Status) {
		return fmt.Errorf("put %s: status %d: %w", key, resp.Status, ErrNotCacheable)
	}
	b, err := encodeGob(resp)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	dbKey := c.prefix + key.String()
	if err := c.s.db.Put([]byte(dbKey), b, nil); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	c.s.ram.Add(dbKey, resp.Clone())
	return nil
}

func (c *levelCache) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := c.s.db.NewIterator(util.BytesPrefix([]byte(c.prefix)), nil)
	defer it.Release()

	var out []RequestKey
	for it.Next() {
		raw := string(bytes.TrimPrefix(it.Key(), []byte(c.prefix)))
		method, u, ok := strings.Cut(raw, " ")
		if !ok {
			continue
		}
		out = append(out, RequestKey{Method: method, URL: u})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
