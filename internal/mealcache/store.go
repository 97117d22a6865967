package mealcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrStorageClosed = errors.New("mealcache: storage closed")
	ErrNoGeneration  = errors.New("mealcache: generation does not exist")
)

// CacheStorage is the durable store of named cache generations.
//
// Implementations must be safe for concurrent use. Mutations are
// last-writer-wins; there is no transactional isolation between callers.
type CacheStorage interface {
	// Open returns the named generation, creating it when absent.
	Open(ctx context.Context, name string) (*Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists existing generation names.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a generation with all of its entries. It reports
	// whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
}

const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type generationMeta struct {
	CreatedAt int64
}

// DiskStorage keeps generations in goleveldb with a bounded in-memory
// read cache in front of entry lookups.
type DiskStorage struct {
	db  *leveldb.DB
	ram *ramCache

	// mu orders entry writes against generation deletion so a put never
	// lands in a generation that was just removed.
	mu     sync.RWMutex
	closed bool
}

// OpenDiskStorage opens (or creates) the leveldb database at path.
func OpenDiskStorage(path string, ramMax int64) (*DiskStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return NewDiskStorage(db, ramMax), nil
}

// NewDiskStorage wraps an already opened database. The storage takes
// ownership of db and closes it in Close.
func NewDiskStorage(db *leveldb.DB, ramMax int64) *DiskStorage {
	return &DiskStorage{db: db, ram: newRAMCache(ramMax)}
}

func (s *DiskStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *DiskStorage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("mealcache: empty generation name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open cache %s", name)
	}
	if !ok {
		b, err := encodeGob(generationMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put([]byte(genPrefix+name), b, nil); err != nil {
			return nil, errors.Wrapf(err, "create cache %s", name)
		}
	}
	return &Cache{name: name, s: s}, nil
}

func (s *DiskStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return false, errors.Wrapf(err, "has cache %s", name)
	}
	return ok, nil
}

func (s *DiskStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "list caches")
	}
	return out, nil
}

func (s *DiskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return false, errors.Wrapf(err, "delete cache %s", name)
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(err, "delete cache %s", name)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete cache %s", name)
	}
	s.ram.Purge(name + keySep)
	return true, nil
}

// DiskUsage is the approximate on-disk size of all stored entries.
func (s *DiskStorage) DiskUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	sizes, err := s.db.SizeOf([]util.Range{*util.BytesPrefix([]byte(entryPrefix))})
	if err != nil {
		return 0
	}
	return sizes.Sum()
}

// RAMUsage is the size of the in-memory read cache.
func (s *DiskStorage) RAMUsage() int64 {
	return s.ram.TotalSize()
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + keySep)
}

// Cache is one named generation.
type Cache struct {
	name string
	s    *DiskStorage
}

func (c *Cache) Name() string { return c.name }

// Match returns a copy of the stored response for key.
func (c *Cache) Match(ctx context.Context, key string) (*ResponseDescriptor, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	ramKey := c.name + keySep + key
	if ent, ok := c.s.ram.Get(ramKey); ok {
		return ent, true, nil
	}

	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if c.s.closed {
		return nil, false, ErrStorageClosed
	}
	b, err := c.s.db.Get(append(entryKeyPrefix(c.name), key...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "match %s in %s", key, c.name)
	}
	var ent ResponseDescriptor
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, errors.Wrapf(err, "decode %s in %s", key, c.name)
	}
	c.s.ram.Put(ramKey, &ent)
	return ent.Clone(), true, nil
}

// Put stores resp under key, overwriting any previous entry. The caller
// keeps ownership of resp; a copy is persisted.
func (c *Cache) Put(ctx context.Context, key string, resp *ResponseDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ent := resp.Clone()
	ent.StoredAt = time.Now().Unix()
	ent.Source = ""
	b, err := encodeGob(ent)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.closed {
		return ErrStorageClosed
	}
	ok, err := c.s.db.Has([]byte(genPrefix+c.name), nil)
	if err != nil {
		return errors.Wrapf(err, "put %s in %s", key, c.name)
	}
	if !ok {
		return errors.Wrap(ErrNoGeneration, c.name)
	}
	if err := c.s.db.Put(append(entryKeyPrefix(c.name), key...), b, nil); err != nil {
		return errors.Wrapf(err, "put %s in %s", key, c.name)
	}
	c.s.ram.Put(c.name+keySep+key, ent)
	return nil
}

// Keys lists the request keys stored in the generation.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if c.s.closed {
		return nil, ErrStorageClosed
	}
	prefix := entryKeyPrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, "list %s", c.name)
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

var _ CacheStorage = (*DiskStorage)(nil)
