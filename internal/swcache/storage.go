package swcache

import (
	"bytes"
	"encoding/gob"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MemoryPath selects an in-memory LevelDB instead of a directory.
const MemoryPath = ":memory:"

// LevelDB layout:
//
//	n:<namespace>               -> namespaceMeta
//	e:<namespace>\x00<request>  -> CacheEntry
const (
	metaPrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type namespaceMeta struct {
	CreatedAt int64 // unix nanoseconds
}

// CacheStorage holds named cache namespaces. It is safe for concurrent use;
// every write is a single atomic LevelDB batch.
type CacheStorage struct {
	db  *leveldb.DB
	ram *ramCache

	mu    sync.RWMutex
	names map[string]namespaceMeta
}

// OpenStorage opens (or creates) the LevelDB at path. ramMax bounds the RAM
// layer in bytes; 0 disables it. log receives RAM overflow warnings and may
// be nil.
func OpenStorage(path string, ramMax int64, log *slog.Logger) (*CacheStorage, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" || path == MemoryPath {
		db, err = leveldb.Open(lvstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeDatabase, "open cache storage"), "path", path)
	}
	var overflowLog *rateLimitedLogger
	if log != nil {
		overflowLog = newRateLimitedLogger(log, time.Minute)
	}
	s := &CacheStorage{
		db:    db,
		ram:   newRAMCache(ramMax, overflowLog),
		names: map[string]namespaceMeta{},
	}
	if err := s.loadNames(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *CacheStorage) Close() error {
	return s.db.Close()
}

func (s *CacheStorage) loadNames() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta namespaceMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		s.names[name] = meta
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load namespace index")
	}
	return nil
}

// Open returns the namespace called name, creating it if needed.
func (s *CacheStorage) Open(name string) (*Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; !ok {
		meta := namespaceMeta{CreatedAt: time.Now().UnixNano()}
		b, err := encodeGob(meta)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "encode namespace meta")
		}
		if err := s.db.Put([]byte(metaPrefix+name), b, nil); err != nil {
			return nil, errors.WithContext(errors.Wrap(err, errors.CodeDatabase, "create namespace"), "namespace", name)
		}
		s.names[name] = meta
	}
	return &Namespace{name: name, s: s}, nil
}

// Has reports whether the namespace exists.
func (s *CacheStorage) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[name]
	return ok
}

// Keys lists namespace names in creation order.
func (s *CacheStorage) Keys() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	created := make(map[string]int64, len(s.names))
	for n, m := range s.names {
		created[n] = m.CreatedAt
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if created[out[i]] != created[out[j]] {
			return created[out[i]] < created[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Delete removes the namespace and all its entries. It reports whether the
// namespace existed.
func (s *CacheStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.WithContext(errors.Wrap(err, errors.CodeDatabase, "scan namespace"), "namespace", name)
	}
	batch.Delete([]byte(metaPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.WithContext(errors.Wrap(err, errors.CodeDatabase, "delete namespace"), "namespace", name)
	}

	delete(s.names, name)
	s.ram.DeletePrefix(name + keySep)
	return true, nil
}

// DiskSize is the approximate on-disk size of all entries.
func (s *CacheStorage) DiskSize() int64 {
	sizes, err := s.db.SizeOf([]util.Range{*util.BytesPrefix([]byte(entryPrefix))})
	if err != nil {
		return 0
	}
	return sizes.Sum()
}

// Namespace is a handle on one named cache.
type Namespace struct {
	name string
	s    *CacheStorage
}

func (n *Namespace) Name() string { return n.name }

func (n *Namespace) dbKey(reqKey string) string {
	return entryPrefix + n.name + keySep + reqKey
}

// Match returns the stored response for reqKey.
func (n *Namespace) Match(reqKey string) (CacheEntry, bool) {
	k := n.dbKey(reqKey)
	if ent, ok := n.s.ram.Get(n.name + keySep + reqKey); ok {
		return ent, true
	}
	b, err := n.s.db.Get([]byte(k), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	n.s.ram.Put(n.name+keySep+reqKey, ent, int64(len(b)))
	return ent, true
}

// Put stores ent under reqKey, replacing any previous value.
func (n *Namespace) Put(reqKey string, ent CacheEntry) error {
	return n.PutAll(map[string]CacheEntry{reqKey: ent})
}

// PutAll stores all entries in one batch: either every entry is written or
// none is.
func (n *Namespace) PutAll(entries map[string]CacheEntry) error {
	type encoded struct {
		key string
		ent CacheEntry
		b   []byte
	}
	enc := make([]encoded, 0, len(entries))
	batch := new(leveldb.Batch)
	for reqKey, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return errors.WithContext(errors.Wrap(err, errors.CodeInternal, "encode cache entry"), "key", reqKey)
		}
		batch.Put([]byte(n.dbKey(reqKey)), b)
		enc = append(enc, encoded{key: reqKey, ent: ent, b: b})
	}

	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	if _, ok := n.s.names[n.name]; !ok {
		return errors.WithContext(errors.New(errors.CodeNotFound, "namespace was deleted"), "namespace", n.name)
	}
	if err := n.s.db.Write(batch, nil); err != nil {
		return errors.WithContext(errors.Wrap(err, errors.CodeDatabase, "write cache entries"), "namespace", n.name)
	}
	for _, e := range enc {
		n.s.ram.Put(n.name+keySep+e.key, e.ent, int64(len(e.b)))
	}
	return nil
}

// Keys lists the request keys stored in the namespace.
func (n *Namespace) Keys() ([]string, error) {
	prefix := []byte(entryPrefix + n.name + keySep)
	it := n.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list cache entries")
	}
	return out, nil
}

func (n *Namespace) Len() int {
	keys, err := n.Keys()
	if err != nil {
		return 0
	}
	return len(keys)
}

// requestKey is the cache key of a request: method and absolute URL.
func requestKey(method, rawURL string) string {
	return strings.ToUpper(method) + " " + rawURL
}

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
