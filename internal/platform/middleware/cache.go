package middleware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// CacheStore is a response cache backend. Entries expire after their TTL.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Clear()
}

// cacheEntry holds a cached value and its expiration time.
type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// InMemoryCacheStore is a thread-safe in-memory CacheStore with lazy expiration.
type InMemoryCacheStore struct {
	entries map[string]*cacheEntry
	mu      sync.RWMutex
	now     func() time.Time
}

func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

func (s *InMemoryCacheStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return entry.data, true
}

func (s *InMemoryCacheStore) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cacheEntry{
		data:      append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
}

func (s *InMemoryCacheStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*cacheEntry)
}

// LevelDBCacheStore keeps cached responses in a LevelDB database so they
// survive restarts. Each value is prefixed with its expiry as 8 bytes of
// big-endian unix nanoseconds.
type LevelDBCacheStore struct {
	db     *leveldb.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenLevelDBCacheStore opens (or creates) the database at path. An empty
// path opens an in-memory database.
func OpenLevelDBCacheStore(path string, logger zerolog.Logger) (*LevelDBCacheStore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &LevelDBCacheStore{
		db:     db,
		logger: logger.With().Str("component", "cache").Logger(),
		now:    time.Now,
	}, nil
}

func (s *LevelDBCacheStore) Close() error { return s.db.Close() }

func (s *LevelDBCacheStore) Get(key string) ([]byte, bool) {
	raw, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("cache read failed")
		}
		return nil, false
	}
	if len(raw) < 8 {
		return nil, false
	}
	expires := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	if s.now().After(expires) {
		if err := s.db.Delete([]byte(key), nil); err != nil {
			s.logger.Warn().Err(err).Msg("cache evict failed")
		}
		return nil, false
	}
	return raw[8:], true
}

func (s *LevelDBCacheStore) Set(key string, value []byte, ttl time.Duration) {
	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw[:8], uint64(s.now().Add(ttl).UnixNano()))
	copy(raw[8:], value)
	if err := s.db.Put([]byte(key), raw, nil); err != nil {
		s.logger.Warn().Err(err).Msg("cache write failed")
	}
}

func (s *LevelDBCacheStore) Clear() {
	iter := s.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		s.logger.Warn().Err(err).Msg("cache scan failed")
		return
	}
	if err := s.db.Write(batch, nil); err != nil {
		s.logger.Warn().Err(err).Msg("cache clear failed")
	}
}

// bufferedResponseWriter captures the response body so it can be stored
// before being flushed to the real writer.
type bufferedResponseWriter struct {
	writer     http.ResponseWriter
	buf        *bytes.Buffer
	statusCode int
}

func newBufferedResponseWriter(w http.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{
		writer:     w,
		buf:        &bytes.Buffer{},
		statusCode: http.StatusOK,
	}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.writer.Header()
}

func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *bufferedResponseWriter) WriteHeader(code int) {
	w.statusCode = code
}

func (w *bufferedResponseWriter) flushTo() error {
	w.writer.WriteHeader(w.statusCode)
	if w.buf.Len() > 0 {
		_, err := w.writer.Write(w.buf.Bytes())
		return err
	}
	return nil
}

// ResponseCache serves repeated GETs from store for ttl. Any successful
// write request through the same group clears the whole cache, so a read
// never outlives the write that changed it.
func ResponseCache(store CacheStore, ttl time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if req.Method != http.MethodGet {
				err := next(c)
				if err == nil && c.Response().Status < http.StatusBadRequest {
					store.Clear()
				}
				return err
			}

			key := cacheKey(req.Method, req.URL.RequestURI())
			if data, ok := store.Get(key); ok {
				c.Response().Header().Set("X-Cache", "HIT")
				return c.JSONBlob(http.StatusOK, data)
			}

			res := c.Response()
			origWriter := res.Writer
			buf := newBufferedResponseWriter(origWriter)
			res.Writer = buf

			err := next(c)
			res.Writer = origWriter
			if err != nil {
				return err
			}

			if buf.statusCode == http.StatusOK {
				store.Set(key, buf.buf.Bytes(), ttl)
			}
			res.Header().Set("X-Cache", "MISS")
			return buf.flushTo()
		}
	}
}

func cacheKey(method, uri string) string {
	return method + ":" + uri
}
