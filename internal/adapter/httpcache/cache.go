package httpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
)

const tmpSuffix = ".tmp"

// Cache wraps a Transport with an on-disk response cache. Entries are keyed
// by the exact request URL and are fresh for ttl after they were written.
type Cache struct {
	inner   domain.Transport
	dir     string
	ttl     time.Duration
	clock   clockwork.Clock
	index   *lruIndex
	locks   [64]sync.Mutex
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCache creates a cache decorator storing at most maxEntries responses in
// dir. Entries already in dir are adopted, oldest first.
func NewCache(inner domain.Transport, dir string, ttl time.Duration, maxEntries int, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{
		inner:   inner,
		dir:     dir,
		ttl:     ttl,
		clock:   clock,
		index:   newLRUIndex(maxEntries),
		logger:  logger,
		metrics: metrics,
	}
	if err := c.adopt(); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the cached body for url when it is fresh and hardRefresh is
// false. Otherwise it fetches from the inner transport and writes the body to
// the cache as the caller reads it. The entry is committed only once the
// caller has read to EOF and closed the body.
func (c *Cache) Get(ctx context.Context, url string, hardRefresh bool) (*domain.Response, error) {
	key := cacheKey(url)

	if hardRefresh {
		c.metrics.CacheLookups.WithLabelValues("bypass").Inc()
	} else if f := c.openFresh(key); f != nil {
		c.metrics.CacheLookups.WithLabelValues("hit").Inc()
		c.logger.Debug("http cache hit", "url", url)
		return &domain.Response{Body: f, URL: url, FromCache: true}, nil
	} else {
		c.metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	resp, err := c.inner.Get(ctx, url, hardRefresh)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(c.dir, key+".*"+tmpSuffix)
	if err != nil {
		c.logger.Warn("http cache disabled for response", "url", url, "error", err)
		c.metrics.CacheWriteFailures.Inc()
		return resp, nil
	}

	resp.Body = &teeBody{src: resp.Body, tmp: tmp, cache: c, key: key, url: url}
	return resp, nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key)
}

func (c *Cache) lock(key string) *sync.Mutex {
	b, _ := hex.DecodeString(key[:2])
	return &c.locks[int(b[0])%len(c.locks)]
}

// openFresh opens the entry for key if it exists and is within the TTL.
func (c *Cache) openFresh(key string) *os.File {
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	info, err := os.Stat(c.path(key))
	if err != nil || c.clock.Since(info.ModTime()) > c.ttl {
		return nil
	}
	f, err := os.Open(c.path(key))
	if err != nil {
		return nil
	}
	c.index.touch(key)
	return f
}

// commit moves a fully written temp file into place and records it in the
// index, removing whatever entry the index evicts.
func (c *Cache) commit(key, tmpPath string) error {
	now := c.clock.Now()
	if err := os.Chtimes(tmpPath, now, now); err != nil {
		return err
	}

	mu := c.lock(key)
	mu.Lock()
	err := os.Rename(tmpPath, c.path(key))
	mu.Unlock()
	if err != nil {
		return err
	}

	for _, evicted := range c.index.put(key) {
		c.remove(evicted)
	}
	return nil
}

func (c *Cache) remove(key string) {
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("http cache evict failed", "key", key, "error", err)
	}
}

// adopt indexes entries left in dir by a previous process and discards
// abandoned temp files.
func (c *Cache) adopt() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	type found struct {
		key string
		mod time.Time
	}
	var keep []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			_ = os.Remove(filepath.Join(c.dir, e.Name()))
			continue
		}
		info, err := e.Info()
		if err != nil || !isCacheKey(e.Name()) {
			continue
		}
		keep = append(keep, found{key: e.Name(), mod: info.ModTime()})
	}
	slices.SortFunc(keep, func(a, b found) int { return a.mod.Compare(b.mod) })
	for _, f := range keep {
		for _, evicted := range c.index.put(f.key) {
			c.remove(evicted)
		}
	}
	return nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func isCacheKey(name string) bool {
	if len(name) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

// teeBody copies everything the caller reads into a temp file.
type teeBody struct {
	src    io.ReadCloser
	tmp    *os.File
	cache  *Cache
	key    string
	url    string
	eof    bool
	failed bool
	closed bool
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.src.Read(p)
	if n > 0 && !b.failed {
		if _, werr := b.tmp.Write(p[:n]); werr != nil {
			b.failed = true
			b.cache.logger.Warn("http cache write failed", "url", b.url, "error", werr)
		}
	}
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	return n, err
}

func (b *teeBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.src.Close()

	tmpPath := b.tmp.Name()
	if cerr := b.tmp.Close(); cerr != nil && !b.failed {
		b.failed = true
		b.cache.logger.Warn("http cache write failed", "url", b.url, "error", cerr)
	}

	switch {
	case b.failed:
		b.cache.metrics.CacheWriteFailures.Inc()
		_ = os.Remove(tmpPath)
	case !b.eof:
		_ = os.Remove(tmpPath)
	default:
		if cerr := b.cache.commit(b.key, tmpPath); cerr != nil {
			b.cache.metrics.CacheWriteFailures.Inc()
			b.cache.logger.Warn("http cache commit failed", "url", b.url, "error", cerr)
			_ = os.Remove(tmpPath)
		}
	}
	return err
}

// lruIndex tracks cache keys in recency order.
type lruIndex struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key  string
	prev *entry
	next *entry
}

func newLRUIndex(maxEntries int) *lruIndex {
	return &lruIndex{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruIndex) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.moveToFront(e)
	}
}

// put records key as most recently used and returns the keys evicted to stay
// within maxEntries.
func (c *lruIndex) put(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.moveToFront(e)
		return nil
	}

	e := &entry{key: key}
	c.entries[key] = e
	c.addToFront(e)

	var evicted []string
	for len(c.entries) > c.maxEntries && c.tail != nil {
		evicted = append(evicted, c.evictTail())
	}
	return evicted
}

func (c *lruIndex) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruIndex) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruIndex) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruIndex) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruIndex) evictTail() string {
	key := c.tail.key
	delete(c.entries, key)
	c.remove(c.tail)
	return key
}
