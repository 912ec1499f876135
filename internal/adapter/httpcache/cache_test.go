package httpcache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
)

// --- mock for cache tests ---

type countingTransport struct {
	calls int
	body  string
	err   error
}

func (m *countingTransport) Get(_ context.Context, url string, _ bool) (*domain.Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Response{Body: io.NopCloser(strings.NewReader(m.body)), URL: url}, nil
}

// slowTransport serves body in small chunks and is safe for concurrent use.
type slowTransport struct {
	calls atomic.Int32
	body  string
}

func (m *slowTransport) Get(_ context.Context, url string, _ bool) (*domain.Response, error) {
	m.calls.Add(1)
	return &domain.Response{Body: io.NopCloser(iotest.HalfReader(strings.NewReader(m.body))), URL: url}, nil
}

func newTestCache(t *testing.T, inner domain.Transport, maxEntries int) (*Cache, *clockwork.FakeClock, *observability.Metrics) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	metrics := observability.NewMetricsForTesting()
	c, err := NewCache(inner, t.TempDir(), 10*time.Minute, maxEntries, clock, discardLogger(), metrics)
	require.NoError(t, err)
	return c, clock, metrics
}

func readAll(t *testing.T, resp *domain.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return string(b)
}

// --- Cache tests ---

func TestCache_MissThenHit(t *testing.T) {
	inner := &countingTransport{body: "<site>payload</site>"}
	c, _, metrics := newTestCache(t, inner, 10)
	ctx := context.Background()

	resp, err := c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, "<site>payload</site>", readAll(t, resp))

	resp, err = c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, "<site>payload</site>", readAll(t, resp))

	assert.Equal(t, 1, inner.calls, "should only call inner once")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("miss")))
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	inner := &countingTransport{body: "v1"}
	c, clock, _ := newTestCache(t, inner, 10)
	ctx := context.Background()

	resp, err := c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	readAll(t, resp)

	clock.Advance(10 * time.Minute)
	resp, err = c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	assert.True(t, resp.FromCache, "entry exactly at TTL is still fresh")
	readAll(t, resp)

	clock.Advance(time.Second)
	inner.body = "v2"
	resp, err = c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, "v2", readAll(t, resp))
	assert.Equal(t, 2, inner.calls)
}

func TestCache_HardRefreshBypassesFreshEntry(t *testing.T) {
	inner := &countingTransport{body: "v1"}
	c, _, metrics := newTestCache(t, inner, 10)
	ctx := context.Background()

	resp, err := c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	readAll(t, resp)

	inner.body = "v2"
	resp, err = c.Get(ctx, "http://example.test/a", true)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, "v2", readAll(t, resp))

	resp, err = c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	assert.Equal(t, "v2", readAll(t, resp), "hard refresh rewrites the entry")
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("bypass")))
}

func TestCache_PartialReadIsNotCommitted(t *testing.T) {
	inner := &countingTransport{body: strings.Repeat("x", 4096)}
	c, _, _ := newTestCache(t, inner, 10)
	ctx := context.Background()

	resp, err := c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	readAll(t, resp)
	assert.Equal(t, 2, inner.calls)

	leftovers, err := filepath.Glob(filepath.Join(c.dir, "*"+tmpSuffix))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCache_DistinctURLsMiss(t *testing.T) {
	inner := &countingTransport{body: "x"}
	c, _, _ := newTestCache(t, inner, 10)
	ctx := context.Background()

	for _, u := range []string{"http://example.test/a", "http://example.test/a?x=1"} {
		resp, err := c.Get(ctx, u, false)
		require.NoError(t, err)
		readAll(t, resp)
	}
	assert.Equal(t, 2, inner.calls)
}

func TestCache_InnerErrorPropagates(t *testing.T) {
	transportErr := &domain.TransportError{URL: "http://example.test/a", Err: errors.New("no route to host")}
	inner := &countingTransport{err: transportErr}
	c, _, _ := newTestCache(t, inner, 10)

	_, err := c.Get(context.Background(), "http://example.test/a", false)
	require.Error(t, err)
	assert.True(t, domain.IsTransport(err))
}

func TestCache_EvictionRemovesFile(t *testing.T) {
	inner := &countingTransport{body: "x"}
	c, _, _ := newTestCache(t, inner, 1)
	ctx := context.Background()

	resp, err := c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	readAll(t, resp)
	resp, err = c.Get(ctx, "http://example.test/b", false)
	require.NoError(t, err)
	readAll(t, resp)

	_, err = os.Stat(c.path(cacheKey("http://example.test/a")))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(c.path(cacheKey("http://example.test/b")))
	assert.NoError(t, err)
	assert.Equal(t, 1, c.index.size())
}

func TestCache_AdoptsExistingEntries(t *testing.T) {
	inner := &countingTransport{body: "persisted"}
	c, clock, _ := newTestCache(t, inner, 10)
	ctx := context.Background()

	resp, err := c.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	readAll(t, resp)
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "abandoned.123"+tmpSuffix), []byte("junk"), 0o644))

	reopened, err := NewCache(inner, c.dir, 10*time.Minute, 10, clock, discardLogger(), observability.NewMetricsForTesting())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.index.size())

	resp, err = reopened.Get(ctx, "http://example.test/a", false)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, "persisted", readAll(t, resp))

	_, err = os.Stat(filepath.Join(c.dir, "abandoned.123"+tmpSuffix))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCache_WriteFailureDropsCachingOnly(t *testing.T) {
	c, _, metrics := newTestCache(t, &countingTransport{}, 10)

	tmp, err := os.CreateTemp(c.dir, "broken.*"+tmpSuffix)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	key := cacheKey("http://example.test/a")
	body := &teeBody{
		src:   io.NopCloser(strings.NewReader("still readable")),
		tmp:   tmp,
		cache: c,
		key:   key,
		url:   "http://example.test/a",
	}
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "still readable", string(b))
	require.NoError(t, body.Close())

	_, err = os.Stat(c.path(key))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheWriteFailures))
}

// --- LRU index unit tests ---

func TestLRUIndex_Eviction(t *testing.T) {
	c := newLRUIndex(2)

	assert.Empty(t, c.put("a"))
	assert.Empty(t, c.put("b"))
	assert.Equal(t, []string{"a"}, c.put("c"))
	assert.Equal(t, 2, c.size())
}

func TestLRUIndex_TouchPromotesEntry(t *testing.T) {
	c := newLRUIndex(2)

	c.put("a")
	c.put("b")
	c.touch("a")

	assert.Equal(t, []string{"b"}, c.put("c"), "b is least recently used")
}

func TestLRUIndex_PutExisting(t *testing.T) {
	c := newLRUIndex(2)

	c.put("a")
	c.put("b")
	assert.Empty(t, c.put("a"))
	assert.Equal(t, []string{"b"}, c.put("c"))
}

func TestCache_ConcurrentReadersNeverSeePartialEntries(t *testing.T) {
	payload := strings.Repeat("<datum><valid>2024-05-01T12:00:00</valid><primary>42.0</primary></datum>\n", 2048)
	inner := &slowTransport{body: payload}
	c, _, _ := newTestCache(t, inner, 10)
	ctx := context.Background()
	const url = "http://example.test/shared"

	const workers = 32
	bodies := make([]string, workers)
	fromCache := make([]bool, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(ctx, url, i%4 == 0)
			if err != nil {
				errs[i] = err
				return
			}
			b, err := io.ReadAll(resp.Body)
			if cerr := resp.Body.Close(); err == nil {
				err = cerr
			}
			bodies[i], fromCache[i], errs[i] = string(b), resp.FromCache, err
		}()
	}
	wg.Wait()

	hits := 0
	for i := range workers {
		require.NoError(t, errs[i])
		assert.True(t, bodies[i] == payload, "worker %d read %d of %d bytes", i, len(bodies[i]), len(payload))
		if fromCache[i] {
			hits++
		}
	}
	assert.Equal(t, workers, hits+int(inner.calls.Load()), "every read is either a hit or a fetch")

	resp, err := c.Get(ctx, url, false)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, len(payload), len(readAll(t, resp)))
	assert.Equal(t, 1, c.index.size())
}
