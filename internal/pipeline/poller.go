package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Loader produces the current favorites with fresh data.
type Loader interface {
	Load(ctx context.Context, hardRefresh bool) ([]domain.FavoriteData, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, hardRefresh bool) ([]domain.FavoriteData, error)

func (f LoaderFunc) Load(ctx context.Context, hardRefresh bool) ([]domain.FavoriteData, error) {
	return f(ctx, hardRefresh)
}

// FavoritesWatcher reports whether favorites were added after a point in time.
type FavoritesWatcher interface {
	HasNewFavoritesSince(ctx context.Context, since time.Time) (bool, error)
}

// SnapshotPublisher forwards each loaded snapshot downstream.
type SnapshotPublisher interface {
	Publish(ctx context.Context, items []domain.FavoriteData) error
}

// Snapshot is the result of the last successful load.
type Snapshot struct {
	Favorites []domain.FavoriteData `json:"favorites"`
	LoadedAt  time.Time             `json:"loaded_at"`
}

// Poller reloads favorites on an interval, or sooner when new favorites
// appear, and keeps the last good snapshot.
type Poller struct {
	loader        Loader
	watcher       FavoritesWatcher
	publisher     SnapshotPublisher
	clock         clockwork.Clock
	logger        *slog.Logger
	metrics       *observability.Metrics
	interval      time.Duration
	checkInterval time.Duration

	mu          sync.Mutex // serializes loads
	ready       atomic.Bool
	latest      atomic.Pointer[Snapshot]
	lastAttempt atomic.Pointer[time.Time]
}

// NewPoller creates a Poller. publisher may be nil.
func NewPoller(loader Loader, watcher FavoritesWatcher, publisher SnapshotPublisher, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, interval, checkInterval time.Duration) *Poller {
	return &Poller{
		loader:        loader,
		watcher:       watcher,
		publisher:     publisher,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
		interval:      interval,
		checkInterval: checkInterval,
	}
}

// CheckReadiness returns nil once a snapshot has been loaded.
func (p *Poller) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("favorites have not been loaded yet")
	}
	return nil
}

// Latest returns the last successful snapshot, or nil before the first one.
func (p *Poller) Latest() *Snapshot {
	return p.latest.Load()
}

// Run executes the load loop until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.interval, "check_interval", p.checkInterval)
	p.metrics.PollerRunning.Set(1)
	defer p.metrics.PollerRunning.Set(0)

	backoff := initialBackoff
	for {
		wait := p.interval
		if p.Poll(ctx) {
			backoff = initialBackoff
		} else {
			wait = backoff
			backoff = sharedretry.NextBackoff(backoff, maxBackoff)
		}

		if !p.waitForNext(ctx, wait) {
			p.logger.Info("poller stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// Poll runs one load cycle and reports whether it succeeded. A failed cycle
// keeps the previous snapshot.
func (p *Poller) Poll(ctx context.Context) bool {
	return p.load(ctx, false) == nil
}

// Refresh runs a load cycle now, bypassing every agency cache. A failed
// refresh keeps the previous snapshot.
func (p *Poller) Refresh(ctx context.Context) error {
	p.logger.Info("hard refresh requested")
	return p.load(ctx, true)
}

func (p *Poller) load(ctx context.Context, hardRefresh bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.clock.Now()
	p.lastAttempt.Store(&start)

	items, err := p.loader.Load(ctx, hardRefresh)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.metrics.PollErrors.Inc()
		if errors.Is(err, domain.ErrNoNetwork) || domain.IsTransport(err) {
			p.logger.Warn("favorites load failed, network unavailable; keeping previous snapshot", "error", err)
		} else {
			p.logger.Error("favorites load failed; keeping previous snapshot", "error", err)
		}
		return err
	}

	p.latest.Store(&Snapshot{Favorites: items, LoadedAt: start})
	p.ready.Store(true)
	p.metrics.SnapshotSize.Set(float64(len(items)))
	p.metrics.PollDuration.Observe(p.clock.Since(start).Seconds())

	if p.publisher != nil && len(items) > 0 {
		if err := p.publisher.Publish(ctx, items); err != nil {
			p.logger.Error("publish snapshot failed", "error", err, "favorites", len(items))
		} else {
			p.metrics.MessagesPublished.Add(float64(len(items)))
		}
	}
	p.logger.Info("favorites loaded", "favorites", len(items), "hard_refresh", hardRefresh)
	return nil
}

func (p *Poller) lastAttemptAt() time.Time {
	if t := p.lastAttempt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// waitForNext sleeps for d, returning early when favorites were created since
// the last attempt. Returns false if the context was cancelled.
func (p *Poller) waitForNext(ctx context.Context, d time.Duration) bool {
	deadline := p.clock.NewTimer(d)
	defer deadline.Stop()

	var check <-chan time.Time
	if p.watcher != nil && p.checkInterval > 0 && p.checkInterval < d {
		ticker := p.clock.NewTicker(p.checkInterval)
		defer ticker.Stop()
		check = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.Chan():
			return true
		case <-check:
			added, err := p.watcher.HasNewFavoritesSince(ctx, p.lastAttemptAt())
			if err != nil {
				p.logger.Debug("favorites check failed", "error", err)
				continue
			}
			if added {
				p.logger.Info("new favorites detected, reloading")
				return true
			}
		}
	}
}
