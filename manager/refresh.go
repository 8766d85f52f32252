package manager

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often RunRefresh syncs when given zero.
const DefaultRefreshInterval = 15 * time.Minute

// ErrRefreshRunning is returned by Start when the refresher already runs.
var ErrRefreshRunning = errors.New("refresh already running")

// RefreshResult describes one refresh pass.
type RefreshResult struct {
	Outcome    string
	Assets     int
	Prefetched int
	Failed     int
	Duration   time.Duration
}

// Refresher syncs the catalog periodically and optionally warms the binary
// cache after each sync.
type Refresher struct {
	manager  *Manager
	interval time.Duration
	prefetch bool
	onResult func(RefreshResult)

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// RefreshOption configures a Refresher.
type RefreshOption func(*Refresher)

// WithPrefetch downloads missing assets after every sync.
func WithPrefetch(prefetch bool) RefreshOption {
	return func(r *Refresher) {
		r.prefetch = prefetch
	}
}

// WithResultHook is called after each pass.
func WithResultHook(fn func(RefreshResult)) RefreshOption {
	return func(r *Refresher) {
		r.onResult = fn
	}
}

// NewRefresher creates a refresher for m.
func (m *Manager) NewRefresher(interval time.Duration, opts ...RefreshOption) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	r := &Refresher{
		manager:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins periodic refreshes. The first pass runs immediately.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	if r.running {
		r.mu.Unlock()
		return ErrRefreshRunning
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop ends periodic refreshes and waits for the current pass.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single refresh pass.
func (r *Refresher) RunOnce(ctx context.Context) RefreshResult {
	m := r.manager
	start := time.Now()

	res := m.Sync(ctx)
	result := RefreshResult{Outcome: res.Outcome, Assets: len(res.Assets())}

	if r.prefetch && len(res.Groups) > 0 {
		pf := m.Prefetch(ctx, res.Assets())
		result.Prefetched = len(pf.Downloaded)
		result.Failed = len(pf.Failed)
	}
	result.Duration = time.Since(start)

	m.logger.Info("catalog refreshed",
		"outcome", result.Outcome,
		"assets", result.Assets,
		"prefetched", result.Prefetched,
		"failed", result.Failed,
		"duration", result.Duration,
	)
	if r.onResult != nil {
		r.onResult(result)
	}
	return result
}

// RunRefresh syncs every interval until ctx ends.
func (m *Manager) RunRefresh(ctx context.Context, interval time.Duration, opts ...RefreshOption) error {
	r := m.NewRefresher(interval, opts...)
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return ctx.Err()
}
