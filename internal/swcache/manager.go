package swcache

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Manager is the offline cache manager. It owns the cache storage: nothing
// else writes to it.
type Manager struct {
	cfg Config

	log     *slog.Logger
	fetcher Fetcher

	storage     *CacheStorage
	ownsStorage bool
	static      *Namespace
	media       *Namespace

	state atomic.Int32

	bgSem  *semaphore.Weighted
	flight singleflight.Group

	bgMu   sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

type Option func(*Manager)

// WithLogger sets the logger. Background failures are reported through it.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithFetcher replaces the HTTP client used for network requests.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) { m.fetcher = f }
}

// WithStorage uses an already opened storage. The caller keeps ownership.
func WithStorage(s *CacheStorage) Option {
	return func(m *Manager) { m.storage = s }
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.scope == nil {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		cfg:    cfg,
		bgSem:  semaphore.NewWeighted(int64(cfg.Network.MaxBackground)),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.fetcher == nil {
		m.fetcher = &http.Client{Timeout: cfg.Network.timeoutDur}
	}
	if m.storage == nil {
		s, err := OpenStorage(cfg.Storage.Path, cfg.ramMax, m.log)
		if err != nil {
			return nil, err
		}
		m.storage = s
		m.ownsStorage = true
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		m.stats = newStatsCollector()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.statsLoop(every)
		}()
	}
	return m, nil
}

// Close waits for pending background work, then closes owned storage.
func (m *Manager) Close() error {
	m.bgMu.Lock()
	if m.closed {
		m.bgMu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.bgMu.Unlock()

	m.wg.Wait()
	if m.ownsStorage {
		return m.storage.Close()
	}
	return nil
}

// Storage exposes the underlying cache storage for inspection.
func (m *Manager) Storage() *CacheStorage { return m.storage }

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) openCurrent() error {
	static, err := m.storage.Open(m.cfg.Caches.Static.String())
	if err != nil {
		return err
	}
	media, err := m.storage.Open(m.cfg.Caches.Media.String())
	if err != nil {
		return err
	}
	m.static, m.media = static, media
	return nil
}

// waitUntil runs fn in the background and keeps the manager alive until it
// returns. It reports false if the manager is already closing.
func (m *Manager) waitUntil(fn func()) bool {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// backgroundContext keeps the values of parent but not its cancellation, so
// work outlives the request that started it.
func (m *Manager) backgroundContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if d := m.cfg.Network.revalidateDur; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// match looks key up in the current namespaces, static first.
func (m *Manager) match(key string) (CacheEntry, bool) {
	for _, ns := range []*Namespace{m.static, m.media} {
		if ns == nil {
			continue
		}
		if ent, ok := ns.Match(key); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

// matchPath looks up a same-scope path, used for fallbacks.
func (m *Manager) matchPath(path string) (CacheEntry, bool) {
	if path == "" {
		return CacheEntry{}, false
	}
	return m.match(requestKey(http.MethodGet, m.cfg.resolve(path).String()))
}
