package swcache

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Manager.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant follows a failed install. Nothing is intercepted and
	// previously stored namespaces are left as they were.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) transition(from []State, to State) error {
	for _, f := range from {
		if m.state.CompareAndSwap(int32(f), int32(to)) {
			m.log.Debug("lifecycle", slog.String("from", f.String()), slog.String("to", to.String()))
			return nil
		}
	}
	return errors.WithContextMap(
		errors.New(errors.CodeConflict, "illegal lifecycle transition"),
		map[string]interface{}{"state": m.State().String(), "to": to.String()},
	)
}

// Start installs and then activates right away, without waiting for old
// clients to go away.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}
	return m.Activate(ctx)
}

// StartInBackground runs Start on a goroutine the manager tracks: Close
// cancels it and waits for it before closing the storage. The channel
// receives Start's result.
func (m *Manager) StartInBackground(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	started := m.waitUntil(func() {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-m.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		done <- m.Start(ctx)
	})
	if !started {
		done <- errors.New(errors.CodeUnavailable, "manager is closed")
	}
	return done
}

// Install populates the static and media namespaces from their manifests.
// The two run concurrently and independently; the install fails if either
// fails.
func (m *Manager) Install(ctx context.Context) error {
	if err := m.transition([]State{StateParsed, StateRedundant}, StateInstalling); err != nil {
		return err
	}
	start := time.Now()

	var g errgroup.Group
	g.Go(func() error {
		m.log.Info("caching static assets", slog.String("cache", m.cfg.Caches.Static.String()), slog.Int("count", len(m.cfg.Manifest.Static)))
		return m.precache(ctx, m.cfg.Caches.Static.String(), m.cfg.Manifest.Static)
	})
	g.Go(func() error {
		m.log.Info("caching media assets", slog.String("cache", m.cfg.Caches.Media.String()), slog.Int("count", len(m.cfg.Manifest.Media)))
		return m.precache(ctx, m.cfg.Caches.Media.String(), m.cfg.Manifest.Media)
	})
	if err := g.Wait(); err != nil {
		m.state.Store(int32(StateRedundant))
		m.log.Error("install failed", slog.Any("error", err))
		return err
	}

	if len(m.cfg.Discover.Sitemaps) > 0 {
		seeded, err := m.seedFromSitemaps(ctx)
		if err != nil {
			m.log.Warn("sitemap discovery failed", slog.Any("error", err))
		}
		m.log.Info("sitemap discovery", slog.Int("seeded", seeded))
	}

	m.state.Store(int32(StateInstalled))
	m.log.Info("installed", slog.Duration("took", time.Since(start)))
	return nil
}

// precache fetches every manifest URL and stores them in one batch. A single
// failing URL fails the whole namespace and nothing is written.
func (m *Manager) precache(ctx context.Context, name string, paths []string) error {
	ns, err := m.storage.Open(name)
	if err != nil {
		return err
	}

	entries := make([]CacheEntry, len(paths))
	keys := make([]string, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Network.InstallParallel)
	for i, p := range paths {
		u := m.cfg.resolve(p)
		keys[i] = requestKey(http.MethodGet, u.String())
		g.Go(func() error {
			req, err := m.newGet(gctx, u, nil)
			if err != nil {
				return err
			}
			ent, err := m.fetch(req)
			if err != nil {
				return errors.WithContext(err, "namespace", name)
			}
			if !cacheable(ent) {
				return errors.WithContextMap(
					errors.Newf(errors.CodeNetwork, "precache got status %d", ent.Status),
					map[string]interface{}{"namespace": name, "url": u.String()},
				)
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	batch := make(map[string]CacheEntry, len(paths))
	for i, k := range keys {
		batch[k] = entries[i]
	}
	return ns.PutAll(batch)
}

// Activate deletes every namespace that is not one of the current two and
// takes control of requests.
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.transition([]State{StateInstalled}, StateActivating); err != nil {
		return err
	}

	keep := map[string]struct{}{
		m.cfg.Caches.Static.String(): {},
		m.cfg.Caches.Media.String():  {},
	}
	for _, name := range m.storage.Keys() {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			m.state.Store(int32(StateInstalled))
			return errors.Wrap(err, errors.CodeTimeout, "activate interrupted")
		}
		m.log.Info("deleting old cache", slog.String("cache", name))
		if _, err := m.storage.Delete(name); err != nil {
			m.state.Store(int32(StateInstalled))
			return err
		}
	}

	if err := m.openCurrent(); err != nil {
		m.state.Store(int32(StateInstalled))
		return err
	}
	m.state.Store(int32(StateActivated))
	m.log.Info("activated, controlling requests",
		slog.String("static", m.cfg.Caches.Static.String()),
		slog.String("media", m.cfg.Caches.Media.String()))
	return nil
}
