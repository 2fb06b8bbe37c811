package swcache

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
)

// Response is what a fetch event resolves to.
type Response struct {
	CacheEntry
	// Outcome says how the response was produced (hit, miss, stale, ...).
	Outcome string
	// Stream is the unread body of a passthrough response; Body is empty
	// then. The caller must close it.
	Stream io.ReadCloser
}

// Close releases the body of a passthrough response.
func (r Response) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

type fetchEvent struct {
	id     string
	ctx    context.Context
	req    *http.Request
	header http.Header
	info   RequestInfo
	key    string
}

// requestURL returns the absolute URL of r: proxy-form URLs are kept, all
// others are taken relative to the scope.
func (m *Manager) requestURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	u := *m.cfg.scope
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u
}

// Fetch handles one intercepted request. An error means the request failed
// with nothing to fall back to. Requests for origins that are neither the
// scope nor listed in server.passthroughOrigins fail with CodeForbidden and
// never reach the network.
func (m *Manager) Fetch(ctx context.Context, r *http.Request) (Response, error) {
	u := m.requestURL(r)
	if !m.cfg.forwardable(u) {
		m.log.Warn("refusing request outside scope", slog.String("method", r.Method), slog.String("url", u.String()))
		return Response{Outcome: outcomeForbidden}, errors.WithContext(
			errors.New(errors.CodeForbidden, "origin not allowed"), "url", u.String())
	}
	ev := &fetchEvent{
		id:     uuid.NewString(),
		ctx:    ctx,
		req:    r,
		header: r.Header.Clone(),
		info:   Describe(r, u),
		key:    requestKey(r.Method, u.String()),
	}

	strategy := StrategyPassthrough
	if m.State() == StateActivated {
		strategy = Route(m.cfg.scope, ev.info)
	}

	var (
		resp Response
		err  error
	)
	switch strategy {
	case StrategyCacheFirst:
		resp, err = m.cacheFirst(ev)
	case StrategyNetworkFirst:
		resp, err = m.networkFirst(ev)
	case StrategyStaleWhileRevalidate:
		resp, err = m.staleWhileRevalidate(ev)
	default:
		resp, err = m.passthrough(ev)
	}

	m.log.Debug("fetch",
		slog.String("event", ev.id),
		slog.String("method", r.Method),
		slog.String("url", u.String()),
		slog.String("strategy", strategy.String()),
		slog.String("outcome", resp.Outcome),
		slog.Int("status", resp.Status),
	)
	return resp, err
}

func (m *Manager) passthrough(ev *fetchEvent) (Response, error) {
	req, err := m.newPassthrough(ev.ctx, ev.info.URL, ev.req)
	if err != nil {
		return Response{}, err
	}
	resp, err := m.fetchStream(req)
	if err != nil {
		return Response{}, err
	}
	return Response{
		CacheEntry: CacheEntry{Status: resp.StatusCode, Header: responseHeader(resp)},
		Outcome:    outcomeBypass,
		Stream:     resp.Body,
	}, nil
}

func (m *Manager) network(ev *fetchEvent) (CacheEntry, error) {
	req, err := m.newGet(ev.ctx, ev.info.URL, ev.header)
	if err != nil {
		return CacheEntry{}, err
	}
	return m.fetch(req)
}

// store writes ent into ns if it may be stored and differs from the stored
// copy. Write failures are logged; the response is still served.
func (m *Manager) store(ev *fetchEvent, ns *Namespace, ent CacheEntry) {
	if !cacheable(ent) {
		return
	}
	if unchanged(ns, ev.key, ent) {
		m.log.Debug("cache entry unchanged", slog.String("cache", ns.Name()), slog.String("key", ev.key))
		return
	}
	if err := ns.Put(ev.key, ent); err != nil {
		m.log.Warn("cache write failed",
			slog.String("event", ev.id),
			slog.String("cache", ns.Name()),
			slog.String("key", ev.key),
			slog.Any("error", err))
	}
}

// cacheFirst serves images: the cached copy if any, refreshed in the
// background, otherwise the network, otherwise the placeholder image.
func (m *Manager) cacheFirst(ev *fetchEvent) (Response, error) {
	if ent, ok := m.match(ev.key); ok {
		m.revalidate(ev, m.static)
		return Response{CacheEntry: ent, Outcome: outcomeHit}, nil
	}

	ent, err := m.network(ev)
	if err != nil {
		m.log.Info("image fetch failed", slog.String("event", ev.id), slog.String("url", ev.info.URL.String()), slog.Any("error", err))
		if ph, ok := m.matchPath(m.cfg.Fallbacks.PlaceholderImage); ok {
			return Response{CacheEntry: ph, Outcome: outcomePlaceholder}, nil
		}
		return Response{}, err
	}
	m.store(ev, m.static, ent)
	return Response{CacheEntry: ent, Outcome: outcomeMiss}, nil
}

// networkFirst serves video: the network if reachable, otherwise the cached
// copy, otherwise an explicit 503.
func (m *Manager) networkFirst(ev *fetchEvent) (Response, error) {
	ent, err := m.network(ev)
	if err == nil {
		m.store(ev, m.media, ent)
		return Response{CacheEntry: ent, Outcome: outcomeNetwork}, nil
	}

	m.log.Info("video fetch failed", slog.String("event", ev.id), slog.String("url", ev.info.URL.String()), slog.Any("error", err))
	if cached, ok := m.match(ev.key); ok {
		return Response{CacheEntry: cached, Outcome: outcomeStale}, nil
	}
	return Response{
		CacheEntry: syntheticResponse(http.StatusServiceUnavailable, "Video unavailable offline"),
		Outcome:    outcomeUnavailable,
	}, nil
}

// staleWhileRevalidate serves everything else.
func (m *Manager) staleWhileRevalidate(ev *fetchEvent) (Response, error) {
	if ent, ok := m.match(ev.key); ok {
		m.revalidate(ev, m.static)
		return Response{CacheEntry: ent, Outcome: outcomeHit}, nil
	}

	ent, err := m.network(ev)
	if err == nil {
		m.store(ev, m.static, ent)
		return Response{CacheEntry: ent, Outcome: outcomeMiss}, nil
	}

	m.log.Info("fetch failed", slog.String("event", ev.id), slog.String("url", ev.info.URL.String()), slog.Any("error", err))
	if ev.info.Navigate {
		if page, ok := m.matchPath(m.cfg.Fallbacks.OfflinePage); ok {
			return Response{CacheEntry: page, Outcome: outcomeOffline}, nil
		}
	}
	return Response{
		CacheEntry: syntheticResponse(http.StatusRequestTimeout, "Network error"),
		Outcome:    outcomeNetworkError,
	}, nil
}

// revalidate refreshes ev's entry in ns in the background. The response
// being served has already been read from the cache, so the refresh can
// never replace it. Failures are logged only.
func (m *Manager) revalidate(ev *fetchEvent, ns *Namespace) {
	started := m.waitUntil(func() {
		ctx, cancel := m.backgroundContext(ev.ctx)
		defer cancel()

		if err := m.bgSem.Acquire(ctx, 1); err != nil {
			m.log.Warn("revalidation skipped", slog.String("event", ev.id), slog.String("key", ev.key), slog.Any("error", err))
			return
		}
		defer m.bgSem.Release(1)

		_, _, _ = m.flight.Do(ns.Name()+keySep+ev.key, func() (any, error) {
			return nil, m.revalidateOnce(ctx, ev, ns)
		})
	})
	if !started {
		m.log.Debug("revalidation dropped, shutting down", slog.String("key", ev.key))
	}
}

func (m *Manager) revalidateOnce(ctx context.Context, ev *fetchEvent, ns *Namespace) error {
	req, err := m.newGet(ctx, ev.info.URL, ev.header)
	if err != nil {
		return err
	}
	ent, err := m.fetch(req)
	if err != nil {
		m.log.Warn("revalidation failed",
			slog.String("event", ev.id),
			slog.String("url", ev.info.URL.String()),
			slog.Any("error", err))
		return err
	}
	if !cacheable(ent) {
		m.log.Debug("revalidation not stored", slog.String("url", ev.info.URL.String()), slog.Int("status", ent.Status))
		return nil
	}
	if unchanged(ns, ev.key, ent) {
		return nil
	}
	if err := ns.Put(ev.key, ent); err != nil {
		m.log.Warn("revalidation write failed", slog.String("key", ev.key), slog.Any("error", err))
		return errors.WithContext(err, "cache", ns.Name())
	}
	return nil
}

// unchanged reports whether ns already holds ent's status and body for key.
func unchanged(ns *Namespace, key string, ent CacheEntry) bool {
	cur, ok := ns.Match(key)
	return ok && cur.Status == ent.Status && cur.Hash32 == ent.Hash32 && len(cur.Body) == len(ent.Body)
}
