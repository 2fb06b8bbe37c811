package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// seedFromSitemaps walks the configured sitemaps (following sitemap
// indexes) and stores every in-scope page that is not cached yet in the
// static namespace. Individual pages that fail are skipped.
func (m *Manager) seedFromSitemaps(ctx context.Context) (int, error) {
	static, err := m.storage.Open(m.cfg.Caches.Static.String())
	if err != nil {
		return 0, err
	}

	pages, err := m.discoverURLs(ctx)
	seeded := 0
	for _, u := range pages {
		if m.cfg.Discover.Limit > 0 && seeded >= m.cfg.Discover.Limit {
			break
		}
		if ctx.Err() != nil {
			return seeded, ctx.Err()
		}
		key := requestKey(http.MethodGet, u.String())
		if _, ok := static.Match(key); ok {
			continue
		}
		req, rerr := m.newGet(ctx, u, nil)
		if rerr != nil {
			continue
		}
		ent, ferr := m.fetch(req)
		if ferr != nil {
			m.log.Debug("sitemap page skipped", slog.String("url", u.String()), slog.Any("error", ferr))
			continue
		}
		if !cacheable(ent) {
			continue
		}
		if perr := static.Put(key, ent); perr != nil {
			return seeded, perr
		}
		seeded++
	}
	return seeded, err
}

// discoverURLs returns the in-scope page URLs listed by the sitemaps, in
// order and without duplicates.
func (m *Manager) discoverURLs(ctx context.Context) ([]*url.URL, error) {
	queue := make([]*url.URL, 0, len(m.cfg.Discover.Sitemaps))
	for _, sm := range m.cfg.Discover.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, m.resolveLoc(sm))
	}

	seenSitemaps := map[string]struct{}{}
	seenPages := map[string]struct{}{}
	var out []*url.URL
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL.String()]; ok {
			continue
		}
		seenSitemaps[smURL.String()] = struct{}{}

		doc, err := m.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, err
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, m.resolveLoc(nested))
			}
		}

		ignored := 0
		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			u := m.resolveLoc(loc)
			if !sameOrigin(m.cfg.scope, u) {
				ignored++
				continue
			}
			u.Fragment = ""
			if _, ok := seenPages[u.String()]; ok {
				continue
			}
			seenPages[u.String()] = struct{}{}
			out = append(out, u)
		}
		m.log.Debug("sitemap read",
			slog.String("sitemap", smURL.String()),
			slog.Int("urls", len(doc.URLs)),
			slog.Int("ignored", ignored))
	}
	return out, nil
}

// resolveLoc turns a sitemap location (absolute or site-relative) into an
// absolute URL.
func (m *Manager) resolveLoc(loc string) *url.URL {
	loc = strings.TrimSpace(loc)
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		if u, err := url.Parse(loc); err == nil {
			return u
		}
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return m.cfg.resolve(loc)
}

func (m *Manager) fetchSitemap(ctx context.Context, smURL *url.URL) (sitemapDoc, error) {
	req, err := m.newGet(ctx, smURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	ent, err := m.fetch(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return sitemapDoc{}, errors.WithContext(
			errors.Newf(errors.CodeNetwork, "unexpected status %d", ent.Status),
			"sitemap", smURL.String())
	}

	body := ent.Body
	tryGzip := strings.HasSuffix(strings.ToLower(smURL.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.WithContext(errors.Wrap(err, errors.CodeInvalidInput, "parse sitemap"), "sitemap", smURL.String())
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
