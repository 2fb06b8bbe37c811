package swcache

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// networkURL maps an in-scope URL onto the upstream; other URLs are fetched
// as they are.
func (m *Manager) networkURL(u *url.URL) *url.URL {
	out := *u
	if sameOrigin(m.cfg.scope, u) {
		out.Scheme = m.cfg.upstream.Scheme
		out.Host = m.cfg.upstream.Host
	}
	return &out
}

// newGet builds the network request for an intercepted GET, forwarding
// header when given.
func (m *Manager) newGet(ctx context.Context, u *url.URL, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.networkURL(u).String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "build request")
	}
	if header != nil {
		copyHeaders(req.Header, header)
	}
	// Stored bodies must be complete and decoded; ranges and conditional
	// requests are answered from the stored copy.
	for _, h := range []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since"} {
		req.Header.Del(h)
	}
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

// newPassthrough forwards r to the network untouched apart from hop-by-hop
// headers.
func (m *Manager) newPassthrough(ctx context.Context, u *url.URL, r *http.Request) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, m.networkURL(u).String(), r.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "build request")
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	return req, nil
}

// fetchStream sends req and returns the response with its body unread. Only
// transport failures are errors; any HTTP status is a response.
func (m *Manager) fetchStream(req *http.Request) (*http.Response, error) {
	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeNetwork, "fetch failed"), "url", req.URL.String())
	}
	return resp, nil
}

// fetch sends req and reads the whole response into an entry.
func (m *Manager) fetch(req *http.Request) (CacheEntry, error) {
	resp, err := m.fetchStream(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, errors.WithContext(errors.Wrap(err, errors.CodeNetwork, "read response body"), "url", req.URL.String())
	}

	return CacheEntry{
		Status:   resp.StatusCode,
		Header:   responseHeader(resp),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}, nil
}

// responseHeader copies the end-to-end headers of resp. Content-Length is
// dropped; the writer sets its own.
func responseHeader(resp *http.Response) http.Header {
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	for _, k := range hopHeaders {
		h.Del(k)
	}
	return h
}

// cacheable reports whether a network response may be stored.
func cacheable(ent CacheEntry) bool {
	if ent.Status < 200 || ent.Status >= 300 || ent.Status == http.StatusPartialContent {
		return false
	}
	cc := strings.ToLower(ent.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

func syntheticResponse(status int, body string) CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return CacheEntry{
		Status:   status,
		Header:   h,
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
