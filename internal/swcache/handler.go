package swcache

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

const outcomeHeader = "X-Swcache"

// Handler serves every request through the manager.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.handle)
}

func (m *Manager) handle(w http.ResponseWriter, r *http.Request) {
	resp, err := m.Fetch(r.Context(), r)
	if err != nil {
		if errors.GetCode(err) == errors.CodeForbidden {
			setOutcomeHeaders(w.Header(), outcomeForbidden)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		setOutcomeHeaders(w.Header(), outcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Close()
	n := m.writeResponse(w, r, resp)
	if m.stats != nil {
		m.stats.Observe(resp.Outcome, int(n))
	}
}

// writeResponse writes resp and returns the number of body bytes sent.
func (m *Manager) writeResponse(w http.ResponseWriter, r *http.Request, resp Response) int64 {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), resp.Outcome)

	// Full 200 bodies we hold in memory can answer Range and conditional
	// requests themselves; video seeking relies on it.
	if r.Method == http.MethodGet && resp.Status == http.StatusOK && resp.Outcome != outcomeBypass {
		var modtime time.Time
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				modtime = t
			}
		}
		http.ServeContent(w, r, "", modtime, bytes.NewReader(resp.Body))
		return int64(len(resp.Body))
	}

	w.WriteHeader(resp.Status)
	if resp.Stream != nil {
		n, err := io.Copy(w, resp.Stream)
		if err != nil {
			m.log.Debug("passthrough body interrupted", slog.String("url", r.URL.String()), slog.Any("error", err))
		}
		return n
	}
	n, _ := w.Write(resp.Body)
	return int64(n)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// Custom headers are invisible to page scripts in a CORS context unless
	// exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
