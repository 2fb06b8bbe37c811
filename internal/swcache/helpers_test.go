package swcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testScope = "https://site.test"

// fetchSpy is a Fetcher that answers from memory and records every call.
// By default each path answers 200 with body "<path>@<version>".
type fetchSpy struct {
	mu      sync.Mutex
	version string
	offline bool
	status  map[string]int
	bodies  map[string]string
	headers map[string]http.Header
	calls   []string
	sent    map[string]http.Header
	gate    chan struct{}
}

func newFetchSpy() *fetchSpy {
	return &fetchSpy{
		version: "v1",
		status:  map[string]int{},
		bodies:  map[string]string{},
		headers: map[string]http.Header{},
		sent:    map[string]http.Header{},
	}
}

func (s *fetchSpy) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Method+" "+req.URL.String())
	s.sent[req.URL.Path] = req.Header.Clone()
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, fmt.Errorf("dial tcp %s: connect: network is unreachable", req.URL.Host)
	}

	p := req.URL.Path
	status := http.StatusOK
	if st, ok := s.status[p]; ok {
		status = st
	}
	body := p + "@" + s.version
	if b, ok := s.bodies[p]; ok {
		body = b
	}
	h := http.Header{"Content-Type": {contentTypeFor(p)}}
	for k, vs := range s.headers[p] {
		h[k] = vs
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

// hold makes every request wait until release or until its context ends.
func (s *fetchSpy) hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

func (s *fetchSpy) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

func (s *fetchSpy) setOffline(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = v
}

func (s *fetchSpy) setVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

func (s *fetchSpy) setStatus(p string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[p] = status
}

func (s *fetchSpy) setBody(p, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[p] = body
}

func (s *fetchSpy) setHeader(p, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headers[p] == nil {
		s.headers[p] = http.Header{}
	}
	s.headers[p].Set(key, value)
}

// callsTo counts calls whose URL path is p.
func (s *fetchSpy) callsTo(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		_, raw, _ := strings.Cut(c, " ")
		if u, err := url.Parse(raw); err == nil && u.Path == p {
			n++
		}
	}
	return n
}

// lastHeader returns the headers of the latest request to p.
func (s *fetchSpy) lastHeader(p string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[p]
}

func (s *fetchSpy) allCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func contentTypeFor(p string) string {
	switch path.Ext(p) {
	case ".css":
		return "text/css"
	case ".js":
		return "text/javascript"
	case ".png":
		return "image/png"
	case ".jpg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	case ".xml":
		return "application/xml"
	}
	return "text/html; charset=utf-8"
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func newTextLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testConfig(t *testing.T, mutate func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Scope = testScope
	cfg.Storage.Path = MemoryPath
	cfg.Manifest.Static = []string{"/", "/css/style.css", "/js/main.js", "/assets/icon-192x192.png"}
	cfg.Manifest.Media = []string{"/assets/virtual-tour.mp4"}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.compile())
	return cfg
}

type testEnv struct {
	m    *Manager
	spy  *fetchSpy
	logs *syncBuffer
}

func newTestEnv(t *testing.T, mutate func(*Config), opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{spy: newFetchSpy(), logs: &syncBuffer{}}
	logger := newTextLogger(env.logs)

	opts = append([]Option{WithFetcher(env.spy), WithLogger(logger)}, opts...)
	m, err := NewManager(testConfig(t, mutate), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	env.m = m
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.m.Start(context.Background()))
	require.Equal(t, StateActivated, e.m.State())
}

// settle waits for all background revalidations.
func (e *testEnv) settle() {
	e.m.wg.Wait()
}

func (e *testEnv) get(t *testing.T, target string, header map[string]string) Response {
	t.Helper()
	resp, err := e.fetch(http.MethodGet, target, header)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) fetch(method, target string, header map[string]string) (Response, error) {
	r, err := http.NewRequest(method, target, nil)
	if err != nil {
		return Response{}, err
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	return e.m.Fetch(context.Background(), r)
}

func (e *testEnv) key(p string) string {
	return requestKey(http.MethodGet, testScope+p)
}

var (
	imageDest = map[string]string{"Sec-Fetch-Dest": "image", "Sec-Fetch-Mode": "no-cors"}
	videoDest = map[string]string{"Sec-Fetch-Dest": "video", "Sec-Fetch-Mode": "no-cors"}
	styleDest = map[string]string{"Sec-Fetch-Dest": "style", "Sec-Fetch-Mode": "no-cors"}
	navigate  = map[string]string{"Sec-Fetch-Dest": "document", "Sec-Fetch-Mode": "navigate"}
)

// body returns the body of resp, reading and closing a passthrough stream.
func body(t *testing.T, resp Response) string {
	t.Helper()
	if resp.Stream == nil {
		return string(resp.Body)
	}
	defer resp.Close()
	b, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	return string(b)
}
