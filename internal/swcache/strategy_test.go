package swcache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_NotActivatedPassesThrough(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/css/style.css", styleDest)
	assert.Equal(t, outcomeBypass, resp.Outcome)
	require.NotNil(t, resp.Stream, "passthrough bodies are not buffered")
	assert.Empty(t, resp.Body)
	assert.Equal(t, "/css/style.css@v1", body(t, resp))
	assert.Empty(t, env.m.storage.Keys(), "nothing is stored before install")
}

func TestImage_CacheHitRevalidatesInBackground(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	const icon = "/assets/icon-192x192.png"
	require.Equal(t, 1, env.spy.callsTo(icon))

	env.spy.setVersion("v2")
	resp := env.get(t, icon, imageDest)
	assert.Equal(t, outcomeHit, resp.Outcome)
	assert.Equal(t, icon+"@v1", string(resp.Body), "cached copy is returned")

	env.settle()
	assert.Equal(t, 2, env.spy.callsTo(icon), "a network request follows the hit")

	ent, ok := env.m.static.Match(env.key(icon))
	require.True(t, ok)
	assert.Equal(t, icon+"@v2", string(ent.Body), "revalidation overwrote the entry")

	resp = env.get(t, icon, imageDest)
	assert.Equal(t, icon+"@v2", string(resp.Body))
}

func TestImage_RevalidationFailureIsLoggedNotReturned(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	const icon = "/assets/icon-192x192.png"

	env.spy.setOffline(true)
	resp := env.get(t, icon, imageDest)
	assert.Equal(t, outcomeHit, resp.Outcome)
	assert.Equal(t, http.StatusOK, resp.Status)

	env.settle()
	assert.Contains(t, env.logs.String(), "revalidation failed")

	ent, ok := env.m.static.Match(env.key(icon))
	require.True(t, ok)
	assert.Equal(t, icon+"@v1", string(ent.Body))
}

func TestImage_MissStoresInStatic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	resp := env.get(t, "/assets/rooms/double.jpg", imageDest)
	assert.Equal(t, outcomeMiss, resp.Outcome)

	_, ok := env.m.static.Match(env.key("/assets/rooms/double.jpg"))
	assert.True(t, ok)
	_, ok = env.m.media.Match(env.key("/assets/rooms/double.jpg"))
	assert.False(t, ok)
}

func TestImage_OfflineMissServesPlaceholder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	require.NoError(t, env.m.static.Put(env.key("/assets/placeholder.jpg"), CacheEntry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"image/jpeg"}},
		Body:   []byte("placeholder"),
	}))

	env.spy.setOffline(true)
	resp := env.get(t, "/assets/rooms/single.jpg", imageDest)
	assert.Equal(t, outcomePlaceholder, resp.Outcome)
	assert.Equal(t, "placeholder", string(resp.Body))
}

func TestImage_OfflineMissWithoutPlaceholderFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setOffline(true)
	_, err := env.fetch(http.MethodGet, "/assets/rooms/single.jpg", imageDest)
	require.Error(t, err)
}

func TestVideo_NetworkFirstStoresInMedia(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	resp := env.get(t, "/assets/kitchen.mp4", videoDest)
	assert.Equal(t, outcomeNetwork, resp.Outcome)

	_, ok := env.m.media.Match(env.key("/assets/kitchen.mp4"))
	assert.True(t, ok)
	_, ok = env.m.static.Match(env.key("/assets/kitchen.mp4"))
	assert.False(t, ok)
}

func TestVideo_NetworkPreferredOverCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setVersion("v2")
	resp := env.get(t, "/assets/virtual-tour.mp4", videoDest)
	assert.Equal(t, "/assets/virtual-tour.mp4@v2", string(resp.Body))
}

func TestVideo_OfflineFallsBackToCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setOffline(true)
	resp := env.get(t, "/assets/virtual-tour.mp4", videoDest)
	assert.Equal(t, outcomeStale, resp.Outcome)
	assert.Equal(t, "/assets/virtual-tour.mp4@v1", string(resp.Body))
}

func TestVideo_OfflineWithoutCacheIs503(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setOffline(true)
	resp := env.get(t, "/assets/garden.mp4", videoDest)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Video unavailable offline", string(resp.Body))
	assert.Equal(t, outcomeUnavailable, resp.Outcome)
}

func TestSWR_HitReturnsCachedAndRefreshes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setVersion("v2")
	resp := env.get(t, "/css/style.css", styleDest)
	assert.Equal(t, outcomeHit, resp.Outcome)
	assert.Equal(t, "/css/style.css@v1", string(resp.Body))

	env.settle()
	resp = env.get(t, "/css/style.css", styleDest)
	assert.Equal(t, "/css/style.css@v2", string(resp.Body))
}

func TestSWR_MissStoresInStatic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	resp := env.get(t, "/css/print.css", styleDest)
	assert.Equal(t, outcomeMiss, resp.Outcome)

	env.spy.setOffline(true)
	resp = env.get(t, "/css/print.css", styleDest)
	assert.Equal(t, outcomeHit, resp.Outcome)
	assert.Equal(t, "/css/print.css@v1", string(resp.Body))
}

func TestSWR_OfflineNonNavigationIs408(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setOffline(true)
	resp := env.get(t, "/js/gallery-lightbox.js", map[string]string{"Sec-Fetch-Dest": "script", "Sec-Fetch-Mode": "no-cors"})
	assert.Equal(t, http.StatusRequestTimeout, resp.Status)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, outcomeNetworkError, resp.Outcome)
}

func TestSWR_OfflineNavigationServesOfflinePage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	require.NoError(t, env.m.static.Put(env.key("/offline.html"), CacheEntry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<h1>offline</h1>"),
	}))

	env.spy.setOffline(true)
	resp := env.get(t, "/rooms.html", navigate)
	assert.Equal(t, outcomeOffline, resp.Outcome)
	assert.Equal(t, "<h1>offline</h1>", string(resp.Body))

	// Not for subresources.
	resp = env.get(t, "/api/gallery-images", map[string]string{"Sec-Fetch-Dest": "empty", "Sec-Fetch-Mode": "cors"})
	assert.Equal(t, http.StatusRequestTimeout, resp.Status)
}

func TestSWR_OfflineNavigationWithoutOfflinePageIs408(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setOffline(true)
	resp := env.get(t, "/rooms.html", navigate)
	assert.Equal(t, http.StatusRequestTimeout, resp.Status)
}

func TestOutOfScopeRequestsAreNeverStored(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Server.PassthroughOrigins = []string{"https://cdn.other.test"}
	})
	env.start(t)

	resp := env.get(t, "https://cdn.other.test/swiper.min.js", map[string]string{"Sec-Fetch-Dest": "script"})
	assert.Equal(t, outcomeBypass, resp.Outcome)
	resp = env.get(t, "https://cdn.other.test/hero.jpg", imageDest)
	assert.Equal(t, outcomeBypass, resp.Outcome)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		resp, err := env.fetch(method, "/api/inquiry", nil)
		require.NoError(t, err)
		assert.Equal(t, outcomeBypass, resp.Outcome, method)
	}

	for _, ns := range []*Namespace{env.m.static, env.m.media} {
		keys, err := ns.Keys()
		require.NoError(t, err)
		for _, k := range keys {
			assert.True(t, strings.HasPrefix(k, "GET "+testScope+"/"), "unexpected key %q in %s", k, ns.Name())
		}
	}
}

func TestUnlistedOriginsAreRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	for _, target := range []string{
		"http://169.254.169.254/latest/meta-data/",
		"https://cdn.other.test/swiper.min.js",
		"http://site.test/",
	} {
		_, err := env.fetch(http.MethodGet, target, nil)
		require.Error(t, err, target)
		assert.Equal(t, errors.CodeForbidden, errors.GetCode(err), target)
	}
	// The same refusal before activation.
	idle := newTestEnv(t, nil)
	_, err := idle.fetch(http.MethodPost, "http://10.0.0.1/admin", nil)
	assert.Equal(t, errors.CodeForbidden, errors.GetCode(err))

	for _, c := range append(env.spy.allCalls(), idle.spy.allCalls()...) {
		assert.Contains(t, c, " "+testScope+"/", "only the scope reaches the network")
	}
}

func TestVideo_UnchangedBodyIsNotRewritten(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	const video = "/assets/virtual-tour.mp4"
	stored, ok := env.m.media.Match(env.key(video))
	require.True(t, ok)
	stored.StoredAt = 1
	require.NoError(t, env.m.media.Put(env.key(video), stored))

	for range 3 {
		resp := env.get(t, video, map[string]string{"Sec-Fetch-Dest": "video", "Range": "bytes=0-3"})
		assert.Equal(t, outcomeNetwork, resp.Outcome)
	}
	ent, ok := env.m.media.Match(env.key(video))
	require.True(t, ok)
	assert.Equal(t, int64(1), ent.StoredAt, "identical bodies leave the stored entry alone")
	assert.Equal(t, 3, strings.Count(env.logs.String(), "cache entry unchanged"))

	env.spy.setVersion("v2")
	env.get(t, video, videoDest)
	ent, ok = env.m.media.Match(env.key(video))
	require.True(t, ok)
	assert.Equal(t, video+"@v2", string(ent.Body))
	assert.NotEqual(t, int64(1), ent.StoredAt)
}

func TestUnsuccessfulResponsesAreNotStored(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setStatus("/missing.css", http.StatusNotFound)
	resp := env.get(t, "/missing.css", styleDest)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	_, ok := env.m.static.Match(env.key("/missing.css"))
	assert.False(t, ok)

	env.spy.setHeader("/private.js", "Cache-Control", "no-store")
	env.get(t, "/private.js", nil)
	_, ok = env.m.static.Match(env.key("/private.js"))
	assert.False(t, ok)
}

func TestRevalidationKeepsEntryOnErrorStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.spy.setStatus("/css/style.css", http.StatusInternalServerError)
	env.get(t, "/css/style.css", styleDest)
	env.settle()

	ent, ok := env.m.static.Match(env.key("/css/style.css"))
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, "/css/style.css@v1", string(ent.Body))
}

func TestRepeatedRequestsSeeConsistentValues(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.spy.setVersion("v2")

	var wg sync.WaitGroup
	bodies := make([]string, 16)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.fetch(http.MethodGet, "/js/main.js", map[string]string{"Sec-Fetch-Dest": "script"})
			if err == nil {
				bodies[i] = string(resp.Body)
			}
		}()
	}
	wg.Wait()
	env.settle()

	for _, b := range bodies {
		assert.Contains(t, []string{"/js/main.js@v1", "/js/main.js@v2"}, b)
	}
	ent, ok := env.m.static.Match(env.key("/js/main.js"))
	require.True(t, ok)
	assert.Equal(t, "/js/main.js@v2", string(ent.Body))
}

func TestRevalidationOutlivesRequestContext(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.spy.setVersion("v2")

	r, err := http.NewRequest(http.MethodGet, "/css/style.css", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	resp, err := env.m.Fetch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, outcomeHit, resp.Outcome)
	cancel()

	env.settle()
	ent, ok := env.m.static.Match(env.key("/css/style.css"))
	require.True(t, ok)
	assert.Equal(t, "/css/style.css@v2", string(ent.Body))
}
