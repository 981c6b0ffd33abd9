package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachewise/internal/netstate"
	"cachewise/internal/policy"
	"cachewise/internal/result"
)

type origin struct {
	*httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	r := chi.NewRouter()
	r.Get("/data", func(w http.ResponseWriter, _ *http.Request) {
		n := o.hits.Add(1)
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = io.WriteString(w, "v"+string(rune('0'+n)))
	})
	r.Get("/old", func(w http.ResponseWriter, _ *http.Request) {
		o.hits.Add(1)
		w.Header().Set("Date", time.Now().Add(-2*time.Minute).UTC().Format(http.TimeFormat))
		_, _ = io.WriteString(w, "old")
	})
	r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	})
	o.Server = httptest.NewServer(r)
	t.Cleanup(o.Close)
	return o
}

type toggle struct{ online atomic.Bool }

func (t *toggle) IsReachable() bool { return t.online.Load() }

func newPipeline(typ policy.Type, survival time.Duration, reach netstate.Checker, in, network []Interceptor) http.RoundTripper {
	return New(Options{
		Cache:               httpcache.NewMemoryCache(),
		Transport:           http.DefaultTransport,
		Interceptors:        in,
		NetworkInterceptors: network,
		CacheType:           typ,
		Survival:            survival,
		Reachability:        reach,
		Logger:              zerolog.Nop(),
	})
}

func get(t *testing.T, rt http.RoundTripper, url string) (result.Envelope, http.Header) {
	t.Helper()
	return do(t, rt, context.Background(), url)
}

func do(t *testing.T, rt http.RoundTripper, ctx context.Context, url string) (result.Envelope, http.Header) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	var h http.Header
	if resp != nil {
		h = resp.Header.Clone()
	}
	return result.Classify(resp, err), h
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Interceptor {
		return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
			order = append(order, name+">")
			resp, err := next.RoundTrip(req)
			order = append(order, "<"+name)
			return resp, err
		}
	}
	base := RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		order = append(order, "base")
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: http.NoBody}, nil
	})
	rt := Chain(base, mark("a"), nil, mark("b"))
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "base", "<b", "<a"}, order)
}

func TestOfflineServesCachedCopyWithMaxAge(t *testing.T) {
	o := newOrigin(t)
	reach := &toggle{}
	reach.online.Store(true)
	rt := newPipeline(policy.NetworkThenCache, policy.ResolveSurvival(policy.LevelSecond, 0), reach, nil, nil)

	env, h := get(t, rt, o.URL+"/data")
	require.Equal(t, result.Success, env.Code)
	assert.Equal(t, "v1", env.Body)
	assert.False(t, env.FromCache)
	assert.Equal(t, "max-age=20", h.Get("Cache-Control"))
	assert.Empty(t, h.Get("Pragma"))

	reach.online.Store(false)
	env, h = get(t, rt, o.URL+"/data")
	require.Equal(t, result.Success, env.Code)
	assert.Equal(t, "v1", env.Body)
	assert.True(t, env.FromCache)
	assert.Equal(t, "max-age=20", h.Get("Cache-Control"))
	assert.Equal(t, int32(1), o.hits.Load())
}

func TestOnlineNetworkThenCacheAlwaysHitsNetwork(t *testing.T) {
	o := newOrigin(t)
	rt := newPipeline(policy.NetworkThenCache, 65*time.Second, netstate.Always, nil, nil)

	env, _ := get(t, rt, o.URL+"/data")
	assert.Equal(t, "v1", env.Body)
	env, _ = get(t, rt, o.URL+"/data")
	assert.Equal(t, "v2", env.Body)
	assert.False(t, env.FromCache)
}

func TestForceCacheMissIsCheckNetwork(t *testing.T) {
	o := newOrigin(t)
	rt := newPipeline(policy.ForceCache, 0, netstate.Always, nil, nil)

	env, _ := get(t, rt, o.URL+"/data")
	assert.Equal(t, result.CheckNetwork, env.Code)
	assert.Equal(t, http.StatusGatewayTimeout, env.Status)
	assert.Zero(t, o.hits.Load())
}

func TestCacheThenNetworkFallsBackOnMiss(t *testing.T) {
	o := newOrigin(t)
	rt := newPipeline(policy.CacheThenNetwork, time.Minute, netstate.Always, nil, nil)

	env, _ := get(t, rt, o.URL+"/data")
	require.Equal(t, result.Success, env.Code)
	assert.Equal(t, "v1", env.Body)
	assert.False(t, env.FromCache)

	env, _ = get(t, rt, o.URL+"/data")
	assert.Equal(t, "v1", env.Body)
	assert.True(t, env.FromCache)
	assert.Equal(t, int32(1), o.hits.Load())
}

func TestCacheThenNetworkRefreshesOldCopy(t *testing.T) {
	o := newOrigin(t)
	rt := newPipeline(policy.CacheThenNetwork, time.Minute, netstate.Always, nil, nil)

	get(t, rt, o.URL+"/old")
	env, _ := get(t, rt, o.URL+"/old")
	assert.Equal(t, "old", env.Body)
	assert.Equal(t, int32(2), o.hits.Load(), "copy older than the survival window is refetched")
}

func TestCacheThenNetworkOfflineUsesAnyCopy(t *testing.T) {
	o := newOrigin(t)
	reach := &toggle{}
	reach.online.Store(true)
	rt := newPipeline(policy.CacheThenNetwork, time.Minute, reach, nil, nil)

	get(t, rt, o.URL+"/old")
	reach.online.Store(false)
	env, _ := get(t, rt, o.URL+"/old")
	assert.Equal(t, result.Success, env.Code)
	assert.True(t, env.FromCache)
	assert.Equal(t, int32(1), o.hits.Load())
}

func TestOverrideFromContext(t *testing.T) {
	o := newOrigin(t)
	reach := &toggle{}
	rt := newPipeline(policy.NetworkThenCache, 0, reach, nil, nil)

	ctx := policy.WithOverride(context.Background(), policy.Override{Type: policy.ForceNetwork})
	env, _ := do(t, rt, ctx, o.URL+"/data")
	assert.Equal(t, result.Success, env.Code, "forced network ignores reachability")

	ctx = policy.WithOverride(context.Background(), policy.Override{Survival: 90 * time.Second})
	reach.online.Store(true)
	_, h := do(t, rt, ctx, o.URL+"/data?fresh=1")
	assert.Equal(t, "max-age=90", h.Get("Cache-Control"))
}

func TestInterceptorPositions(t *testing.T) {
	o := newOrigin(t)
	var app, network atomic.Int32
	appInterceptor := func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		app.Add(1)
		assert.Empty(t, req.Header.Get("Cache-Control"), "app interceptors run before the cache policy")
		return next.RoundTrip(req)
	}
	networkInterceptor := func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		network.Add(1)
		resp, err := next.RoundTrip(req)
		if err == nil {
			assert.Empty(t, resp.Header.Get("X-Rewritten"))
			resp.Header.Set("X-Rewritten", "yes")
		}
		return resp, err
	}
	rt := newPipeline(policy.CacheThenNetwork, time.Minute, netstate.Always,
		[]Interceptor{appInterceptor}, []Interceptor{networkInterceptor})

	_, h := get(t, rt, o.URL+"/data")
	assert.Equal(t, "yes", h.Get("X-Rewritten"))
	get(t, rt, o.URL+"/data")

	assert.Equal(t, int32(2), app.Load())
	assert.Equal(t, int32(1), network.Load(), "cache hits never reach network interceptors")
}

func TestPostFallbackReplaysBody(t *testing.T) {
	o := newOrigin(t)
	rt := newPipeline(policy.CacheThenNetwork, time.Minute, netstate.Always, nil, nil)

	req, err := http.NewRequest(http.MethodPost, o.URL+"/echo", strings.NewReader("name=value"))
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	env := result.Classify(resp, err)
	require.Equal(t, result.Success, env.Code)
	assert.Equal(t, "name=value", env.Body)
}

func TestLoggingWritesRequestLines(t *testing.T) {
	o := newOrigin(t)
	var buf strings.Builder
	rt := New(Options{
		Cache:        httpcache.NewMemoryCache(),
		Transport:    http.DefaultTransport,
		CacheType:    policy.ForceNetwork,
		Reachability: netstate.Always,
		Logger:       zerolog.New(&buf),
	})
	get(t, rt, o.URL+"/data")
	out := buf.String()
	assert.Contains(t, out, `"method":"GET"`)
	assert.Contains(t, out, `"status":200`)
	assert.Contains(t, out, `"cost":"0.`)
}

func TestKeepCopiesIgnoresReadDeletes(t *testing.T) {
	mem := httpcache.NewMemoryCache()
	c := keepCopies{mem}
	ok := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	bad := []byte("HTTP/1.1 503 Service Unavailable\r\n\r\n")

	c.Set("http://example.test/a", ok)
	c.Set("HEAD http://example.test/a", ok)
	c.Set("POST http://example.test/a", ok)

	c.Delete("http://example.test/a")
	c.Delete("HEAD http://example.test/a")
	c.Delete("POST http://example.test/a")
	_, found := mem.Get("http://example.test/a")
	assert.True(t, found, "GET copy kept")
	_, found = mem.Get("HEAD http://example.test/a")
	assert.True(t, found, "HEAD copy kept")
	_, found = mem.Get("POST http://example.test/a")
	assert.False(t, found, "unsafe method invalidation passes through")

	c.Set("http://example.test/a", bad)
	got, _ := mem.Get("http://example.test/a")
	assert.Equal(t, ok, got, "server error does not replace the good copy")

	assert.Equal(t, 503, statusOf(bad))
	assert.Zero(t, statusOf([]byte("garbage")))
}

func TestServerErrorKeepsOfflineCopy(t *testing.T) {
	var failing atomic.Bool
	r := chi.NewRouter()
	r.Get("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "kept")
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	reach := &toggle{}
	reach.online.Store(true)
	rt := newPipeline(policy.NetworkThenCache, time.Minute, reach, nil, nil)

	env, _ := get(t, rt, srv.URL+"/flaky")
	require.Equal(t, result.Success, env.Code)

	failing.Store(true)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/flaky", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	reach.online.Store(false)
	env, _ = get(t, rt, srv.URL+"/flaky")
	require.Equal(t, result.Success, env.Code)
	assert.True(t, env.FromCache)
	assert.Equal(t, "kept", env.Body)
}

func TestNoStoreOverrideEvictsCopy(t *testing.T) {
	o := newOrigin(t)
	cache := httpcache.NewMemoryCache()
	rt := New(Options{
		Cache:        cache,
		Transport:    http.DefaultTransport,
		CacheType:    policy.NetworkThenCache,
		Survival:     time.Minute,
		Reachability: netstate.Always,
		Logger:       zerolog.Nop(),
	})

	get(t, rt, o.URL+"/data")
	_, found := cache.Get(o.URL + "/data")
	require.True(t, found)

	ctx := policy.WithOverride(context.Background(), policy.Override{Type: policy.ForceNetwork, NoStore: true})
	env, _ := do(t, rt, ctx, o.URL+"/data")
	require.Equal(t, result.Success, env.Code)
	_, found = cache.Get(o.URL + "/data")
	assert.False(t, found)
}

func TestMaxAgeRoundsUp(t *testing.T) {
	assert.EqualValues(t, 0, maxAge(0))
	assert.EqualValues(t, 1, maxAge(time.Millisecond))
	assert.EqualValues(t, 1, maxAge(time.Second))
	assert.EqualValues(t, 2, maxAge(1500*time.Millisecond))

	o := newOrigin(t)
	rt := newPipeline(policy.NetworkThenCache, time.Minute, netstate.Always, nil, nil)
	ctx := policy.WithOverride(context.Background(), policy.Override{Survival: 300 * time.Millisecond})
	_, h := do(t, rt, ctx, o.URL+"/data")
	assert.Equal(t, "max-age=1", h.Get("Cache-Control"))
}
