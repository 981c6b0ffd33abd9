package pipeline

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"

	"cachewise/internal/metrics"
	"cachewise/internal/netstate"
	"cachewise/internal/policy"
)

var errBodyNotReplayable = errors.New("request body cannot be replayed")

// CachePolicy picks the cache directive for every request and writes it
// into the request Cache-Control header. Cache-then-network requests that
// the cache cannot answer within the survival window go to the network once
// when it is reachable. A no-store override also evicts any stored copy of
// the request URL from cache.
func CachePolicy(cache httpcache.Cache, t policy.Type, survival time.Duration, reach netstate.Checker, log zerolog.Logger, m *metrics.Collector) Interceptor {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		typ, surv := t, survival
		o, _ := policy.OverrideFrom(req.Context())
		typ, surv = o.Apply(typ, surv)
		if o.NoStore && cache != nil && req.Method == http.MethodGet {
			cache.Delete(req.URL.String())
		}
		reachable := reach.IsReachable()
		d := policy.SelectDirective(typ, surv, reachable)

		resp, err := next.RoundTrip(withDirective(req, d, o.NoStore))
		if err != nil || d != policy.DirectiveForceCache || typ != policy.CacheThenNetwork || !reachable {
			m.RecordSource(err == nil && resp.Header.Get(httpcache.XFromCache) != "")
			return resp, err
		}
		if servedWithin(resp, surv, time.Now()) {
			m.RecordSource(true)
			return resp, nil
		}

		drainClose(resp)
		retry, err := replay(req)
		if err != nil {
			return nil, err
		}
		m.RecordFallback()
		m.RecordSource(false)
		log.Debug().Str("url", req.URL.String()).Msg("cache cannot answer, using network")
		return next.RoundTrip(withDirective(retry, policy.DirectiveForceNetwork, o.NoStore))
	}
}

func withDirective(req *http.Request, d policy.Directive, noStore bool) *http.Request {
	r := req.Clone(req.Context())
	cc := ""
	switch d.Terminal() {
	case policy.DirectiveForceNetwork:
		cc = "no-cache"
	case policy.DirectiveForceCache:
		cc = "only-if-cached, max-stale"
	}
	if noStore {
		cc += ", no-store"
	}
	r.Header.Set("Cache-Control", cc)
	return r
}

// servedWithin reports whether resp came from the cache and is younger than
// survival.
func servedWithin(resp *http.Response, survival time.Duration, now time.Time) bool {
	if resp.Header.Get(httpcache.XFromCache) == "" {
		return false
	}
	date, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return true
	}
	return now.Sub(date) < survival
}

func replay(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}
	if req.GetBody == nil {
		return nil, errBodyNotReplayable
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	r.Body = body
	return r, nil
}

func drainClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
