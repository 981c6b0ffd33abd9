package pipeline

import (
	"net/http"
	"slices"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"

	"cachewise/internal/metrics"
	"cachewise/internal/netstate"
	"cachewise/internal/policy"
)

// Interceptor observes or rewrites a request on its way to next.
type Interceptor func(req *http.Request, next http.RoundTripper) (*http.Response, error)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Chain wraps base so that in[0] runs first. Nil interceptors are skipped.
func Chain(base http.RoundTripper, in ...Interceptor) http.RoundTripper {
	current := base
	for i := len(in) - 1; i >= 0; i-- {
		interceptor := in[i]
		if interceptor == nil {
			continue
		}
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return interceptor(r, next)
		})
	}
	return current
}

type Options struct {
	Cache     httpcache.Cache
	Transport http.RoundTripper

	Interceptors        []Interceptor
	NetworkInterceptors []Interceptor

	CacheType    policy.Type
	Survival     time.Duration
	Reachability netstate.Checker

	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// New assembles the request pipeline, outermost first: caller interceptors,
// cache policy, the HTTP cache, max-age rewrite, caller network
// interceptors, logging, and finally the network transport.
func New(opts Options) http.RoundTripper {
	reach := opts.Reachability
	if reach == nil {
		reach = netstate.Always
	}

	network := make([]Interceptor, 0, len(opts.NetworkInterceptors)+2)
	network = append(network, HeaderRewrite(opts.Survival))
	network = append(network, opts.NetworkInterceptors...)
	network = append(network, Logging(opts.Logger, opts.Metrics))

	cached := &httpcache.Transport{
		Transport:           Chain(opts.Transport, network...),
		Cache:               keepCopies{opts.Cache},
		MarkCachedResponses: true,
	}

	app := slices.Clone(opts.Interceptors)
	app = append(app, CachePolicy(opts.Cache, opts.CacheType, opts.Survival, reach, opts.Logger, opts.Metrics))
	return Chain(cached, app...)
}
