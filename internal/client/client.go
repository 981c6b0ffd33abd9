package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cachewise/internal/config"
	"cachewise/internal/delivery"
	"cachewise/internal/engine"
	"cachewise/internal/lifecycle"
	"cachewise/internal/metrics"
	"cachewise/internal/pipeline"
	"cachewise/internal/policy"
	"cachewise/internal/result"
	"cachewise/internal/store"
)

var (
	ErrNilCallback = errors.New("callback is required")
	ErrClosed      = errors.New("client is closed")
)

// Callback receives the result of an asynchronous request.
type Callback func(result.Envelope)

// Client executes requests through the cache pipeline. It is safe for
// concurrent use.
type Client struct {
	cfg     config.EffectiveConfig
	log     zerolog.Logger
	httpLog zerolog.Logger
	metrics *metrics.Collector

	store   *store.Store
	network *engine.Transport
	http    *http.Client

	registry *lifecycle.Registry
	scope    lifecycle.Scope

	poster  delivery.Poster
	ownLoop *delivery.Loop

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// New builds a client from the defaults, the global override and opts.
func New(opts ...config.Option) (*Client, error) {
	cfg, err := config.Resolve(opts...)
	if err != nil {
		return nil, err
	}
	return newClient(cfg)
}

// Default builds a client with no per-instance options.
func Default() (*Client, error) {
	return New()
}

func newClient(cfg config.EffectiveConfig) (*Client, error) {
	id := time.Now().UnixMilli()
	log := cfg.Logger.With().Int64("client", id).Logger()
	httpLog := cfg.HTTPLogger().With().Int64("client", id).Logger()

	st, err := store.Open(store.Options{
		Dir:         cfg.CacheDir,
		Backend:     cfg.CacheBackend,
		MaxBytes:    cfg.MaxCacheSize,
		MemoryBytes: cfg.MemoryCacheSize,
		StatsEvery:  cfg.StatsInterval,
		Logger:      log,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	network := engine.New(engine.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Retry:          cfg.RetryOnConnectionFailure,
		Logger:         log,
		Metrics:        cfg.Metrics,
	})
	rt := pipeline.New(pipeline.Options{
		Cache:               st,
		Transport:           network,
		Interceptors:        cfg.Interceptors,
		NetworkInterceptors: cfg.NetworkInterceptors,
		CacheType:           cfg.CacheType,
		Survival:            cfg.Survival,
		Reachability:        cfg.Reachability,
		Logger:              httpLog,
		Metrics:             cfg.Metrics,
	})

	c := &Client{
		cfg:      cfg,
		log:      log,
		httpLog:  httpLog,
		metrics:  cfg.Metrics,
		store:    st,
		network:  network,
		http:     &http.Client{Transport: rt},
		registry: lifecycle.NewRegistry(),
		poster:   cfg.Poster,
	}
	c.scope = c.registry.NewScope("client")
	if c.poster == nil {
		c.ownLoop = delivery.NewLoop()
		c.poster = c.ownLoop
	}
	log.Debug().
		Str("type", cfg.CacheType.String()).
		Dur("survival", cfg.Survival).
		Str("backend", cfg.CacheBackend).
		Msg("client ready")
	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() config.EffectiveConfig { return c.cfg.Clone() }

// Store exposes the response cache shared by this client.
func (c *Client) Store() *store.Store { return c.store }

// Scope is the scope used by requests that do not name one.
func (c *Client) Scope() lifecycle.Scope { return c.scope }

func (c *Client) NewScope(name string) lifecycle.Scope { return c.registry.NewScope(name) }

// CancelScope cancels every in-flight call of s and drops callbacks of s
// that have not run yet. Later calls on s fail with ErrScopeCanceled.
func (c *Client) CancelScope(s lifecycle.Scope) {
	s = c.scopeOf(s)
	if n := c.registry.Pending(s); n > 0 {
		c.log.Debug().Stringer("scope", s).Int("calls", n).Msg("canceling scope")
	}
	c.registry.CancelAll(s)
}

func (c *Client) ReleaseScope(s lifecycle.Scope) { c.registry.Release(s) }

// Close waits for asynchronous work and releases the cache store.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.wg.Wait()
	if c.ownLoop != nil {
		c.ownLoop.Close()
	}
	c.network.CloseIdleConnections()
	return c.store.Close()
}

func (c *Client) DoGetSync(ctx context.Context, r Request) result.Envelope {
	env, _ := c.run(ctx, http.MethodGet, r)
	return env
}

func (c *Client) DoPostSync(ctx context.Context, r Request) result.Envelope {
	env, _ := c.run(ctx, http.MethodPost, r)
	return env
}

func (c *Client) DoGetAsync(ctx context.Context, r Request, cb Callback) error {
	return c.async(ctx, http.MethodGet, r, cb)
}

func (c *Client) DoPostAsync(ctx context.Context, r Request, cb Callback) error {
	return c.async(ctx, http.MethodPost, r, cb)
}

func (c *Client) async(ctx context.Context, method string, r Request, cb Callback) error {
	if cb == nil {
		return ErrNilCallback
	}
	return c.spawn(func() {
		env, canceled := c.run(ctx, method, r)
		if canceled {
			c.log.Debug().Str("url", r.URL).Msg("call canceled, callback dropped")
			return
		}
		scope := c.scopeOf(r.Scope)
		c.poster.Post(func() {
			// The scope may be canceled while the callback waits in the queue.
			if c.registry.Canceled(scope) {
				return
			}
			cb(env)
		})
	})
}

// scopeOf maps the zero scope to the client's default scope.
func (c *Client) scopeOf(s lifecycle.Scope) lifecycle.Scope {
	if s.IsZero() {
		return c.scope
	}
	return s
}

// spawn runs fn on a new worker goroutine tracked by Close.
func (c *Client) spawn(fn func()) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return nil
}

func (c *Client) run(ctx context.Context, method string, r Request) (result.Envelope, bool) {
	if strings.TrimSpace(r.URL) == "" {
		c.httpLog.Warn().Str("method", method).Msg("request url is empty")
		return result.New(result.CheckURL, nil), false
	}
	return c.execute(ctx, r.Scope, r.Override, func(ctx context.Context) (*http.Request, error) {
		return buildRequest(ctx, method, r)
	}, result.Classify)
}

type buildFunc func(ctx context.Context) (*http.Request, error)

type handleFunc func(resp *http.Response, err error) result.Envelope

// execute registers the call with its scope, runs it through the pipeline
// and classifies the outcome. canceled reports a scope cancellation.
func (c *Client) execute(ctx context.Context, scope lifecycle.Scope, o policy.Override, build buildFunc, handle handleFunc) (env result.Envelope, canceled bool) {
	c.closeMu.RLock()
	closed := c.closed
	c.closeMu.RUnlock()
	if closed {
		return result.New(result.NoResult, ErrClosed), false
	}
	scope = c.scopeOf(scope)

	ctx, cancel := context.WithCancelCause(policy.WithOverride(ctx, o))
	defer cancel(nil)
	id, ok := c.registry.Register(scope, cancel)
	if !ok {
		return result.New(result.NoResult, lifecycle.ErrScopeCanceled), true
	}
	defer c.registry.Unregister(scope, id)

	req, err := build(ctx)
	if err != nil {
		env = result.New(result.FromError(err), err)
		c.httpLog.Warn().Err(err).Str("code", env.Code.String()).Msg("request not sent")
		return env, false
	}

	start := time.Now()
	c.metrics.RecordStart(req.Method)
	resp, err := c.http.Do(req)
	env = handle(resp, err)
	c.metrics.RecordEnd(req.Method)
	c.metrics.RecordResult(req.Method, env.Code.String(), time.Since(start))

	if lifecycle.WasCanceled(ctx) {
		return env, true
	}
	ev := c.httpLog.Info()
	if env.Err != nil {
		ev = ev.Err(env.Err)
	}
	ev.Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("code", env.Code.String()).
		Int("status", env.Status).
		Bool("cache", env.FromCache).
		Msg(env.Code.Message())
	return env, false
}
