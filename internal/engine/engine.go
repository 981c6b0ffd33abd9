package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"cachewise/internal/metrics"
)

type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// Retry repeats a request once when the connection could not be
	// established for a reason other than a timeout or name resolution.
	Retry bool

	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// Transport is the network end of the pipeline.
type Transport struct {
	base    http.RoundTripper
	retry   bool
	log     zerolog.Logger
	metrics *metrics.Collector
}

func New(opts Options) *Transport {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	idle := 90 * time.Second
	if opts.ReadTimeout > 0 && opts.ReadTimeout < idle {
		idle = opts.ReadTimeout
	}
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				if retryableDial(err) {
					return nil, Retryable(err)
				}
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: opts.ReadTimeout, write: opts.WriteTimeout}, nil
		},
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       idle,
		ExpectContinueTimeout: time.Second,
	}
	return &Transport{base: base, retry: opts.Retry, log: opts.Logger, metrics: opts.Metrics}
}

// Wrap uses rt instead of a real network transport. Dial level retries only
// happen when rt reports Retryable errors.
func Wrap(rt http.RoundTripper, opts Options) *Transport {
	return &Transport{base: rt, retry: opts.Retry, log: opts.Logger, metrics: opts.Metrics}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !t.retry || !IsRetryable(err) || req.Context().Err() != nil {
		return resp, err
	}
	retry, ok := rewind(req)
	if !ok {
		return resp, err
	}
	t.metrics.RecordRetry()
	t.log.Debug().Err(err).Str("url", req.URL.String()).Msg("connection failed, retrying")
	return t.base.RoundTrip(retry)
}

func (t *Transport) CloseIdleConnections() {
	if c, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func rewind(req *http.Request) (*http.Request, bool) {
	r := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return r, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	r.Body = body
	return r, true
}

func retryableDial(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// deadlineConn bounds every single read and write.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
