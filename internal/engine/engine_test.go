package engine

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachewise/internal/result"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okResponse() *http.Response {
	return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("ok"))}
}

func refused() error {
	return Retryable(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
}

func TestRetryOnceAfterConnectionFailure(t *testing.T) {
	var bodies []string
	calls := 0
	rt := Wrap(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if calls == 1 {
			return nil, refused()
		}
		return okResponse(), nil
	}), Options{Retry: true, Logger: zerolog.Nop()})

	req, err := http.NewRequest(http.MethodPost, "http://example.test/upload", strings.NewReader("a=1"))
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"a=1", "a=1"}, bodies, "body is replayed")
}

func TestNoRetryWhenDisabled(t *testing.T) {
	calls := 0
	rt := Wrap(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, refused()
	}), Options{Retry: false})

	req, _ := http.NewRequest(http.MethodGet, "http://example.test/", nil)
	_, err := rt.RoundTrip(req)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, result.NoResult, result.FromError(err))
}

func TestNoRetryForOtherErrors(t *testing.T) {
	calls := 0
	rt := Wrap(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, &net.DNSError{Err: "no such host", Name: "x.invalid"}
	}), Options{Retry: true})

	req, _ := http.NewRequest(http.MethodGet, "http://x.invalid/", nil)
	_, err := rt.RoundTrip(req)
	assert.Equal(t, 1, calls)
	assert.Equal(t, result.CheckNetwork, result.FromError(err))
}

func TestRefusedDialIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	rt := New(Options{ConnectTimeout: time.Second, ReadTimeout: time.Second, WriteTimeout: time.Second, Retry: true, Logger: zerolog.Nop()})
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	_, err = rt.RoundTrip(req)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, result.NoResult, result.FromError(err))
}

func TestReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	rt := New(Options{ConnectTimeout: time.Second, ReadTimeout: 100 * time.Millisecond, WriteTimeout: time.Second, Logger: zerolog.Nop()})
	defer rt.CloseIdleConnections()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := rt.RoundTrip(req)
	require.Error(t, err)
	assert.Equal(t, result.ReadWriteTimeout, result.FromError(err))
}

func TestServesThroughDeadlineConn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fine"))
	}))
	defer srv.Close()

	rt := New(Options{ConnectTimeout: time.Second, ReadTimeout: time.Second, WriteTimeout: time.Second, Logger: zerolog.Nop()})
	defer rt.CloseIdleConnections()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rt.RoundTrip(req)
	env := result.Classify(resp, err)
	assert.Equal(t, result.Success, env.Code)
	assert.Equal(t, "fine", env.Body)
}
