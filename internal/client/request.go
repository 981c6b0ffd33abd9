package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cachewise/internal/lifecycle"
	"cachewise/internal/policy"
	"cachewise/internal/result"
)

type Param struct {
	Name  string
	Value string
}

// Params keeps form parameters in insertion order.
type Params []Param

func (p Params) Add(name, value string) Params {
	return append(p, Param{Name: name, Value: value})
}

func (p Params) Encode() string {
	var sb strings.Builder
	for i, kv := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(kv.Name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(kv.Value))
	}
	return sb.String()
}

// Request describes one call. GET sends Params in the query string, POST
// sends them as a form body unless Body is set, in which case they go to the
// query string.
type Request struct {
	URL         string
	Params      Params
	Body        []byte
	ContentType string
	Header      http.Header

	// Scope defaults to the client scope.
	Scope    lifecycle.Scope
	Override policy.Override

	Files     []UploadFile
	Downloads []DownloadFile
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", result.ErrMalformedRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", result.ErrMalformedRequest, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", result.ErrMalformedRequest)
	}
	return u, nil
}

func appendQuery(u *url.URL, p Params) {
	if len(p) == 0 {
		return
	}
	if u.RawQuery == "" {
		u.RawQuery = p.Encode()
		return
	}
	u.RawQuery += "&" + p.Encode()
}

func buildRequest(ctx context.Context, method string, r Request) (*http.Request, error) {
	u, err := parseTarget(r.URL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	contentType := ""
	switch {
	case method == http.MethodGet:
		appendQuery(u, r.Params)
	case len(r.Body) > 0:
		appendQuery(u, r.Params)
		body = bytes.NewReader(r.Body)
		contentType = r.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	default:
		body = strings.NewReader(r.Params.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", result.ErrMalformedRequest, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}
