package client

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"cachewise/internal/policy"
	"cachewise/internal/result"
)

// DownloadFile is one file fetched with GET and written to disk.
type DownloadFile struct {
	// URL overrides the request URL for this file.
	URL string
	// Dir defaults to the working directory.
	Dir string
	// Name defaults to the last element of the URL path.
	Name       string
	OnProgress ProgressFunc
	OnComplete FileCallback
}

// DoDownloadFileSync downloads every file of r in order. On success the
// envelope body holds the saved path.
func (c *Client) DoDownloadFileSync(ctx context.Context, r Request) []result.Envelope {
	out := make([]result.Envelope, 0, len(r.Downloads))
	for _, f := range r.Downloads {
		out = append(out, c.downloadOne(ctx, r, f))
	}
	return out
}

func (c *Client) DoDownloadFileAsync(ctx context.Context, r Request) error {
	for _, f := range r.Downloads {
		if err := c.spawn(func() { c.downloadOne(ctx, r, f) }); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) downloadOne(ctx context.Context, r Request, f DownloadFile) result.Envelope {
	target := f.URL
	if target == "" {
		target = r.URL
	}
	if strings.TrimSpace(target) == "" {
		c.log.Warn().Str("dir", f.Dir).Msg("download skipped, no url for file")
		env := result.New(result.CheckURL, nil)
		c.deliverFile(r.Scope, f.OnComplete, "", env)
		return env
	}

	dest := ""
	env, canceled := c.execute(ctx, r.Scope, policy.Override{Type: policy.ForceNetwork, NoStore: true},
		func(ctx context.Context) (*http.Request, error) {
			u, err := parseTarget(target)
			if err != nil {
				return nil, err
			}
			appendQuery(u, r.Params)
			dest = downloadPath(f, u.Path)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, err
			}
			for k, vs := range r.Header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			return req, nil
		},
		func(resp *http.Response, err error) result.Envelope {
			return c.save(resp, err, dest, f)
		})
	if canceled {
		return env
	}
	c.deliverFile(r.Scope, f.OnComplete, dest, env)
	return env
}

func downloadPath(f DownloadFile, urlPath string) string {
	dir := f.Dir
	if dir == "" {
		dir = "."
	}
	name := f.Name
	if name == "" {
		name = path.Base(urlPath)
		if name == "/" || name == "." || name == "" {
			name = "download"
		}
	}
	return filepath.Join(dir, filepath.Base(name))
}

// save streams a successful response body to dest through a temporary file
// in the same directory.
func (c *Client) save(resp *http.Response, err error, dest string, f DownloadFile) result.Envelope {
	if err != nil {
		return result.Classify(resp, err)
	}
	defer resp.Body.Close()

	env := result.Envelope{
		Status:    resp.StatusCode,
		FromCache: resp.Header.Get(httpcache.XFromCache) != "",
		CreatedAt: time.Now(),
	}
	code, ok := result.FromStatus(resp.StatusCode)
	env.Code = code
	if !ok {
		return env
	}

	fail := func(err error) result.Envelope {
		env.Code = result.NoResult
		env.Err = err
		return env
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(fmt.Errorf("create download dir: %w", err))
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fail(fmt.Errorf("create download file: %w", err))
	}
	body := newProgressReader(resp.Body, dest, resp.ContentLength, f.OnProgress, c.poster)
	n, err := tmp.ReadFrom(body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fail(err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return fail(fmt.Errorf("save download: %w", err))
	}
	c.metrics.RecordTransfer("download", n)
	env.Body = dest
	return env
}
