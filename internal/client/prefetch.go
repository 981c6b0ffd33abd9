package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"cachewise/internal/lifecycle"
	"cachewise/internal/policy"
	"cachewise/internal/result"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// PrefetchOptions controls a sitemap prefetch.
type PrefetchOptions struct {
	Sitemaps []string
	// Workers bounds concurrent page fetches, 4 when zero.
	Workers int
	// PerSecond limits page fetches per second. Zero means unlimited.
	PerSecond float64
	// Refresh refetches pages that are already cached.
	Refresh bool
}

type PrefetchStats struct {
	Sitemaps int
	Pages    int
	Stored   int
	Skipped  int
	Failed   int
}

// Prefetch walks the sitemaps, following nested sitemap indexes, and fetches
// every listed page over the network so it can later be served offline.
func (c *Client) Prefetch(ctx context.Context, opts PrefetchOptions) (PrefetchStats, error) {
	var st PrefetchStats
	pages, sitemaps, err := c.discover(ctx, opts.Sitemaps)
	st.Sitemaps = sitemaps
	st.Pages = len(pages)
	if err != nil {
		return st, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	limit := rate.Inf
	if opts.PerSecond > 0 {
		limit = rate.Limit(opts.PerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	count := func(n *int) {
		mu.Lock()
		*n++
		mu.Unlock()
	}

	for _, page := range pages {
		if !opts.Refresh {
			if _, ok := c.store.Get(page); ok {
				st.Skipped++
				continue
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			env := c.fetch(ctx, page)
			if env.OK() {
				count(&st.Stored)
				return
			}
			count(&st.Failed)
			c.log.Warn().Str("url", page).Str("code", env.Code.String()).Msg("prefetch failed")
		}()
	}
	wg.Wait()

	c.log.Info().
		Int("sitemaps", st.Sitemaps).
		Int("pages", st.Pages).
		Int("stored", st.Stored).
		Int("skipped", st.Skipped).
		Int("failed", st.Failed).
		Msg("prefetch done")
	return st, ctx.Err()
}

// discover returns the page URLs listed by the sitemaps in first-seen order.
func (c *Client) discover(ctx context.Context, roots []string) (pages []string, sitemaps int, _ error) {
	seenMaps := map[string]struct{}{}
	seenPages := map[string]struct{}{}
	queue := make([]string, 0, len(roots))
	for _, sm := range roots {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return pages, sitemaps, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenMaps[smURL]; ok {
			continue
		}
		seenMaps[smURL] = struct{}{}

		base, err := parseTarget(smURL)
		if err != nil {
			return pages, sitemaps, fmt.Errorf("sitemap %q: %w", smURL, err)
		}
		doc, err := c.fetchSitemap(ctx, smURL)
		if err != nil {
			return pages, sitemaps, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		sitemaps++

		for _, nested := range doc.Sitemaps {
			if u := resolveLoc(base, nested); u != "" {
				queue = append(queue, u)
			}
		}
		for _, loc := range doc.URLs {
			u := resolveLoc(base, loc)
			if u == "" {
				continue
			}
			if _, ok := seenPages[u]; ok {
				continue
			}
			seenPages[u] = struct{}{}
			pages = append(pages, u)
		}
		c.log.Debug().Str("sitemap", smURL).Int("urls", len(doc.URLs)).Int("nested", len(doc.Sitemaps)).Msg("sitemap read")
	}
	return pages, sitemaps, nil
}

// resolveLoc resolves a sitemap entry against the sitemap URL. Entries that
// are not http(s) are dropped.
func resolveLoc(base *url.URL, loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func (c *Client) fetchSitemap(ctx context.Context, smURL string) (sitemapDoc, error) {
	env, canceled := c.execute(ctx, c.scope, policy.Override{Type: policy.ForceNetwork, NoStore: true},
		func(ctx context.Context) (*http.Request, error) {
			return buildRequest(ctx, http.MethodGet, Request{URL: smURL})
		}, result.Classify)
	if canceled {
		return sitemapDoc{}, lifecycle.ErrScopeCanceled
	}
	if !env.OK() {
		if env.Err != nil {
			return sitemapDoc{}, env.Err
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", env.Status)
	}

	body := []byte(env.Body)
	// Servers may send a .gz sitemap with or without Content-Encoding, so
	// sniff the magic bytes too.
	if strings.HasSuffix(strings.ToLower(smURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, fmt.Errorf("parse sitemap: %w", err)
	}
	return doc, nil
}

func (c *Client) fetch(ctx context.Context, page string) result.Envelope {
	env, _ := c.execute(ctx, c.scope, policy.Override{Type: policy.ForceNetwork},
		func(ctx context.Context) (*http.Request, error) {
			return buildRequest(ctx, http.MethodGet, Request{URL: page})
		}, result.Classify)
	return env
}
