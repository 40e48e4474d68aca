// Package sitemap discovers a retailer's product URLs by walking its sitemap tree.
package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// DefaultCandidates are probed in order when robots.txt lists no sitemaps.
var DefaultCandidates = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/sitemaps.xml",
	"/groceries/sitemap.xml",
	"/shop/sitemaps/sitemap-index.xml",
}

// DefaultRelevantPaths mark URL paths that usually hold product pages.
var DefaultRelevantPaths = []string{"/shop/", "/product/", "/groceries/"}

const defaultWorkers = 20

// Config controls discovery.
type Config struct {
	// Workers bounds concurrent sitemap fetches within one BFS layer.
	Workers       int
	RelevantPaths []string
	Candidates    []string
	UserAgent     string
	// RespectRobots drops leaf URLs the robots.txt group disallows.
	RespectRobots bool
}

// Resolver expands sitemap trees into leaf page URLs.
type Resolver struct {
	fetcher crawler.Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Resolver.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if len(cfg.RelevantPaths) == 0 {
		cfg.RelevantPaths = DefaultRelevantPaths
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = DefaultCandidates
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{fetcher: fetcher, cfg: cfg, logger: logger}
}

type fetchResult struct {
	node Node
	err  error
}

// Discover returns the sorted set of same-host leaf URLs under rootURL whose path carries a
// relevant marker. It fails with *crawler.DiscoveryError only when no sitemap exists or no
// leaf survives filtering; broken branches are logged and skipped.
func (r *Resolver) Discover(ctx context.Context, rootURL, host string) ([]string, error) {
	rootURL = strings.TrimRight(rootURL, "/")
	logger := r.logger.With(zap.String("root_url", rootURL))

	robots := r.loadRobots(ctx, rootURL, logger)
	initial := robots.sitemaps
	prefetched := map[string]fetchResult{}
	if len(initial) == 0 {
		if u, res, ok := r.probeCandidates(ctx, rootURL, logger); ok {
			initial = []string{u}
			prefetched[u] = res
		}
	}
	if len(initial) == 0 {
		return nil, &crawler.DiscoveryError{RootURL: rootURL, Err: crawler.ErrNoSitemaps}
	}
	logger.Info("sitemaps located", zap.Strings("sitemaps", initial))

	processed := make(map[string]struct{})
	leaves := make(map[string]struct{})
	layer := make([]string, 0, len(initial))
	for _, u := range initial {
		if key := stripGz(u); !contains(processed, key) {
			processed[key] = struct{}{}
			layer = append(layer, u)
		}
	}

	depth := 0
	var fetched, failed int
	for len(layer) > 0 {
		results := r.fetchLayer(ctx, layer, prefetched)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("discover sitemaps: %w", err)
		}

		var next []string
		for i, res := range results {
			if res.err != nil {
				failed++
				metrics.ObserveSitemapFetch("error")
				logger.Warn("sitemap branch skipped", zap.String("sitemap", layer[i]), zap.Error(res.err))
				continue
			}
			fetched++
			metrics.ObserveSitemapFetch(string(res.node.Kind))
			if res.node.Kind == KindIndex {
				for _, child := range res.node.Locs {
					key := stripGz(child)
					if contains(processed, key) {
						continue
					}
					processed[key] = struct{}{}
					next = append(next, child)
				}
				continue
			}
			for _, loc := range res.node.Locs {
				if leaf, ok := r.acceptLeaf(loc, host, robots); ok {
					leaves[leaf] = struct{}{}
				}
			}
		}
		depth++
		logger.Debug("sitemap layer expanded",
			zap.Int("depth", depth),
			zap.Int("layer_size", len(layer)),
			zap.Int("next_layer", len(next)),
			zap.Int("leaves", len(leaves)),
		)
		layer = next
	}

	logger.Info("sitemap discovery finished",
		zap.Int("sitemaps_fetched", fetched),
		zap.Int("sitemaps_failed", failed),
		zap.Int("leaf_urls", len(leaves)),
	)
	if len(leaves) == 0 {
		return nil, &crawler.DiscoveryError{RootURL: rootURL, Err: crawler.ErrNoLeafURLs}
	}
	out := make([]string, 0, len(leaves))
	for leaf := range leaves {
		out = append(out, leaf)
	}
	sort.Strings(out)
	return out, nil
}

// fetchLayer fetches every sitemap in layer with bounded concurrency. Results are written by
// index so the caller merges them without locking.
func (r *Resolver) fetchLayer(ctx context.Context, layer []string, prefetched map[string]fetchResult) []fetchResult {
	results := make([]fetchResult, len(layer))
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, u := range layer {
		if res, ok := prefetched[u]; ok {
			results[i] = res
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = fetchResult{err: ctx.Err()}
				return nil
			}
			node, err := r.fetchSitemap(ctx, u)
			results[i] = fetchResult{node: node, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetchSitemap requests u without a trailing .gz first, falling back to the literal URL when
// the alias fails or yields no locs.
func (r *Resolver) fetchSitemap(ctx context.Context, u string) (Node, error) {
	target := stripGz(u)
	node, err := r.fetchAndParse(ctx, target)
	if target == u || ctx.Err() != nil || (err == nil && len(node.Locs) > 0) {
		return node, err
	}
	literal, literalErr := r.fetchAndParse(ctx, u)
	if literalErr != nil && err == nil {
		return node, nil
	}
	return literal, literalErr
}

func (r *Resolver) fetchAndParse(ctx context.Context, u string) (Node, error) {
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{URL: u})
	if err != nil {
		return Node{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Node{}, &crawler.FetchError{Kind: crawler.FetchHTTPStatus, URL: u, StatusCode: resp.StatusCode}
	}
	return Parse(u, resp.Body)
}

func (r *Resolver) loadRobots(ctx context.Context, rootURL string, logger *zap.Logger) robotsFile {
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rootURL + "/robots.txt"})
	if err != nil {
		logger.Warn("robots.txt fetch failed", zap.Error(err))
		return robotsFile{}
	}
	return parseRobots(resp.StatusCode, resp.Body, r.cfg.UserAgent)
}

// probeCandidates returns the first conventional sitemap path that answers with XML,
// together with its already parsed body.
func (r *Resolver) probeCandidates(
	ctx context.Context,
	rootURL string,
	logger *zap.Logger,
) (string, fetchResult, bool) {
	for _, path := range r.cfg.Candidates {
		if ctx.Err() != nil {
			return "", fetchResult{}, false
		}
		u := rootURL + path
		resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{URL: u})
		if err != nil {
			logger.Debug("sitemap probe failed", zap.String("url", u), zap.Error(err))
			continue
		}
		if resp.StatusCode != http.StatusOK || !LooksLikeXML(resp.Headers.Get("Content-Type"), resp.Body) {
			continue
		}
		node, err := Parse(u, resp.Body)
		return u, fetchResult{node: node, err: err}, true
	}
	return "", fetchResult{}, false
}

func (r *Resolver) acceptLeaf(loc, host string, robots robotsFile) (string, bool) {
	normalized, err := crawler.NormalizeURL(loc)
	if err != nil {
		return "", false
	}
	if !crawler.SameHost(normalized, host) || !crawler.MatchesPathMarker(normalized, r.cfg.RelevantPaths) {
		return "", false
	}
	if r.cfg.RespectRobots && !robots.allowed(normalized) {
		return "", false
	}
	return normalized, true
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
