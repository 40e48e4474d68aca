// Command catalogcrawler runs the retailer catalog crawler.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts scrape requests, persists a QUEUED session through the
//     SessionStore, and hands its id to the dispatcher. Session, product and CSV export endpoints
//     read straight from the store.
//   - Scheduling: sessions flow through a bounded in-memory queue sized by crawler.queue_depth and
//     are run by crawler.session_concurrency workers. Each running session registers a cancel func
//     so the API can stop it.
//   - Session pipeline: the orchestrator resolves the root URL, walks the retailer's sitemaps with
//     the sitemap resolver, then feeds the leaf URLs to the page pool, which fetches, reduces and
//     classifies pages until the backlog drains or the record cap is hit.
//   - Persistence & fanout: sessions and records live in memory, Postgres or SQLite, optionally
//     mirrored to Redis. Product pages can be archived to local disk or GCS and committed records
//     published to Kafka or Pub/Sub.
//   - Plumbing: Viper loads config from file and CRAWLER_* env vars, zap logs carry session ids,
//     Prometheus metrics are served on /metrics, and the progress hub batches lifecycle events for
//     its sinks.
//
// Quick checklist:
//   - Serve: catalogcrawler serve --config config.yaml
//   - One-off: catalogcrawler crawl https://shop.example --output products.csv
package main

import (
	"github.com/JakeFAU/catalog-crawler/cmd"
)

func main() {
	cmd.Execute()
}
