/*
Package metrics provides Prometheus metrics and health endpoints for Nebulous.

All metrics are package-level collectors registered at init time and exposed
through Handler() for scraping. The Collector samples store-derived gauges
(containers by status and platform, secret counts) on a 15 second tick, while
the reconciler and API increment their counters and histograms inline.

The package also hosts the process health checker backing /health, /ready,
and /live. Components register themselves at startup; readiness requires the
store, the reconciler, and the API to report healthy.
*/
package metrics
