// Package metrics exposes the PDS's operational counters and gauges
// (spec §6.c) via Prometheus. Collector implements dispatcher.Metrics;
// CacheSampler turns the cache manager's cumulative Stats() into counter
// increments when driven periodically. Metrics are registered at package
// init and served over HTTP by Handler.
package metrics
