// Package metrics defines the observability hooks for the build queue and
// workers, with a no-op default and a Prometheus-backed implementation.
package metrics
