package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// This file has no direct teacher counterpart: the retrieved copy of
// pkg/metrics/prometheus/cache.go calls metrics.IsEnabled()/GetRegistry(),
// but no defining file for those ever made it into the retrieval pack.
// Reconstructed here using the standard promauto.With(registry) convention
// the rest of the Prometheus ecosystem (and the teacher's cache.go) already
// assumes.

var (
	mu       sync.Mutex
	registry *prometheus.Registry
	enabled  bool
)

// Enable activates metrics collection process-wide and returns the registry
// new PipelineMetrics implementations should register against.
func Enable() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	enabled = true
	return registry
}

// IsEnabled reports whether Enable has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// Registry returns the shared registry, creating it (disabled) on first use
// so callers that only want a registry for the HTTP handler don't have to
// care about ordering with Enable.
func Registry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}
