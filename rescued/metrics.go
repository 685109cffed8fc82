package rescued

import "github.com/cpor3/rescue-nfts/observability"

// Metrics aliases the shared recovery engine collectors.
type Metrics = observability.RescueMetrics

// NewMetrics returns the process-wide metrics registry.
func NewMetrics() *Metrics {
	return observability.Rescue()
}
