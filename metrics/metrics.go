// Package metrics defines the engine's metrics interface with a no-op default
// and a Prometheus-backed implementation.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
