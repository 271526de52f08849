package x402

import (
	"time"

	"github.com/x402kit/engine/clients"
	"github.com/x402kit/engine/logger"
	"github.com/x402kit/engine/metrics"
)

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.rec = r
	}
}

// WithNetwork names the network this engine verifies on, reported by
// Supported() and recorded on receipts.
func WithNetwork(network string) Option {
	return func(e *Engine) {
		e.network = network
	}
}

// WithFacilitator enables the authorization (exact) scheme, delegating
// signature validation and settlement to the given facilitator.
func WithFacilitator(c *clients.FacilitatorClient) Option {
	return func(e *Engine) {
		e.facilitator = c
	}
}

// WithPollInterval sets the delay between transaction receipt poll attempts.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// WithMaxPollAttempts bounds how many times the verifier polls for a receipt
// before failing the payment.
func WithMaxPollAttempts(n int) Option {
	return func(e *Engine) {
		e.maxPollAttempts = n
	}
}

// WithTaskTTL bounds how long finished and abandoned tasks stay in memory.
func WithTaskTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.taskTTL = ttl
	}
}

// WithAction registers the gated downstream action to run once a payment
// completes.
func WithAction(a Action) Option {
	return func(e *Engine) {
		e.action = a
	}
}
