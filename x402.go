// Package x402 implements the x402 micropayment verification engine: it
// issues payment requirements for protected resources, verifies submitted
// payments against the chain or a facilitator, and gates a downstream action
// on successful settlement.
package x402

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/x402kit/engine/clients"
	"github.com/x402kit/engine/logger"
	"github.com/x402kit/engine/metrics"
	"github.com/x402kit/engine/requirement"
	"github.com/x402kit/engine/store"
	"github.com/x402kit/engine/types"
	"github.com/x402kit/engine/verification"
)

// Action is the gated downstream step invoked once a payment completes:
// storing a secret, posting content, releasing an API response. An action
// failure never reverses the payment; it is reported alongside
// PAYMENT_COMPLETED.
type Action func(ctx context.Context, task *types.PaymentTask) error

// Engine owns the payment task lifecycle. One instance per process or tenant;
// all dependencies are injected.
type Engine struct {
	reader      clients.ChainReader
	facilitator *clients.FacilitatorClient

	builder  *requirement.Builder
	verifier *verification.Verifier
	tasks    *store.TaskStore

	action Action
	log    logger.Logger
	rec    metrics.Recorder

	network         string
	pollInterval    time.Duration
	maxPollAttempts int
	taskTTL         time.Duration

	cancels cancelRegistry
}

// New creates an engine verifying against the given chain connection.
// reader may be nil for facilitator-only (authorization scheme) deployments.
func New(reader clients.ChainReader, opts ...Option) *Engine {
	e := &Engine{
		reader:          reader,
		log:             logger.NoopLogger{},
		rec:             metrics.NoopRecorder{},
		pollInterval:    verification.DefaultPollInterval,
		maxPollAttempts: verification.DefaultMaxPollAttempts,
		taskTTL:         store.DefaultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.builder = requirement.NewBuilder(reader, e.log)
	e.verifier = verification.NewVerifier(reader,
		verification.WithPollInterval(e.pollInterval),
		verification.WithMaxPollAttempts(e.maxPollAttempts),
		verification.WithFacilitator(e.facilitator),
		verification.WithLogger(e.log),
		verification.WithMetrics(e.rec),
	)
	e.tasks = store.NewTaskStore(e.taskTTL)
	e.cancels.init()

	return e
}

// RequirePayment creates a payment task for a protected resource and returns
// it in INPUT_REQUIRED with the requirement to advertise to the payer.
func (e *Engine) RequirePayment(ctx context.Context, p requirement.Params) (*types.PaymentTask, error) {
	req, err := e.builder.Build(ctx, p)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task := &types.PaymentTask{
		ID:          uuid.NewString(),
		State:       types.StateInputRequired,
		Requirement: *req,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.tasks.Put(task)

	e.log.Info("payment required", map[string]any{
		"task":     task.ID,
		"resource": req.Resource,
		"amount":   req.MaxAmountRequired,
		"network":  req.Network,
	})

	return e.taskCopy(task.ID)
}

// Task returns a snapshot of a task by id.
func (e *Engine) Task(id string) (*types.PaymentTask, bool) {
	return e.tasks.Get(id)
}

// Supported lists the scheme/network kinds this engine can verify.
func (e *Engine) Supported() []clients.SupportedKind {
	var kinds []clients.SupportedKind
	if e.reader != nil {
		kinds = append(kinds, clients.SupportedKind{
			X402Version: types.X402Version,
			Scheme:      types.SchemeDirectTransfer,
			Network:     e.network,
		})
	}
	if e.facilitator != nil {
		kinds = append(kinds, clients.SupportedKind{
			X402Version: types.X402Version,
			Scheme:      types.SchemeExact,
			Network:     e.network,
		})
	}
	return kinds
}

// Close releases the task store and the chain connection.
func (e *Engine) Close() {
	e.tasks.Close()
	if e.reader != nil {
		e.reader.Close()
	}
}

func (e *Engine) taskCopy(id string) (*types.PaymentTask, error) {
	task, ok := e.tasks.Get(id)
	if !ok {
		return nil, types.NewPaymentError(types.CodeTaskNotFound, "no task with id %s", id)
	}
	return task, nil
}
