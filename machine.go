package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/x402kit/engine/types"
	"github.com/x402kit/engine/verification"
)

// cancelRegistry tracks the cancel functions of in-flight verifications so an
// explicit task cancellation halts the polling loop between attempts.
type cancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func (r *cancelRegistry) init() {
	r.m = make(map[string]context.CancelFunc)
}

func (r *cancelRegistry) add(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = cancel
}

func (r *cancelRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

func (r *cancelRegistry) cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.m[id]; ok {
		cancel()
	}
}

// SubmitPayment runs a payer's submission through the task's state machine:
// PAYMENT_SUBMITTED, PAYMENT_PENDING during verification, and finally
// PAYMENT_COMPLETED or PAYMENT_FAILED. The returned task carries the outcome;
// an error is returned only for usage violations (unknown task, submission
// against a task that is not awaiting input) and infrastructure failures.
//
// A task in a terminal state rejects further submissions, so a payload cannot
// be replayed against an already-settled task.
func (e *Engine) SubmitPayment(ctx context.Context, taskID string, payload *types.PaymentPayload) (*types.PaymentTask, error) {
	if err := e.acceptSubmission(taskID, payload); err != nil {
		return nil, err
	}

	task, err := e.taskCopy(taskID)
	if err != nil {
		return nil, err
	}

	// The requirement's timeout is a submission window anchored at task
	// creation. A payload arriving after it fails without touching the chain.
	window := time.Duration(task.Requirement.MaxTimeoutSeconds) * time.Second
	if age := time.Since(task.CreatedAt); age > window {
		return e.fail(taskID, types.CodeVerificationFailed,
			fmt.Sprintf("submission window of %ds expired %s ago", task.Requirement.MaxTimeoutSeconds, (age - window).Round(time.Second)))
	}

	// Structural validation happens before any network call.
	if err := types.ValidatePayload(payload, &task.Requirement); err != nil {
		return e.fail(taskID, types.ErrorCode(err), err.Error())
	}

	if task, failed := e.markPending(taskID); failed {
		return task, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx,
		time.Duration(task.Requirement.MaxTimeoutSeconds)*time.Second)
	e.cancels.add(taskID, cancel)
	defer func() {
		e.cancels.remove(taskID)
		cancel()
	}()

	outcome, err := e.verifier.Verify(verifyCtx, payload, &task.Requirement)
	if err != nil {
		e.log.Error("verification error", map[string]any{"task": taskID, "error": err.Error()})
		return e.fail(taskID, types.CodeVerificationFailed, err.Error())
	}

	return e.finalize(ctx, taskID, outcome)
}

// Cancel transitions a non-terminal task to CANCELED and halts any in-flight
// polling loop for it.
func (e *Engine) Cancel(taskID string) error {
	err := e.tasks.Update(taskID, func(task *types.PaymentTask) error {
		if task.State.IsTerminal() {
			return types.NewPaymentError(types.CodeTaskTerminal,
				"task %s is already %s", taskID, task.State)
		}
		task.State = types.StateCanceled
		return nil
	})
	if err != nil {
		return err
	}

	e.cancels.cancel(taskID)
	e.log.Info("payment task canceled", map[string]any{"task": taskID})
	return nil
}

// acceptSubmission atomically claims the task for this submission. Only a
// task awaiting input accepts a payload; this also serializes concurrent
// submissions against the same task.
func (e *Engine) acceptSubmission(taskID string, payload *types.PaymentPayload) error {
	return e.tasks.Update(taskID, func(task *types.PaymentTask) error {
		if task.State.IsTerminal() {
			return types.NewPaymentError(types.CodeTaskTerminal,
				"task %s is already %s and rejects further submissions", taskID, task.State)
		}
		if task.State != types.StateInputRequired {
			return types.NewPaymentError(types.CodeInvalidPayload,
				"task %s already has a submission in progress (%s)", taskID, task.State)
		}
		task.State = types.StatePaymentSubmitted
		task.Payload = payload
		return nil
	})
}

// markPending emits the intermediate verifying notification. Returns the
// current task and true if the task was concurrently canceled.
func (e *Engine) markPending(taskID string) (*types.PaymentTask, bool) {
	canceled := false
	_ = e.tasks.Update(taskID, func(task *types.PaymentTask) error {
		if task.State != types.StatePaymentSubmitted {
			canceled = true
			return nil
		}
		task.State = types.StatePaymentPending
		return nil
	})
	if canceled {
		task, _ := e.tasks.Get(taskID)
		return task, true
	}

	e.log.Info("verifying payment", map[string]any{"task": taskID})
	return nil, false
}

// finalize applies the verification outcome: failure codes terminate the
// task; success appends a receipt and runs the gated action. A canceled task
// stays canceled regardless of the outcome.
func (e *Engine) finalize(ctx context.Context, taskID string, outcome *verification.Outcome) (*types.PaymentTask, error) {
	var completed *types.PaymentTask

	err := e.tasks.Update(taskID, func(task *types.PaymentTask) error {
		if task.State != types.StatePaymentPending {
			// Canceled while verifying.
			return nil
		}

		if !outcome.Verified {
			task.State = types.StatePaymentFailed
			task.ErrorCode = outcome.Code
			return nil
		}

		task.State = types.StatePaymentCompleted
		task.Receipts = append(task.Receipts, types.Receipt{
			Success:     true,
			Transaction: outcome.Transaction,
			Network:     task.Requirement.Network,
			Payer:       outcome.Payer,
		})
		cp := *task
		completed = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}

	task, _ := e.tasks.Get(taskID)
	e.observeOutcome(task, outcome)

	if completed == nil || e.action == nil {
		return task, nil
	}

	// The payment is settled and irreversible; an action failure is reported
	// alongside PAYMENT_COMPLETED, never as a payment failure.
	if actionErr := e.action(ctx, completed); actionErr != nil {
		e.log.Warn("gated action failed after completed payment", map[string]any{
			"task":  taskID,
			"error": actionErr.Error(),
		})
		_ = e.tasks.Update(taskID, func(task *types.PaymentTask) error {
			if code := types.ErrorCode(actionErr); code != "" {
				task.ActionError = code
			} else {
				task.ActionError = actionErr.Error()
			}
			return nil
		})
		task, _ = e.tasks.Get(taskID)
	}

	return task, nil
}

func (e *Engine) fail(taskID, code, reason string) (*types.PaymentTask, error) {
	_ = e.tasks.Update(taskID, func(task *types.PaymentTask) error {
		if task.State.IsTerminal() {
			return nil
		}
		task.State = types.StatePaymentFailed
		task.ErrorCode = code
		return nil
	})

	e.log.Warn("payment failed", map[string]any{"task": taskID, "code": code, "reason": reason})
	e.rec.IncCounter("failed", map[string]string{"network": e.network})

	return e.taskCopy(taskID)
}

func (e *Engine) observeOutcome(task *types.PaymentTask, outcome *verification.Outcome) {
	if task == nil {
		return
	}
	switch {
	case task.State == types.StateCanceled:
		e.rec.IncCounter("canceled", map[string]string{"network": task.Requirement.Network})
	case outcome.Verified:
		e.log.Info("payment completed", map[string]any{
			"task":        task.ID,
			"transaction": outcome.Transaction,
			"payer":       outcome.Payer,
		})
		e.rec.IncCounter("completed", map[string]string{"network": task.Requirement.Network})
	default:
		e.log.Warn("payment failed", map[string]any{
			"task":   task.ID,
			"code":   outcome.Code,
			"reason": outcome.Reason,
		})
		e.rec.IncCounter("failed", map[string]string{"network": task.Requirement.Network})
	}
}
