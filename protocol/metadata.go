// Package protocol defines the namespaced metadata keys carried as a sidecar
// on request/response messages, and the base64 JSON envelopes their values
// use so any transport framing can carry them.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/x402kit/engine/types"
)

// Metadata keys.
const (
	KeyPaymentStatus   = "x402.payment.status"
	KeyPaymentRequired = "x402.payment.required"
	KeyPaymentPayload  = "x402.payment.payload"
	KeyPaymentReceipts = "x402.payment.receipts"
	KeyPaymentError    = "x402.payment.error"
)

// Values for KeyPaymentStatus.
const (
	StatusPaymentRequired  = "payment-required"
	StatusPaymentSubmitted = "payment-submitted"
	StatusPaymentPending   = "payment-pending"
	StatusPaymentCompleted = "payment-completed"
	StatusPaymentFailed    = "payment-failed"
)

// StatusForState maps a task state to its wire status. CANCELED is reported
// as payment-failed; the distinction stays on the task itself.
func StatusForState(s types.TaskState) string {
	switch s {
	case types.StateInputRequired:
		return StatusPaymentRequired
	case types.StatePaymentSubmitted:
		return StatusPaymentSubmitted
	case types.StatePaymentPending:
		return StatusPaymentPending
	case types.StatePaymentCompleted:
		return StatusPaymentCompleted
	default:
		return StatusPaymentFailed
	}
}

// PaymentRequiredEnvelope is the value of KeyPaymentRequired.
type PaymentRequiredEnvelope struct {
	X402Version int                        `json:"x402Version"`
	Accepts     []types.PaymentRequirement `json:"accepts"`
}

// PaymentPayloadEnvelope is the value of KeyPaymentPayload.
type PaymentPayloadEnvelope struct {
	X402Version int                  `json:"x402Version"`
	Scheme      string               `json:"scheme"`
	Network     string               `json:"network"`
	Payload     types.PaymentPayload `json:"payload"`
}

// EncodePaymentRequired encodes the requirements offered to a payer.
func EncodePaymentRequired(accepts []types.PaymentRequirement) (string, error) {
	return encode(PaymentRequiredEnvelope{
		X402Version: types.X402Version,
		Accepts:     accepts,
	})
}

// DecodePaymentRequired decodes the value of KeyPaymentRequired.
func DecodePaymentRequired(encoded string) (*PaymentRequiredEnvelope, error) {
	var env PaymentRequiredEnvelope
	if err := decode(encoded, &env); err != nil {
		return nil, fmt.Errorf("failed to decode payment requirements: %w", err)
	}
	return &env, nil
}

// EncodePaymentPayload encodes a payer's submission.
func EncodePaymentPayload(p *types.PaymentPayload) (string, error) {
	return encode(PaymentPayloadEnvelope{
		X402Version: p.X402Version,
		Scheme:      p.Scheme,
		Network:     p.Network,
		Payload:     *p,
	})
}

// DecodePaymentPayload decodes the value of KeyPaymentPayload.
func DecodePaymentPayload(encoded string) (*types.PaymentPayload, error) {
	var env PaymentPayloadEnvelope
	if err := decode(encoded, &env); err != nil {
		return nil, fmt.Errorf("failed to decode payment payload: %w", err)
	}
	p := env.Payload
	if p.Scheme == "" {
		p.Scheme = env.Scheme
	}
	if p.Network == "" {
		p.Network = env.Network
	}
	if p.X402Version == 0 {
		p.X402Version = env.X402Version
	}
	return &p, nil
}

// EncodeReceipts encodes the task's append-only receipt list.
func EncodeReceipts(receipts []types.Receipt) (string, error) {
	return encode(receipts)
}

// DecodeReceipts decodes the value of KeyPaymentReceipts.
func DecodeReceipts(encoded string) ([]types.Receipt, error) {
	var receipts []types.Receipt
	if err := decode(encoded, &receipts); err != nil {
		return nil, fmt.Errorf("failed to decode receipts: %w", err)
	}
	return receipts, nil
}

// Annotate writes a task's protocol metadata into md. The requirement is
// included only while input is still required; receipts whenever present.
func Annotate(md map[string]string, task *types.PaymentTask) error {
	md[KeyPaymentStatus] = StatusForState(task.State)

	if task.State == types.StateInputRequired {
		required, err := EncodePaymentRequired([]types.PaymentRequirement{task.Requirement})
		if err != nil {
			return err
		}
		md[KeyPaymentRequired] = required
	}

	if len(task.Receipts) > 0 {
		receipts, err := EncodeReceipts(task.Receipts)
		if err != nil {
			return err
		}
		md[KeyPaymentReceipts] = receipts
	}

	if task.ErrorCode != "" {
		md[KeyPaymentError] = task.ErrorCode
	}
	return nil
}

func encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decode(encoded string, out interface{}) error {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	return json.Unmarshal(b, out)
}
