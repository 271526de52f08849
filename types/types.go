// Package types defines the wire types and task model for the x402
// micropayment verification engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// X402Version is the protocol version this engine speaks.
const X402Version = 1

// Payment schemes accepted by the engine.
const (
	// SchemeDirectTransfer is an already-broadcast ERC-20 transfer that the
	// engine confirms from the transaction receipt.
	SchemeDirectTransfer = "direct-transfer"

	// SchemeExact is a signed EIP-3009 transfer authorization that a
	// facilitator validates and later settles on-chain.
	SchemeExact = "exact"
)

// EIP712Domain is the domain separator advertised with a requirement so the
// payer can sign a matching authorization.
type EIP712Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// PaymentRequirement describes what must be paid before a resource is
// released. It is immutable once issued; one requirement per payment task.
type PaymentRequirement struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`

	// Asset is the settlement token contract address.
	Asset string `json:"asset"`

	// PayTo is the address the payment must reach.
	PayTo string `json:"payTo"`

	// MaxAmountRequired is the price in atomic units of the asset,
	// as a decimal-free integer string (e.g. "50000" for $0.05 at 6 decimals).
	MaxAmountRequired string `json:"maxAmountRequired"`

	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`

	Domain EIP712Domain `json:"domain"`
}

// Validate checks that a requirement carries every field a payer needs.
func (r *PaymentRequirement) Validate() error {
	if r.Scheme == "" {
		return fmt.Errorf("requirement.scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("requirement.network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("requirement.asset is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("requirement.payTo is required")
	}
	if r.MaxAmountRequired == "" {
		return fmt.Errorf("requirement.maxAmountRequired is required")
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("requirement.maxTimeoutSeconds must be greater than 0")
	}
	return nil
}

// DirectTransferPayload claims an already-broadcast transfer, identified by
// its transaction hash, to be confirmed against the receipt's Transfer logs.
type DirectTransferPayload struct {
	Payer string `json:"payer" validate:"required"`

	// PayTo and Asset fall back to the requirement's values when omitted.
	PayTo string `json:"payTo,omitempty"`
	Asset string `json:"asset,omitempty"`

	// Value is the transferred amount in atomic units.
	Value       string `json:"value" validate:"required"`
	Transaction string `json:"transaction" validate:"required"`
}

// AuthorizationPayload is a signed but not-yet-broadcast EIP-3009 transfer
// authorization, settled by a relayer or facilitator.
type AuthorizationPayload struct {
	From        string `json:"from" validate:"required"`
	To          string `json:"to" validate:"required"`
	Value       string `json:"value" validate:"required"`
	ValidAfter  string `json:"validAfter" validate:"required"`
	ValidBefore string `json:"validBefore" validate:"required"`
	Nonce       string `json:"nonce" validate:"required"`
	Signature   string `json:"signature" validate:"required"`
}

// PaymentPayload is the payer's claim of payment. Exactly one of the two
// shapes is set, selected by Scheme.
type PaymentPayload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`

	DirectTransfer *DirectTransferPayload `json:"directTransfer,omitempty"`
	Authorization  *AuthorizationPayload  `json:"authorization,omitempty"`
}

// TransferEvidence is the decoded on-chain Transfer event used to check the
// payload's claim. Addresses are lower-case normalized.
type TransferEvidence struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
}

// Receipt records one successful verification. Receipts are append-only so
// re-verification never loses history.
type Receipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// TaskState is a payment task's position in its lifecycle.
type TaskState string

const (
	StateInputRequired    TaskState = "INPUT_REQUIRED"
	StatePaymentSubmitted TaskState = "PAYMENT_SUBMITTED"
	StatePaymentPending   TaskState = "PAYMENT_PENDING"
	StatePaymentCompleted TaskState = "PAYMENT_COMPLETED"
	StatePaymentFailed    TaskState = "PAYMENT_FAILED"
	StateCanceled         TaskState = "CANCELED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskState) IsTerminal() bool {
	return s == StatePaymentCompleted || s == StatePaymentFailed || s == StateCanceled
}

// PaymentTask tracks one payment attempt. It is mutated only by the engine's
// state machine and becomes immutable once terminal.
type PaymentTask struct {
	ID          string             `json:"id"`
	State       TaskState          `json:"state"`
	Requirement PaymentRequirement `json:"requirement"`
	Payload     *PaymentPayload    `json:"payload,omitempty"`
	Receipts    []Receipt          `json:"receipts"`

	// ErrorCode is set when the task fails verification.
	ErrorCode string `json:"errorCode,omitempty"`

	// ActionError carries a downstream action failure reported alongside
	// PAYMENT_COMPLETED. The payment itself remains valid.
	ActionError string `json:"actionError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Error codes for the verification path. All are terminal for the task.
const (
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodeTxFailed           = "TX_FAILED"
	CodeTransferMismatch   = "TRANSFER_MISMATCH"
	CodeTaskTerminal       = "TASK_TERMINAL"
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeConfigError        = "CONFIG_ERROR"
)

// PaymentError is the engine's typed error.
type PaymentError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a PaymentError with a formatted message.
func NewPaymentError(code, format string, args ...interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the code from a PaymentError, or "" for other errors.
func ErrorCode(err error) string {
	if pe, ok := err.(*PaymentError); ok {
		return pe.Code
	}
	return ""
}

// NormalizeAddress lower-cases a hex address for comparison. Chain addresses
// are not case-sensitive but are frequently compared as strings.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
