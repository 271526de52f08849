package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidatePayload checks a submitted payload structurally against its
// requirement, before any network call is made. Optional direct-transfer
// fields (payTo, asset) fall back to the requirement's values; the fallback
// is applied in place so later stages see a fully populated payload.
func ValidatePayload(p *PaymentPayload, req *PaymentRequirement) error {
	if p == nil {
		return NewPaymentError(CodeInvalidPayload, "payload is required")
	}
	if p.Scheme == "" {
		return NewPaymentError(CodeInvalidPayload, "payload.scheme is required")
	}

	switch p.Scheme {
	case SchemeDirectTransfer:
		return validateDirectTransfer(p.DirectTransfer, req)
	case SchemeExact:
		return validateAuthorization(p.Authorization)
	default:
		return NewPaymentError(CodeInvalidPayload, "unsupported scheme %q", p.Scheme)
	}
}

func validateDirectTransfer(dt *DirectTransferPayload, req *PaymentRequirement) error {
	if dt == nil {
		return NewPaymentError(CodeInvalidPayload, "directTransfer payload is required for scheme %q", SchemeDirectTransfer)
	}

	if dt.PayTo == "" && req != nil {
		dt.PayTo = req.PayTo
	}
	if dt.Asset == "" && req != nil {
		dt.Asset = req.Asset
	}

	if err := validate.Struct(dt); err != nil {
		return NewPaymentError(CodeInvalidPayload, "invalid direct-transfer payload: %v", firstValidationError(err))
	}
	if dt.PayTo == "" {
		return NewPaymentError(CodeInvalidPayload, "directTransfer.payTo is required")
	}
	if dt.Asset == "" {
		return NewPaymentError(CodeInvalidPayload, "directTransfer.asset is required")
	}
	return nil
}

func validateAuthorization(auth *AuthorizationPayload) error {
	if auth == nil {
		return NewPaymentError(CodeInvalidPayload, "authorization payload is required for scheme %q", SchemeExact)
	}
	if err := validate.Struct(auth); err != nil {
		return NewPaymentError(CodeInvalidPayload, "invalid authorization payload: %v", firstValidationError(err))
	}
	return nil
}

// firstValidationError reduces validator's multi-error to the first missing
// field, which is all callers report.
func firstValidationError(err error) string {
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		return fmt.Sprintf("field %s failed %q", errs[0].Field(), errs[0].Tag())
	}
	return err.Error()
}
