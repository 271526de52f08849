// Package signer adapts a remote custodial wallet into a uniform typed-data
// signing capability whose output is normalized to one of the wire formats an
// x402 verifier accepts, regardless of the wallet's deployment state.
package signer

import (
	"context"
	"strings"
)

// Signature wire-format conventions, in hex characters including the 0x
// prefix. A standard ECDSA signature is 65 bytes; the EIP-1271 length is this
// protocol's fixed convention for deployed smart-contract wallets.
const (
	ecdsaSignatureLength   = 132
	eip1271SignatureLength = 174
)

// erc6492MagicSuffix terminates a wrapped signature from a wallet that is not
// yet deployed. The wrapper carries deploy-and-validate calldata and must
// reach the verifier intact.
const erc6492MagicSuffix = "6492649264926492649264926492649264926492649264926492649264926492"

// TypeEntry is one field of an EIP-712 struct type.
type TypeEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// TypedData is a full EIP-712 signing request.
type TypedData struct {
	Types       map[string][]TypeEntry `json:"types"`
	PrimaryType string                 `json:"primaryType"`
	Domain      TypedDataDomain        `json:"domain"`
	Message     map[string]interface{} `json:"message"`
}

// TypedDataSigner is the underlying signing capability, typically a
// wallet-as-a-service platform holding a smart-contract wallet.
type TypedDataSigner interface {
	SignTypedData(ctx context.Context, data TypedData) (string, error)
}

// Adapter wraps a TypedDataSigner and normalizes whatever it returns.
type Adapter struct {
	signer TypedDataSigner

	// preserveNonStandard keeps oversized non-ERC-6492 signatures intact
	// for verifiers that disambiguate themselves. When false the trailing
	// 65-byte ECDSA segment is extracted as a best-effort fallback.
	preserveNonStandard bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPreserveNonStandard keeps non-standard signature lengths unmodified
// instead of extracting the trailing ECDSA segment.
func WithPreserveNonStandard() Option {
	return func(a *Adapter) {
		a.preserveNonStandard = true
	}
}

func NewAdapter(signer TypedDataSigner, opts ...Option) *Adapter {
	a := &Adapter{signer: signer}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SignTypedData signs the request with the wrapped wallet and normalizes the
// result. Signer errors propagate unchanged; there is no retry.
func (a *Adapter) SignTypedData(ctx context.Context, data TypedData) (string, error) {
	sig, err := a.signer.SignTypedData(ctx, data)
	if err != nil {
		return "", err
	}
	return a.Normalize(sig), nil
}

// Normalize converts a wallet signature into a form a verifier accepts.
//
// Three accepted formats pass through unmodified: a standard 65-byte ECDSA
// signature, an EIP-1271 smart-contract signature from a deployed wallet, and
// an ERC-6492 wrapper from a wallet not yet deployed. Any other oversized
// signature is either preserved or reduced to its trailing ECDSA segment.
func (a *Adapter) Normalize(sig string) string {
	if !strings.HasPrefix(sig, "0x") {
		sig = "0x" + sig
	}

	if strings.HasSuffix(strings.ToLower(sig), erc6492MagicSuffix) {
		return sig
	}

	switch {
	case len(sig) == eip1271SignatureLength:
		return sig
	case len(sig) <= ecdsaSignatureLength:
		return sig
	case a.preserveNonStandard:
		return sig
	default:
		// Non-standard length: the ECDSA segment sits at the tail.
		return "0x" + sig[len(sig)-(ecdsaSignatureLength-2):]
	}
}
