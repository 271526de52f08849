package signer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/x402kit/engine/types"
)

const transferWithAuthorizationType = "TransferWithAuthorization"

// AuthorizationParams are the message fields of an EIP-3009 transfer
// authorization. Value, ValidAfter and ValidBefore are decimal strings;
// Nonce is a 0x-prefixed 32-byte hex string.
type AuthorizationParams struct {
	From        string
	To          string
	Value       string
	ValidAfter  string
	ValidBefore string
	Nonce       string
}

// NewAuthorizationNonce returns a random 32-byte nonce for a transfer
// authorization.
func NewAuthorizationNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate authorization nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// TransferAuthorizationTypedData builds the EIP-712 signing request for an
// EIP-3009 transferWithAuthorization call against the requirement's asset,
// using the domain the requirement advertises.
func TransferAuthorizationTypedData(req *types.PaymentRequirement, p AuthorizationParams) TypedData {
	return TypedData{
		Types: map[string][]TypeEntry{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			transferWithAuthorizationType: {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: transferWithAuthorizationType,
		Domain: TypedDataDomain{
			Name:              req.Domain.Name,
			Version:           req.Domain.Version,
			ChainID:           req.Domain.ChainID,
			VerifyingContract: req.Domain.VerifyingContract,
		},
		Message: map[string]interface{}{
			"from":        p.From,
			"to":          p.To,
			"value":       p.Value,
			"validAfter":  p.ValidAfter,
			"validBefore": p.ValidBefore,
			"nonce":       p.Nonce,
		},
	}
}
