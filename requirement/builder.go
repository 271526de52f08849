// Package requirement assembles the payment requirement descriptor offered to
// a payer, deriving the EIP-712 domain and atomic price from the settlement
// asset contract.
package requirement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/x402kit/engine/clients"
	"github.com/x402kit/engine/logger"
	"github.com/x402kit/engine/types"
)

// Canonical stablecoin domain defaults, used when the asset contract does not
// implement name() or version().
const (
	DefaultTokenName    = "USD Coin"
	DefaultTokenVersion = "2"
)

// Params describe one priced resource.
type Params struct {
	Scheme  string
	Network string
	Asset   string
	PayTo   string

	// Price is a human decimal string ("1.50"). Ignored when Amount is set.
	Price string

	// Amount overrides decimal conversion with an exact atomic-unit value.
	Amount string

	// DefaultDecimals is used when the asset's decimals() call fails.
	// Zero means the USDC convention of 6.
	DefaultDecimals uint8

	MaxTimeoutSeconds int
	Resource          string
	Description       string
}

// Builder produces PaymentRequirements against one chain connection.
type Builder struct {
	reader clients.ChainReader
	log    logger.Logger
}

func NewBuilder(reader clients.ChainReader, log logger.Logger) *Builder {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Builder{reader: reader, log: log}
}

// Build assembles an immutable PaymentRequirement. The asset contract is
// queried for name(), version() and decimals(); each falls back independently
// when the contract does not implement it.
func (b *Builder) Build(ctx context.Context, p Params) (*types.PaymentRequirement, error) {
	if b.reader == nil {
		return nil, types.NewPaymentError(types.CodeConfigError, "no chain connection configured")
	}
	if p.Asset == "" || p.PayTo == "" {
		return nil, types.NewPaymentError(types.CodeConfigError, "asset and payTo are required")
	}

	chainID, err := b.reader.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}

	meta, err := clients.NewERC20Metadata(p.Asset, b.reader)
	if err != nil {
		return nil, err
	}

	name, err := meta.Name(ctx)
	if err != nil {
		b.log.Debug("asset name() unavailable, using default", map[string]any{
			"asset": p.Asset, "error": err.Error(),
		})
		name = DefaultTokenName
	}

	version, err := meta.Version(ctx)
	if err != nil {
		b.log.Debug("asset version() unavailable, using default", map[string]any{
			"asset": p.Asset, "error": err.Error(),
		})
		version = DefaultTokenVersion
	}

	amount := p.Amount
	if amount == "" {
		decimals := p.DefaultDecimals
		if decimals == 0 {
			decimals = 6
		}
		if onChain, err := meta.Decimals(ctx); err == nil {
			decimals = onChain
		} else {
			b.log.Debug("asset decimals() unavailable, using default", map[string]any{
				"asset": p.Asset, "decimals": decimals, "error": err.Error(),
			})
		}

		amount, err = AtomicAmount(p.Price, decimals)
		if err != nil {
			return nil, err
		}
	} else if err := validateAtomic(amount); err != nil {
		return nil, err
	}

	timeout := p.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}

	req := &types.PaymentRequirement{
		Scheme:            p.Scheme,
		Network:           p.Network,
		Asset:             types.NormalizeAddress(p.Asset),
		PayTo:             types.NormalizeAddress(p.PayTo),
		MaxAmountRequired: amount,
		MaxTimeoutSeconds: timeout,
		Resource:          p.Resource,
		Description:       p.Description,
		Domain: types.EIP712Domain{
			Name:              name,
			Version:           version,
			ChainID:           chainID.String(),
			VerifyingContract: types.NormalizeAddress(p.Asset),
		},
	}

	if err := req.Validate(); err != nil {
		return nil, types.NewPaymentError(types.CodeConfigError, "built requirement is incomplete: %v", err)
	}
	return req, nil
}

// AtomicAmount converts a human decimal price into an atomic-unit integer
// string: floor(price * 10^decimals). Exact string arithmetic throughout;
// floats would introduce rounding error on financial amounts. The result
// carries no decimal point and no leading zeros.
func AtomicAmount(price string, decimals uint8) (string, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return "", types.NewPaymentError(types.CodeConfigError, "invalid price %q: %v", price, err)
	}
	if d.IsNegative() {
		return "", types.NewPaymentError(types.CodeConfigError, "price cannot be negative: %s", price)
	}

	atomic := d.Shift(int32(decimals)).Floor()
	return atomic.BigInt().String(), nil
}

// validateAtomic checks a caller-supplied atomic override: non-negative
// integer digits, no decimal point, no leading zeros.
func validateAtomic(amount string) error {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok || n.Sign() < 0 {
		return types.NewPaymentError(types.CodeConfigError, "invalid atomic amount %q", amount)
	}
	if n.String() != amount {
		return types.NewPaymentError(types.CodeConfigError, "atomic amount %q is not in canonical form", amount)
	}
	return nil
}
