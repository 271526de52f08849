// Package verification confirms that a claimed transaction performed the
// exact transfer a payment requirement describes.
package verification

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402kit/engine/clients"
	"github.com/x402kit/engine/logger"
	"github.com/x402kit/engine/metrics"
	"github.com/x402kit/engine/types"
)

// transferEventID is the topic of the ERC-20 Transfer(address,address,uint256)
// event.
var transferEventID = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Defaults for the receipt polling loop.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 10
)

// Outcome is the result of one verification. Domain failures carry a code
// from the error taxonomy; infrastructure failures are returned as errors.
type Outcome struct {
	Verified bool
	Code     string
	Reason   string

	// Evidence is the matched Transfer event for a direct transfer.
	Evidence *types.TransferEvidence

	// Transaction is the settling transaction hash, when known.
	Transaction string
	Payer       string
}

func failure(code, format string, args ...interface{}) *Outcome {
	return &Outcome{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Verifier proves settlement for both payload shapes: direct transfers are
// confirmed from receipt logs, signed authorizations are delegated to a
// facilitator.
type Verifier struct {
	reader      clients.ChainReader
	facilitator *clients.FacilitatorClient

	pollInterval    time.Duration
	maxPollAttempts int

	log logger.Logger
	rec metrics.Recorder
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithPollInterval(d time.Duration) Option {
	return func(v *Verifier) { v.pollInterval = d }
}

func WithMaxPollAttempts(n int) Option {
	return func(v *Verifier) { v.maxPollAttempts = n }
}

func WithFacilitator(c *clients.FacilitatorClient) Option {
	return func(v *Verifier) { v.facilitator = c }
}

func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(v *Verifier) { v.rec = r }
}

func NewVerifier(reader clients.ChainReader, opts ...Option) *Verifier {
	v := &Verifier{
		reader:          reader,
		pollInterval:    DefaultPollInterval,
		maxPollAttempts: DefaultMaxPollAttempts,
		log:             logger.NoopLogger{},
		rec:             metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify routes a structurally valid payload to the verification strategy for
// its scheme. The payload must have passed types.ValidatePayload first.
func (v *Verifier) Verify(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirement) (*Outcome, error) {
	start := time.Now()
	defer func() {
		v.rec.ObserveLatency(payload.Scheme, time.Since(start), map[string]string{"network": req.Network})
	}()

	switch payload.Scheme {
	case types.SchemeDirectTransfer:
		return v.verifyDirectTransfer(ctx, payload.DirectTransfer, req)
	case types.SchemeExact:
		return v.verifyWithFacilitator(ctx, payload, req)
	default:
		return failure(types.CodeInvalidPayload, "unsupported scheme %q", payload.Scheme), nil
	}
}

// verifyDirectTransfer polls for the transaction receipt, then scans its logs
// for a Transfer event matching the requirement exactly.
func (v *Verifier) verifyDirectTransfer(ctx context.Context, dt *types.DirectTransferPayload, req *types.PaymentRequirement) (*Outcome, error) {
	if v.reader == nil {
		return failure(types.CodeVerificationFailed, "no chain connection configured"), nil
	}

	receipt, outcome := v.pollReceipt(ctx, dt.Transaction)
	if outcome != nil {
		return outcome, nil
	}

	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return failure(types.CodeTxFailed, "transaction %s reverted", dt.Transaction), nil
	}

	evidence := v.matchTransfer(receipt, dt, req)
	if evidence == nil {
		return failure(types.CodeTransferMismatch,
			"no Transfer event in %s matches asset=%s payer=%s payTo=%s value=%s",
			dt.Transaction, req.Asset, dt.Payer, req.PayTo, req.MaxAmountRequired), nil
	}

	return &Outcome{
		Verified:    true,
		Evidence:    evidence,
		Transaction: dt.Transaction,
		Payer:       types.NormalizeAddress(dt.Payer),
	}, nil
}

// pollReceipt waits for the transaction to be mined, bounded by the attempt
// count and the caller's context. Returns a non-nil outcome on failure.
func (v *Verifier) pollReceipt(ctx context.Context, txHash string) (*ethtypes.Receipt, *Outcome) {
	hash := common.HexToHash(txHash)

	for attempt := 1; attempt <= v.maxPollAttempts; attempt++ {
		receipt, err := v.reader.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		v.log.Debug("transaction receipt not yet available", map[string]any{
			"transaction": txHash,
			"attempt":     attempt,
		})

		if attempt == v.maxPollAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, failure(types.CodeVerificationFailed, "verification canceled: %v", ctx.Err())
		case <-time.After(v.pollInterval):
		}
	}

	return nil, failure(types.CodeVerificationFailed,
		"transaction %s not mined after %d attempts", txHash, v.maxPollAttempts)
}

// matchTransfer scans receipt logs emitted by the requirement's asset
// contract for a Transfer event whose (from, to, value) equals the claim
// exactly. The requirement decides the asset; the payload's asset field is a
// claim and never widens the filter. A log that fails to decode is skipped,
// not an error.
func (v *Verifier) matchTransfer(receipt *ethtypes.Receipt, dt *types.DirectTransferPayload, req *types.PaymentRequirement) *types.TransferEvidence {
	for _, lg := range receipt.Logs {
		if !types.SameAddress(lg.Address.Hex(), req.Asset) {
			continue
		}

		ev, ok := DecodeTransferLog(lg)
		if !ok {
			continue
		}

		if types.SameAddress(ev.From, dt.Payer) &&
			types.SameAddress(ev.To, req.PayTo) &&
			ev.Value == req.MaxAmountRequired {
			return ev
		}
	}
	return nil
}

// DecodeTransferLog decodes an ERC-20 Transfer event. Both addresses are
// indexed topics; the value sits in the data segment.
func DecodeTransferLog(lg *ethtypes.Log) (*types.TransferEvidence, bool) {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferEventID {
		return nil, false
	}
	if len(lg.Data) != 32 {
		return nil, false
	}

	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	value := new(big.Int).SetBytes(lg.Data)

	return &types.TransferEvidence{
		From:  types.NormalizeAddress(from.Hex()),
		To:    types.NormalizeAddress(to.Hex()),
		Value: value.String(),
	}, true
}

// verifyWithFacilitator delegates a signed authorization to the facilitator,
// which validates the signature and settles the transfer on-chain.
func (v *Verifier) verifyWithFacilitator(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirement) (*Outcome, error) {
	if v.facilitator == nil {
		return failure(types.CodeVerificationFailed, "no facilitator configured for scheme %q", payload.Scheme), nil
	}

	verifyResp, err := v.facilitator.Verify(ctx, &clients.FacilitatorVerifyRequest{
		X402Version:  types.X402Version,
		Payload:      payload,
		Requirements: req,
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator verification failed: %w", err)
	}
	if !verifyResp.IsValid {
		return failure(types.CodeVerificationFailed, "facilitator rejected authorization: %s", verifyResp.InvalidReason), nil
	}

	settleResp, err := v.facilitator.Settle(ctx, &clients.FacilitatorSettleRequest{
		X402Version:  types.X402Version,
		Payload:      payload,
		Requirements: req,
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator settlement failed: %w", err)
	}
	if !settleResp.Success {
		return failure(types.CodeVerificationFailed, "facilitator settlement rejected: %s", settleResp.ErrorReason), nil
	}

	payer := settleResp.Payer
	if payer == "" {
		payer = payload.Authorization.From
	}

	return &Outcome{
		Verified:    true,
		Transaction: settleResp.Transaction,
		Payer:       types.NormalizeAddress(payer),
	}, nil
}
