package verification

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/engine/clients"
	"github.com/x402kit/engine/types"
)

const (
	assetAddr = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	payerAddr = "0xE4d365a5a8fC0DCEE9E3C5985D7FcBab8B4A0fE1"
	hostAddr  = "0x384Aa214be0B279cbf211e9b2C992d8633F77848"
	txHash    = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

// fakeChainReader serves one scripted receipt and counts calls.
type fakeChainReader struct {
	receipt *ethtypes.Receipt

	// availableAfter mines the transaction only on the Nth receipt call.
	availableAfter int

	receiptCalls int
}

func (f *fakeChainReader) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (f *fakeChainReader) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	f.receiptCalls++
	if f.receipt == nil || f.receiptCalls < f.availableAfter {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeChainReader) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not a contract reader")
}

func (f *fakeChainReader) Close() {}

func transferLog(asset, from, to, value string) *ethtypes.Log {
	amount, _ := new(big.Int).SetString(value, 10)
	return &ethtypes.Log{
		Address: common.HexToAddress(asset),
		Topics: []common.Hash{
			transferEventID,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.BigToHash(amount).Bytes(),
	}
}

func successReceipt(logs ...*ethtypes.Log) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		Status: ethtypes.ReceiptStatusSuccessful,
		Logs:   logs,
	}
}

func directPayload() *types.PaymentPayload {
	return &types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      types.SchemeDirectTransfer,
		Network:     "base-sepolia",
		DirectTransfer: &types.DirectTransferPayload{
			Payer:       payerAddr,
			PayTo:       hostAddr,
			Asset:       assetAddr,
			Value:       "50000",
			Transaction: txHash,
		},
	}
}

func directRequirement() *types.PaymentRequirement {
	return &types.PaymentRequirement{
		Scheme:            types.SchemeDirectTransfer,
		Network:           "base-sepolia",
		Asset:             strings.ToLower(assetAddr),
		PayTo:             strings.ToLower(hostAddr),
		MaxAmountRequired: "50000",
		MaxTimeoutSeconds: 60,
	}
}

func fastVerifier(reader clients.ChainReader, opts ...Option) *Verifier {
	base := []Option{WithPollInterval(time.Millisecond), WithMaxPollAttempts(3)}
	return NewVerifier(reader, append(base, opts...)...)
}

func TestVerifyDirectTransferSuccess(t *testing.T) {
	reader := &fakeChainReader{
		receipt: successReceipt(transferLog(assetAddr, payerAddr, hostAddr, "50000")),
	}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	require.True(t, out.Verified)
	assert.Equal(t, txHash, out.Transaction)
	assert.Equal(t, strings.ToLower(payerAddr), out.Payer)

	require.NotNil(t, out.Evidence)
	assert.Equal(t, strings.ToLower(payerAddr), out.Evidence.From)
	assert.Equal(t, strings.ToLower(hostAddr), out.Evidence.To)
	assert.Equal(t, "50000", out.Evidence.Value)
}

func TestVerifyDirectTransferValueMismatch(t *testing.T) {
	reader := &fakeChainReader{
		receipt: successReceipt(transferLog(assetAddr, payerAddr, hostAddr, "40000")),
	}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, types.CodeTransferMismatch, out.Code)
}

func TestVerifyDirectTransferExactMatchOnly(t *testing.T) {
	// A superset transfer (higher value) must never verify.
	reader := &fakeChainReader{
		receipt: successReceipt(
			transferLog(assetAddr, payerAddr, hostAddr, "60000"),
			transferLog(assetAddr, payerAddr, "0x00000000000000000000000000000000DeaDBeef", "50000"),
		),
	}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, types.CodeTransferMismatch, out.Code)
}

func TestVerifyDirectTransferWrongAssetClaim(t *testing.T) {
	// The payer claims a cheaper token and really did transfer the right
	// value of it. The requirement's asset decides which logs count, so a
	// transfer of any other token must not verify.
	worthless := "0x00000000000000000000000000000000DeaDBeef"

	payload := directPayload()
	payload.DirectTransfer.Asset = worthless

	reader := &fakeChainReader{
		receipt: successReceipt(transferLog(worthless, payerAddr, hostAddr, "50000")),
	}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), payload, directRequirement())
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, types.CodeTransferMismatch, out.Code)
}

func TestVerifyDirectTransferNeverMined(t *testing.T) {
	reader := &fakeChainReader{receipt: nil}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, types.CodeVerificationFailed, out.Code)
	assert.Equal(t, 3, reader.receiptCalls, "polling is bounded by the attempt count")
}

func TestVerifyDirectTransferMinedLate(t *testing.T) {
	reader := &fakeChainReader{
		receipt:        successReceipt(transferLog(assetAddr, payerAddr, hostAddr, "50000")),
		availableAfter: 3,
	}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, 3, reader.receiptCalls)
}

func TestVerifyDirectTransferReverted(t *testing.T) {
	reader := &fakeChainReader{
		receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed},
	}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, types.CodeTxFailed, out.Code)
}

func TestVerifyDirectTransferSkipsForeignAndMalformedLogs(t *testing.T) {
	short := transferLog(assetAddr, payerAddr, hostAddr, "50000")
	short.Topics = short.Topics[:2] // undecodable, skipped

	foreign := transferLog("0x00000000000000000000000000000000DeaDBeef", payerAddr, hostAddr, "50000")

	reader := &fakeChainReader{
		receipt: successReceipt(
			short,
			foreign,
			transferLog(assetAddr, payerAddr, hostAddr, "50000"),
		),
	}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	assert.True(t, out.Verified)
}

func TestVerifyDirectTransferCaseInsensitiveAddresses(t *testing.T) {
	payload := directPayload()
	payload.DirectTransfer.Payer = strings.ToUpper(strings.TrimPrefix(payerAddr, "0x"))
	payload.DirectTransfer.Payer = "0x" + payload.DirectTransfer.Payer

	reader := &fakeChainReader{
		receipt: successReceipt(transferLog(assetAddr, payerAddr, hostAddr, "50000")),
	}
	v := fastVerifier(reader)

	out, err := v.Verify(context.Background(), payload, directRequirement())
	require.NoError(t, err)
	assert.True(t, out.Verified)
}

func TestVerifyDirectTransferIdempotent(t *testing.T) {
	reader := &fakeChainReader{
		receipt: successReceipt(transferLog(assetAddr, payerAddr, hostAddr, "50000")),
	}
	v := fastVerifier(reader)

	first, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	second, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)

	assert.Equal(t, first.Verified, second.Verified)
	assert.Equal(t, first.Evidence, second.Evidence)
}

func TestVerifyWithoutChainConnection(t *testing.T) {
	v := fastVerifier(nil)

	out, err := v.Verify(context.Background(), directPayload(), directRequirement())
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, types.CodeVerificationFailed, out.Code)
}

func authorizationPayload() *types.PaymentPayload {
	return &types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     "base-sepolia",
		Authorization: &types.AuthorizationPayload{
			From:        payerAddr,
			To:          hostAddr,
			Value:       "50000",
			ValidAfter:  "1763450282",
			ValidBefore: "1763451182",
			Nonce:       "0xf408d6d1f1d1bca7c6396ed30f00a46ca4e5b073fff983e42b348776a5aa651c",
			Signature:   "0x2e8818a233",
		},
	}
}

func TestVerifyAuthorizationViaFacilitator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(clients.FacilitatorVerifyResponse{IsValid: true, Payer: payerAddr})
		case "/settle":
			json.NewEncoder(w).Encode(clients.FacilitatorSettleResponse{
				Success:     true,
				Transaction: txHash,
				Network:     "base-sepolia",
				Payer:       payerAddr,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	v := fastVerifier(nil, WithFacilitator(clients.NewFacilitatorClient(srv.URL)))

	out, err := v.Verify(context.Background(), authorizationPayload(), directRequirement())
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, txHash, out.Transaction)
	assert.Equal(t, strings.ToLower(payerAddr), out.Payer)
}

func TestVerifyAuthorizationRejectedByFacilitator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(clients.FacilitatorVerifyResponse{
			IsValid:       false,
			InvalidReason: "invalid signature",
		})
	}))
	defer srv.Close()

	v := fastVerifier(nil, WithFacilitator(clients.NewFacilitatorClient(srv.URL)))

	out, err := v.Verify(context.Background(), authorizationPayload(), directRequirement())
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, types.CodeVerificationFailed, out.Code)
	assert.Contains(t, out.Reason, "invalid signature")
}

func TestVerifyAuthorizationWithoutFacilitator(t *testing.T) {
	v := fastVerifier(nil)

	out, err := v.Verify(context.Background(), authorizationPayload(), directRequirement())
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, types.CodeVerificationFailed, out.Code)
}

func TestDecodeTransferLog(t *testing.T) {
	lg := transferLog(assetAddr, payerAddr, hostAddr, "50000")

	ev, ok := DecodeTransferLog(lg)
	require.True(t, ok)
	assert.Equal(t, strings.ToLower(payerAddr), ev.From)
	assert.Equal(t, strings.ToLower(hostAddr), ev.To)
	assert.Equal(t, "50000", ev.Value)

	t.Run("wrong topic rejected", func(t *testing.T) {
		bad := transferLog(assetAddr, payerAddr, hostAddr, "50000")
		bad.Topics[0] = common.HexToHash("0xdead")
		_, ok := DecodeTransferLog(bad)
		assert.False(t, ok)
	})

	t.Run("short data rejected", func(t *testing.T) {
		bad := transferLog(assetAddr, payerAddr, hostAddr, "50000")
		bad.Data = bad.Data[:16]
		_, ok := DecodeTransferLog(bad)
		assert.False(t, ok)
	})
}
