package requirement

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/engine/types"
)

const metadataABI = `
[
  { "name": "name", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{ "name": "", "type": "string" }] },
  { "name": "version", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{ "name": "", "type": "string" }] },
  { "name": "decimals", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{ "name": "", "type": "uint8" }] }
]
`

// fakeTokenReader answers metadata calls for one token contract. Unset fields
// behave like a contract without that method.
type fakeTokenReader struct {
	abi      abi.ABI
	chainID  *big.Int
	name     string
	version  string
	decimals *uint8
}

func newFakeTokenReader(t *testing.T, chainID int64) *fakeTokenReader {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(metadataABI))
	require.NoError(t, err)
	return &fakeTokenReader{abi: parsed, chainID: big.NewInt(chainID)}
}

func (f *fakeTokenReader) ChainID(context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeTokenReader) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	return nil, errors.New("not a receipt reader")
}

func (f *fakeTokenReader) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for nm, method := range f.abi.Methods {
		if !bytes.Equal(msg.Data, method.ID) {
			continue
		}
		switch nm {
		case "name":
			if f.name == "" {
				return nil, errors.New("execution reverted")
			}
			return method.Outputs.Pack(f.name)
		case "version":
			if f.version == "" {
				return nil, errors.New("execution reverted")
			}
			return method.Outputs.Pack(f.version)
		case "decimals":
			if f.decimals == nil {
				return nil, errors.New("execution reverted")
			}
			return method.Outputs.Pack(*f.decimals)
		}
	}
	return nil, errors.New("unknown method")
}

func (f *fakeTokenReader) Close() {}

func uint8Ptr(v uint8) *uint8 { return &v }

func baseParams() Params {
	return Params{
		Scheme:            types.SchemeDirectTransfer,
		Network:           "base-sepolia",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x384Aa214be0B279cbf211e9b2C992d8633F77848",
		Price:             "0.05",
		MaxTimeoutSeconds: 60,
		Resource:          "https://example.com/paid",
	}
}

func TestBuildWithOnChainMetadata(t *testing.T) {
	reader := newFakeTokenReader(t, 84532)
	reader.name = "USDC"
	reader.version = "2"
	reader.decimals = uint8Ptr(6)

	b := NewBuilder(reader, nil)
	req, err := b.Build(context.Background(), baseParams())
	require.NoError(t, err)

	assert.Equal(t, "50000", req.MaxAmountRequired)
	assert.Equal(t, "USDC", req.Domain.Name)
	assert.Equal(t, "2", req.Domain.Version)
	assert.Equal(t, "84532", req.Domain.ChainID)
	assert.Equal(t, types.NormalizeAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"), req.Domain.VerifyingContract)
	assert.Equal(t, req.Asset, req.Domain.VerifyingContract)
}

func TestBuildFallbacks(t *testing.T) {
	// Contract implements none of the metadata methods.
	reader := newFakeTokenReader(t, 8453)

	b := NewBuilder(reader, nil)
	p := baseParams()
	p.Price = "1.50"
	req, err := b.Build(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, DefaultTokenName, req.Domain.Name)
	assert.Equal(t, DefaultTokenVersion, req.Domain.Version)
	// decimals() fallback defaults to 6
	assert.Equal(t, "1500000", req.MaxAmountRequired)
}

func TestBuildAtomicOverride(t *testing.T) {
	reader := newFakeTokenReader(t, 84532)
	reader.name = "USDC"
	reader.version = "2"
	reader.decimals = uint8Ptr(6)

	b := NewBuilder(reader, nil)

	p := baseParams()
	p.Amount = "123456"
	p.Price = "9.99" // ignored
	req, err := b.Build(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "123456", req.MaxAmountRequired)

	t.Run("rejects non-canonical override", func(t *testing.T) {
		p := baseParams()
		p.Amount = "0500"
		_, err := b.Build(context.Background(), p)
		require.Error(t, err)
		assert.Equal(t, types.CodeConfigError, types.ErrorCode(err))
	})
}

func TestAtomicAmount(t *testing.T) {
	cases := []struct {
		price    string
		decimals uint8
		want     string
	}{
		{"1.50", 6, "1500000"},
		{"0.05", 6, "50000"},
		{"0", 6, "0"},
		{"0.0000019", 6, "1"}, // floor, never round up
		{"2", 18, "2000000000000000000"},
		{"0.1", 0, "0"},
	}
	for _, c := range cases {
		got, err := AtomicAmount(c.price, c.decimals)
		require.NoError(t, err, "price %s", c.price)
		assert.Equal(t, c.want, got, "price %s at %d decimals", c.price, c.decimals)
		assert.NotContains(t, got, ".")
		if got != "0" {
			assert.NotEqual(t, byte('0'), got[0], "no leading zeros")
		}
	}

	t.Run("rejects garbage and negatives", func(t *testing.T) {
		for _, bad := range []string{"", "abc", "-1.50", "1.5.0"} {
			_, err := AtomicAmount(bad, 6)
			assert.Error(t, err, "price %q", bad)
		}
	})
}
