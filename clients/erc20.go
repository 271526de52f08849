package clients

import (
	"context"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Metadata subset of the ERC-20 ABI. version() is a USDC extension used for
// the EIP-712 domain; most tokens do not implement it.
const erc20MetadataABI = `
[
  {
    "name": "name",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{ "name": "", "type": "string" }]
  },
  {
    "name": "version",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{ "name": "", "type": "string" }]
  },
  {
    "name": "decimals",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{ "name": "", "type": "uint8" }]
  }
]
`

// ERC20Metadata reads token metadata used to derive the EIP-712 domain and
// the atomic-unit conversion factor for a settlement asset.
type ERC20Metadata struct {
	token  common.Address
	reader ChainReader
	abi    abi.ABI
}

func NewERC20Metadata(token string, reader ChainReader) (*ERC20Metadata, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20MetadataABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC-20 metadata ABI: %w", err)
	}

	return &ERC20Metadata{
		token:  common.HexToAddress(token),
		reader: reader,
		abi:    parsed,
	}, nil
}

// Name queries the token's name(). Errors if the contract does not implement
// it; callers fall back to the canonical stablecoin default.
func (m *ERC20Metadata) Name(ctx context.Context) (string, error) {
	var out string
	if err := m.callString(ctx, "name", &out); err != nil {
		return "", err
	}
	return out, nil
}

// Version queries the token's version() extension.
func (m *ERC20Metadata) Version(ctx context.Context) (string, error) {
	var out string
	if err := m.callString(ctx, "version", &out); err != nil {
		return "", err
	}
	return out, nil
}

// Decimals queries the token's decimals().
func (m *ERC20Metadata) Decimals(ctx context.Context) (uint8, error) {
	data, err := m.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}

	values, err := m.abi.Unpack("decimals", data)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals(): %w", err)
	}
	dec, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals() return type %T", values[0])
	}
	return dec, nil
}

func (m *ERC20Metadata) call(ctx context.Context, method string) ([]byte, error) {
	callData, err := m.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s(): %w", method, err)
	}

	msg := ethereum.CallMsg{
		To:   &m.token,
		Data: callData,
	}

	data, err := m.reader.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%s() call failed: %w", method, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s() returned no data", method)
	}
	return data, nil
}

func (m *ERC20Metadata) callString(ctx context.Context, method string, out *string) error {
	data, err := m.call(ctx, method)
	if err != nil {
		return err
	}

	values, err := m.abi.Unpack(method, data)
	if err != nil {
		return fmt.Errorf("failed to unpack %s(): %w", method, err)
	}
	s, ok := values[0].(string)
	if !ok {
		return fmt.Errorf("unexpected %s() return type %T", method, values[0])
	}
	*out = s
	return nil
}
