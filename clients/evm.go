// Package clients provides the blockchain and facilitator clients the engine
// verifies payments against.
package clients

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainReader is the read-only chain access the engine needs. Satisfied by
// *ethclient.Client; tests substitute call-counting fakes.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

var _ ChainReader = (*EVMClient)(nil)

// EVMClient wraps an ethclient connection to one EVM network. The connection
// is safe for concurrent use across payment tasks.
type EVMClient struct {
	network string
	rpcURL  string
	client  *ethclient.Client
}

func NewEVMClient(network, rpcURL string) (*EVMClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC for %s: %w", network, err)
	}

	return &EVMClient{
		network: network,
		rpcURL:  rpcURL,
		client:  client,
	}, nil
}

func (e *EVMClient) Network() string {
	return e.network
}

func (e *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	return e.client.ChainID(ctx)
}

func (e *EVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return e.client.TransactionReceipt(ctx, txHash)
}

func (e *EVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return e.client.CallContract(ctx, msg, blockNumber)
}

func (e *EVMClient) Close() {
	e.client.Close()
}
