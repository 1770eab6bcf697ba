package rpc

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"arb-scanner/internal/retry"
)

// Client is the subset of ethclient.Client the scanner relies on.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ Client = (*ethclient.Client)(nil)

// DialFunc opens a client for an endpoint URL.
type DialFunc func(ctx context.Context, rawURL string) (Client, error)

// DialEthclient 使用 go-ethereum ethclient 建立连接。
func DialEthclient(ctx context.Context, rawURL string) (Client, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Conn is a memoized endpoint connection. Every read goes through the retry
// policy and the endpoint's rate limiter; SendTransaction is bounded by a
// timeout only.
type Conn struct {
	name        string
	client      Client
	policy      retry.Policy
	sendTimeout time.Duration
	limiter     *rate.Limiter
}

func newConn(name string, client Client, policy retry.Policy, sendTimeout time.Duration, limiter *rate.Limiter) *Conn {
	return &Conn{name: name, client: client, policy: policy, sendTimeout: sendTimeout, limiter: limiter}
}

// Name returns the endpoint name this connection belongs to.
func (c *Conn) Name() string { return c.name }

func (c *Conn) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func value[T any](ctx context.Context, c *Conn, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Value(ctx, c.policy, c.name+"."+op, func(ctx context.Context) (T, error) {
		if err := c.wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	})
}

// ChainID 即 network id 查询。
func (c *Conn) ChainID(ctx context.Context) (uint64, error) {
	id, err := value(ctx, c, "chain_id", c.client.ChainID)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

// BlockNumber returns the latest block height.
func (c *Conn) BlockNumber(ctx context.Context) (uint64, error) {
	return value(ctx, c, "block_number", c.client.BlockNumber)
}

func (c *Conn) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return value(ctx, c, "balance", func(ctx context.Context) (*big.Int, error) {
		return c.client.BalanceAt(ctx, account, blockNumber)
	})
}

// CallContract executes a read-only call at blockNumber (nil = latest).
func (c *Conn) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return value(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.client.CallContract(ctx, msg, blockNumber)
	})
}

func (c *Conn) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return value(ctx, c, "pending_nonce", func(ctx context.Context) (uint64, error) {
		return c.client.PendingNonceAt(ctx, account)
	})
}

func (c *Conn) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return value(ctx, c, "estimate_gas", func(ctx context.Context) (uint64, error) {
		return c.client.EstimateGas(ctx, msg)
	})
}

func (c *Conn) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return value(ctx, c, "gas_price", c.client.SuggestGasPrice)
}

// TransactionReceipt returns ethereum.NotFound (wrapped) while the tx is pending.
func (c *Conn) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return value(ctx, c, "receipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.client.TransactionReceipt(ctx, txHash)
	})
}

// SendTransaction broadcasts once; a signed transaction is never re-sent here.
func (c *Conn) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := retry.Once(ctx, c.sendTimeout, c.name+".send_tx", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.client.SendTransaction(ctx, tx)
	})
	return err
}

func (c *Conn) close() {
	if c.client != nil {
		c.client.Close()
	}
}
