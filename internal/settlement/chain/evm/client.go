package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"settlex.com/pkg/ratelimit"
	"settlex.com/pkg/xerr"
)

// Client ethclient 的薄封装：每次调用先限速，再过熔断器，错误按类别包装
type Client struct {
	chain    string
	eth      *ethclient.Client
	limiter  *ratelimit.Store
	breakers *ratelimit.Manager
}

func Dial(ctx context.Context, chain, url string, limiter *ratelimit.Store, breakers *ratelimit.Manager) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Client{chain: chain, eth: eth, limiter: limiter, breakers: breakers}, nil
}

func (c *Client) Close() { c.eth.Close() }

func call[T any](ctx context.Context, c *Client, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.chain); err != nil {
			return out, xerr.Wrap(xerr.KindTransient, err)
		}
	}
	// NotFound 是正常结果，不能算进熔断失败
	var notFound error
	run := func() error {
		v, err := fn(ctx)
		if errors.Is(err, ethereum.NotFound) {
			notFound = err
			return nil
		}
		if err != nil {
			return classify(fmt.Errorf("%s: %w", method, err))
		}
		out = v
		return nil
	}
	var err error
	if c.breakers == nil {
		err = run()
	} else {
		err = c.breakers.Execute(c.chain+".rpc", run)
	}
	if err == nil && notFound != nil {
		return out, notFound
	}
	return out, err
}

// classify 节点错误分类：被拒绝的交易是 client，执行失败是 revert，其余都当 transient
func classify(err error) error {
	if err == nil || errors.Is(err, ethereum.NotFound) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return xerr.Wrap(xerr.KindRevert, err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "exceeds block gas limit"),
		strings.Contains(msg, "invalid sender"):
		return xerr.Wrap(xerr.KindClient, err)
	default:
		return xerr.Wrap(xerr.KindTransient, err)
	}
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	n, err := call(ctx, c, "eth_blockNumber", c.eth.BlockNumber)
	return int64(n), err
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "eth_chainId", c.eth.ChainID)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return call(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return c.eth.HeaderByNumber(ctx, number)
	})
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return call(ctx, c, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return c.eth.FilterLogs(ctx, q)
	})
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return call(ctx, c, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.eth.TransactionReceipt(ctx, hash)
	})
}

// TransactionVisible 节点 mempool 或链上能否查到
func (c *Client) TransactionVisible(ctx context.Context, hash common.Hash) (bool, error) {
	_, err := call(ctx, c, "eth_getTransactionByHash", func(ctx context.Context) (bool, error) {
		_, pending, err := c.eth.TransactionByHash(ctx, hash)
		return pending, err
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return call(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.eth.CallContract(ctx, msg, block)
	})
}

// callRaw 不做错误分类，取 revert data 用
func (c *Client) callRaw(ctx context.Context, msg ethereum.CallMsg, block *big.Int) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.chain); err != nil {
			return err
		}
	}
	_, err := c.eth.CallContract(ctx, msg, block)
	return err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(ctx, c, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return c.eth.EstimateGas(ctx, msg)
	})
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "eth_maxPriorityFeePerGas", c.eth.SuggestGasTipCap)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := call(ctx, c, "eth_sendRawTransaction", func(ctx context.Context) (struct{}, error) {
		err := c.eth.SendTransaction(ctx, tx)
		if isAlreadyKnown(err) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

// PendingNonceAt 供 nonce.Manager 探测
func (c *Client) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	return call(ctx, c, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return c.eth.PendingNonceAt(ctx, common.HexToAddress(address))
	})
}
