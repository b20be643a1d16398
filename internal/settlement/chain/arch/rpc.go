package arch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/segmentio/encoding/json"
	"settlex.com/pkg/ratelimit"
	"settlex.com/pkg/xerr"
)

// ProcessedStatus "Processing" | "Processed" | {"Failed": "reason"}
type ProcessedStatus struct {
	State  string
	Reason string
}

const (
	StateProcessing = "Processing"
	StateProcessed  = "Processed"
	StateFailed     = "Failed"
)

func (s *ProcessedStatus) UnmarshalJSON(b []byte) error {
	var plain string
	if err := json.Unmarshal(b, &plain); err == nil {
		s.State = plain
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("processed status: %w", err)
	}
	if reason, ok := obj[StateFailed]; ok {
		s.State, s.Reason = StateFailed, reason
		return nil
	}
	return fmt.Errorf("processed status: unexpected %s", string(b))
}

type ProcessedTransaction struct {
	Status        ProcessedStatus `json:"status"`
	BitcoinTxIDs  []string        `json:"bitcoin_txids"`
	Logs          []string        `json:"logs"`
	ComputeUnits  uint64          `json:"compute_units_consumed"`
	RollbackState *string         `json:"rollback_status,omitempty"`
}

type AccountInfo struct {
	Owner        Pubkey `json:"owner"`
	Data         string `json:"data"` // hex
	Utxo         string `json:"utxo"`
	IsExecutable bool   `json:"is_executable"`
}

func (a *AccountInfo) Bytes() ([]byte, error) {
	return hex.DecodeString(a.Data)
}

// RPC Arch 节点 JSON-RPC，限速 + 熔断和 EVM 客户端一致
type RPC struct {
	chain    string
	c        *rpc.Client
	limiter  *ratelimit.Store
	breakers *ratelimit.Manager
}

func DialRPC(ctx context.Context, chain, url string, limiter *ratelimit.Store, breakers *ratelimit.Manager) (*RPC, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RPC{chain: chain, c: c, limiter: limiter, breakers: breakers}, nil
}

func (r *RPC) Close() { r.c.Close() }

func (r *RPC) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, r.chain); err != nil {
			return xerr.Wrap(xerr.KindTransient, err)
		}
	}
	run := func() error {
		if err := r.c.CallContext(ctx, result, method, args...); err != nil {
			return classify(method, err)
		}
		return nil
	}
	if r.breakers == nil {
		return run()
	}
	return r.breakers.Execute(r.chain+".rpc", run)
}

// classify 节点返回的 JSON-RPC 错误是请求本身有问题，其余当网络抖动
func classify(method string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return xerr.Wrap(xerr.KindClient, fmt.Errorf("%s: %w", method, err))
	}
	return xerr.Wrap(xerr.KindTransient, fmt.Errorf("%s: %w", method, err))
}

func (r *RPC) SendTransaction(ctx context.Context, tx *RuntimeTransaction) (string, error) {
	var txid string
	err := r.call(ctx, &txid, "send_transaction", tx)
	return txid, err
}

// GetProcessedTransaction 查不到返回 nil, nil
func (r *RPC) GetProcessedTransaction(ctx context.Context, txid string) (*ProcessedTransaction, error) {
	var out *ProcessedTransaction
	if err := r.call(ctx, &out, "get_processed_transaction", txid); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RPC) ReadAccountInfo(ctx context.Context, pubkey Pubkey) (*AccountInfo, error) {
	var out AccountInfo
	if err := r.call(ctx, &out, "read_account_info", pubkey.String()); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *RPC) GetBlockCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.call(ctx, &n, "get_block_count")
	return n, err
}

func (r *RPC) GetBestBlockHash(ctx context.Context) (string, error) {
	var h string
	err := r.call(ctx, &h, "get_best_block_hash")
	return h, err
}
