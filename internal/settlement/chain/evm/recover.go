package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/xerr"
)

var _ chain.OutcomeRecoverer = (*Engine)(nil)

// recoverFilter 从调用数据还原一笔批次交易涉及的条目
type recoverFilter struct {
	topics      [][]common.Hash
	sequences   map[int64]bool
	tradeHashes map[string]bool
}

func sequenceTopic(seq uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(seq))
}

// newRecoverFilter 不涉及逐笔结果的交易返回 nil
func newRecoverFilter(tx *domain.ChainTransaction) (*recoverFilter, error) {
	if len(tx.CallData) < 4 {
		return nil, nil
	}
	method, err := contractABI.MethodById(tx.CallData[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(tx.CallData[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method.Name, err)
	}

	switch method.Name {
	case "submitWithdrawals":
		payloads := args[0].([][]byte)
		f := &recoverFilter{sequences: make(map[int64]bool, len(payloads))}
		seqs := make([]common.Hash, 0, len(payloads))
		for _, p := range payloads {
			vals, err := withdrawalArgs.Unpack(p)
			if err != nil {
				return nil, fmt.Errorf("unpack withdrawal: %w", err)
			}
			seq := vals[0].(uint64)
			f.sequences[int64(seq)] = true
			seqs = append(seqs, sequenceTopic(seq))
		}
		f.topics = [][]common.Hash{{eventWithdrawalSucceeded, eventWithdrawalFailed}, seqs}
		return f, nil
	case "prepareSettlementBatch", "submitSettlementBatch":
		vals, err := settlementArgs.Unpack(args[0].([]byte))
		if err != nil {
			return nil, fmt.Errorf("unpack settlement: %w", err)
		}
		f := &recoverFilter{
			topics:      [][]common.Hash{{eventSettlementFailed}},
			tradeHashes: make(map[string]bool),
		}
		for _, hs := range vals[4].([][][32]byte) {
			for _, h := range hs {
				f.tradeHashes[common.Bytes2Hex(h[:])] = true
			}
		}
		return f, nil
	}
	return nil, nil
}

// keep 只留下属于这批的条目，同一合约上其他批次的事件丢掉
func (f *recoverFilter) keep(out *chain.Outcome) *chain.Outcome {
	kept := &chain.Outcome{}
	for _, h := range out.FailedTrades {
		if f.tradeHashes[h] {
			kept.FailedTrades = append(kept.FailedTrades, h)
		}
	}
	for seq, wo := range out.Withdrawals {
		if !f.sequences[seq] {
			continue
		}
		if kept.Withdrawals == nil {
			kept.Withdrawals = make(map[int64]chain.WithdrawalOutcome)
		}
		kept.Withdrawals[seq] = wo
	}
	return kept
}

// RecoverOutcome 没有回执时在最近 RecoverLookback 个块里按批次条目查合约事件
func (e *Engine) RecoverOutcome(ctx context.Context, tx *domain.ChainTransaction) (*chain.Outcome, error) {
	f, err := newRecoverFilter(tx)
	if err != nil {
		return nil, xerr.Wrap(xerr.KindInvariant, err)
	}
	if f == nil {
		return &chain.Outcome{}, nil
	}

	current, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	from := current - e.cfg.RecoverLookback
	if from < 0 {
		from = 0
	}
	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(current),
		Addresses: []common.Address{e.contract},
		Topics:    f.topics,
	})
	if err != nil {
		return nil, err
	}

	ptrs := make([]*types.Log, 0, len(logs))
	for i := range logs {
		ptrs = append(ptrs, &logs[i])
	}
	out, err := e.outcomeFromLogs(ptrs)
	if err != nil {
		return nil, err
	}
	out = f.keep(out)

	logger.Info(ctx, "evm outcome recovered from events",
		zap.String("chain", e.chain),
		zap.Int64("id", tx.ID),
		zap.String("kind", tx.Kind.String()),
		zap.Int64("from_block", from),
		zap.Int("withdrawals", len(out.Withdrawals)),
		zap.Int("failed_trades", len(out.FailedTrades)),
	)
	return out, nil
}

// estimateError 预估阶段的 revert 不代表交易上链失败，按客户端错误留在 Pending 重试
func estimateError(err error) error {
	if xerr.KindOf(err) == xerr.KindRevert {
		return xerr.Wrap(xerr.KindClient, fmt.Errorf("estimate gas: %w", err))
	}
	return err
}
