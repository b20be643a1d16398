package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
)

// BlockSource 按块拉合约事件，归一化成 StandardBlock
type BlockSource struct {
	chain    string
	client   *Client
	registry *domain.Registry
	contract common.Address
}

func NewBlockSource(chain string, client *Client, reg *domain.Registry, contract string) *BlockSource {
	return &BlockSource{chain: chain, client: client, registry: reg, contract: common.HexToAddress(contract)}
}

func (s *BlockSource) Chain() string { return s.chain }

func (s *BlockSource) GetBlockHeight(ctx context.Context) (int64, error) {
	return s.client.BlockNumber(ctx)
}

func (s *BlockSource) FetchBlock(ctx context.Context, height int64) (*domain.StandardBlock, error) {
	header, err := s.client.HeaderByNumber(ctx, big.NewInt(height))
	if err != nil {
		return nil, fmt.Errorf("eth get header %d: %w", height, err)
	}
	// 按块哈希过滤，日志和头一定来自同一个块
	hash := header.Hash()
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &hash,
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{eventDeposit, eventLinkedSigner, eventWithdrawalRequested}},
	})
	if err != nil {
		return nil, fmt.Errorf("eth get logs %d: %w", height, err)
	}

	block := &domain.StandardBlock{
		Height:     height,
		Hash:       hash.Hex(),
		ParentHash: header.ParentHash.Hex(),
		Time:       int64(header.Time),
	}
	s.collect(ctx, block, logs)
	return block, nil
}

func (s *BlockSource) collect(ctx context.Context, block *domain.StandardBlock, logs []types.Log) {
	// 同一笔交易只记一条充值（充值以交易哈希为唯一键）
	seen := make(map[string]int, len(logs))

	for i := range logs {
		l := &logs[i]
		if l.Removed || len(l.Topics) == 0 {
			continue
		}
		txHash := l.TxHash.Hex()

		switch l.Topics[0] {
		case eventDeposit:
			ev, err := decodeDeposit(l)
			if err != nil {
				logger.Warn(ctx, "bad deposit log", zap.String("tx", txHash), zap.Error(err))
				continue
			}
			sym, ok := s.registry.SymbolByContract(s.chain, ev.Token.Hex())
			if !ok {
				logger.Warn(ctx, "deposit of unknown token", zap.String("tx", txHash), zap.String("token", ev.Token.Hex()))
				continue
			}
			wallet := ev.From.Hex()
			if idx, dup := seen[txHash]; dup {
				prev := &block.Deposits[idx]
				if prev.Wallet == wallet && prev.Symbol == sym.Name {
					prev.Amount = prev.Amount.Add(toDecimal(ev.Amount))
				} else {
					logger.Warn(ctx, "multiple deposits in one tx, keeping first", zap.String("tx", txHash))
				}
				continue
			}
			seen[txHash] = len(block.Deposits)
			block.Deposits = append(block.Deposits, domain.ObservedDeposit{
				TxHash: txHash,
				Wallet: wallet,
				Symbol: sym.Name,
				Amount: toDecimal(ev.Amount),
			})

		case eventLinkedSigner:
			wallet, signer, err := decodeLinkedSigner(l)
			if err != nil {
				logger.Warn(ctx, "bad linked signer log", zap.String("tx", txHash), zap.Error(err))
				continue
			}
			block.LinkedSigners = append(block.LinkedSigners, domain.ObservedLinkedSigner{
				TxHash:   txHash,
				LogIndex: l.Index,
				Wallet:   wallet.Hex(),
				Signer:   signer.Hex(),
			})

		case eventWithdrawalRequested:
			ev, err := decodeWithdrawalRequested(l)
			if err != nil {
				logger.Warn(ctx, "bad withdrawal request log", zap.String("tx", txHash), zap.Error(err))
				continue
			}
			sym, ok := s.registry.SymbolByContract(s.chain, ev.Token.Hex())
			if !ok {
				continue
			}
			block.SovereignWithdrawals = append(block.SovereignWithdrawals, domain.ObservedSovereignWithdrawal{
				TxHash:   txHash,
				LogIndex: l.Index,
				Wallet:   ev.Sender.Hex(),
				Symbol:   sym.Name,
				Amount:   toDecimal(ev.Amount),
			})
		}
	}
}
