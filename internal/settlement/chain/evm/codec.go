package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/netting"
)

func tokenAddress(sym domain.Symbol) common.Address {
	if sym.ContractAddress == "" {
		return common.Address{}
	}
	return common.HexToAddress(sym.ContractAddress)
}

// TradeHash 合约里用 keccak256(tradeId) 标识成交
func TradeHash(tradeID string) string {
	return hex.EncodeToString(crypto.Keccak256([]byte(tradeID)))
}

// encodeSettlement 同一份 netting 得到同一个 payload：币种、钱包、交易者都排过序
func encodeSettlement(reg *domain.Registry, n *netting.ChainNetting) ([]byte, common.Hash, error) {
	symbols := n.Symbols()
	tokens := make([]common.Address, 0, len(symbols))
	wallets := make([][]common.Address, 0, len(symbols))
	amounts := make([][]*big.Int, 0, len(symbols))

	for _, s := range symbols {
		sym, ok := reg.Symbol(s)
		if !ok || sym.Chain != n.Chain {
			return nil, common.Hash{}, fmt.Errorf("symbol %s not on chain %s", s, n.Chain)
		}
		ws := n.Wallets(s)
		addrs := make([]common.Address, 0, len(ws))
		deltas := make([]*big.Int, 0, len(ws))
		for _, w := range ws {
			if !common.IsHexAddress(w) {
				return nil, common.Hash{}, fmt.Errorf("invalid wallet %q", w)
			}
			addrs = append(addrs, common.HexToAddress(w))
			deltas = append(deltas, n.Adjustments[s][w].BigInt())
		}
		tokens = append(tokens, tokenAddress(sym))
		wallets = append(wallets, addrs)
		amounts = append(amounts, deltas)
	}

	traderKeys := make([]string, 0, len(n.WalletTrades))
	for w := range n.WalletTrades {
		traderKeys = append(traderKeys, w)
	}
	sort.Strings(traderKeys)

	traders := make([]common.Address, 0, len(traderKeys))
	tradeHashes := make([][][32]byte, 0, len(traderKeys))
	for _, w := range traderKeys {
		traders = append(traders, common.HexToAddress(w))
		ids := n.WalletTrades[w]
		hs := make([][32]byte, 0, len(ids))
		for _, id := range ids {
			hs = append(hs, [32]byte(crypto.Keccak256Hash([]byte(id))))
		}
		tradeHashes = append(tradeHashes, hs)
	}

	payload, err := settlementArgs.Pack(tokens, wallets, amounts, traders, tradeHashes)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("pack settlement: %w", err)
	}
	return payload, crypto.Keccak256Hash(payload), nil
}

func encodeWithdrawal(reg *domain.Registry, w *domain.Withdrawal) ([]byte, error) {
	sym, ok := reg.Symbol(w.Symbol)
	if !ok || sym.Chain != w.Chain {
		return nil, fmt.Errorf("symbol %s not on chain %s", w.Symbol, w.Chain)
	}
	sig, err := hex.DecodeString(trim0x(w.Signature))
	if err != nil {
		return nil, fmt.Errorf("withdrawal %d signature: %w", w.ID, err)
	}
	return withdrawalArgs.Pack(
		uint64(w.ID),
		common.HexToAddress(w.Wallet),
		tokenAddress(sym),
		w.Amount.BigInt(),
		w.Nonce,
		sig,
	)
}

func withdrawalBatchHash(payloads [][]byte) (common.Hash, error) {
	packed, err := withdrawalBatchArgs.Pack(payloads)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func toDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

type depositLog struct {
	From   common.Address
	Token  common.Address
	Amount *big.Int
}

func decodeDeposit(l *types.Log) (*depositLog, error) {
	if len(l.Topics) != 3 {
		return nil, fmt.Errorf("deposit log: want 3 topics, got %d", len(l.Topics))
	}
	vals, err := contractABI.Unpack("Deposit", l.Data)
	if err != nil {
		return nil, err
	}
	return &depositLog{
		From:   common.BytesToAddress(l.Topics[1].Bytes()),
		Token:  common.BytesToAddress(l.Topics[2].Bytes()),
		Amount: vals[0].(*big.Int),
	}, nil
}

func decodeLinkedSigner(l *types.Log) (wallet, signer common.Address, err error) {
	if len(l.Topics) != 2 {
		return wallet, signer, fmt.Errorf("linked signer log: want 2 topics, got %d", len(l.Topics))
	}
	vals, err := contractABI.Unpack("LinkedSignerChanged", l.Data)
	if err != nil {
		return wallet, signer, err
	}
	return common.BytesToAddress(l.Topics[1].Bytes()), vals[0].(common.Address), nil
}

type withdrawalRequestLog struct {
	Sender common.Address
	Token  common.Address
	Amount *big.Int
}

func decodeWithdrawalRequested(l *types.Log) (*withdrawalRequestLog, error) {
	if len(l.Topics) != 2 {
		return nil, fmt.Errorf("withdrawal request log: want 2 topics, got %d", len(l.Topics))
	}
	vals, err := contractABI.Unpack("WithdrawalRequested", l.Data)
	if err != nil {
		return nil, err
	}
	return &withdrawalRequestLog{
		Sender: common.BytesToAddress(l.Topics[1].Bytes()),
		Token:  vals[0].(common.Address),
		Amount: vals[1].(*big.Int),
	}, nil
}

type settlementFailedLog struct {
	Trader      common.Address
	TradeHashes []string
	ErrorCode   uint8
}

func decodeSettlementFailed(l *types.Log) (*settlementFailedLog, error) {
	if len(l.Topics) != 2 {
		return nil, fmt.Errorf("settlement failed log: want 2 topics, got %d", len(l.Topics))
	}
	vals, err := contractABI.Unpack("SettlementFailed", l.Data)
	if err != nil {
		return nil, err
	}
	raw := vals[0].([][32]byte)
	hashes := make([]string, 0, len(raw))
	for _, h := range raw {
		hashes = append(hashes, hex.EncodeToString(h[:]))
	}
	return &settlementFailedLog{
		Trader:      common.BytesToAddress(l.Topics[1].Bytes()),
		TradeHashes: hashes,
		ErrorCode:   vals[1].(uint8),
	}, nil
}

type withdrawalResultLog struct {
	Sequence  uint64
	Sender    common.Address
	Token     common.Address
	Amount    *big.Int
	Success   bool
	ErrorCode uint8
}

func decodeWithdrawalResult(l *types.Log) (*withdrawalResultLog, error) {
	if len(l.Topics) != 3 {
		return nil, fmt.Errorf("withdrawal result log: want 3 topics, got %d", len(l.Topics))
	}
	out := &withdrawalResultLog{
		Sequence: new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
		Sender:   common.BytesToAddress(l.Topics[2].Bytes()),
	}
	switch l.Topics[0] {
	case eventWithdrawalSucceeded:
		vals, err := contractABI.Unpack("WithdrawalSucceeded", l.Data)
		if err != nil {
			return nil, err
		}
		out.Success = true
		out.Token = vals[0].(common.Address)
		out.Amount = vals[1].(*big.Int)
	case eventWithdrawalFailed:
		vals, err := contractABI.Unpack("WithdrawalFailed", l.Data)
		if err != nil {
			return nil, err
		}
		out.Token = vals[0].(common.Address)
		out.Amount = vals[1].(*big.Int)
		out.ErrorCode = vals[3].(uint8)
	default:
		return nil, fmt.Errorf("not a withdrawal result log: %s", l.Topics[0].Hex())
	}
	return out, nil
}
