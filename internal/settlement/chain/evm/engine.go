package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/netting"
	"settlex.com/internal/settlement/nonce"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/xerr"
)

type Config struct {
	Contract string `yaml:"contract" mapstructure:"contract"`
	// 0 表示每笔都 EstimateGas
	GasLimit uint64 `yaml:"gas_limit" mapstructure:"gas_limit"`
	// 预估值上浮百分比
	GasBufferPercent uint64 `yaml:"gas_buffer_percent" mapstructure:"gas_buffer_percent"`
	// 没有回执时往回查事件的块数
	RecoverLookback int64 `yaml:"recover_lookback" mapstructure:"recover_lookback"`
}

// Engine EVM 链的交易引擎：EIP-1559 签名广播，合约事件解析批次结果
type Engine struct {
	chain    string
	cfg      Config
	client   *Client
	registry *domain.Registry
	nonces   *nonce.Manager
	key      *ecdsa.PrivateKey
	sender   common.Address
	contract common.Address
	chainID  *big.Int
}

var (
	_ chain.Engine            = (*Engine)(nil)
	_ chain.SettlementBuilder = (*Engine)(nil)
	_ chain.WithdrawalBuilder = (*Engine)(nil)
	_ chain.BalanceReader     = (*Engine)(nil)
	_ chain.DepositVerifier   = (*Engine)(nil)
)

func NewEngine(ctx context.Context, name string, cfg Config, client *Client, reg *domain.Registry, nonces *nonce.Manager, key *ecdsa.PrivateKey) (*Engine, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("%s: invalid contract address %q", name, cfg.Contract)
	}
	if cfg.GasBufferPercent == 0 {
		cfg.GasBufferPercent = 20
	}
	if cfg.RecoverLookback <= 0 {
		cfg.RecoverLookback = 5000
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: chain id: %w", name, err)
	}
	return &Engine{
		chain:    name,
		cfg:      cfg,
		client:   client,
		registry: reg,
		nonces:   nonces,
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(cfg.Contract),
		chainID:  chainID,
	}, nil
}

func (e *Engine) Chain() string  { return e.chain }
func (e *Engine) Sender() string { return e.sender.Hex() }

func (e *Engine) Submit(ctx context.Context, tx *domain.ChainTransaction) error {
	to := common.HexToAddress(tx.To)
	value := tx.Value.BigInt()

	gas := tx.GasLimit
	if gas == 0 {
		gas = e.cfg.GasLimit
	}
	if gas == 0 {
		est, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.sender, To: &to, Value: value, Data: tx.CallData})
		if err != nil {
			return estimateError(err)
		}
		gas = est + est*e.cfg.GasBufferPercent/100
	}

	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return err
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	// MaxFeePerGas = 2*BaseFee + Tip，下一个块 BaseFee 上涨也能打包
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	n, err := e.nonces.Allocate(ctx, e.sender.Hex())
	if err != nil {
		return err
	}

	signed, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     n,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      tx.CallData,
	}), types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return err
	}

	hash := signed.Hash().Hex()
	tx.TxHash = &hash
	tx.Nonce = &n
	tx.GasLimit = gas
	tx.Sender = e.sender.Hex()

	logger.Info(ctx, "evm tx broadcast",
		zap.String("chain", e.chain),
		zap.Int64("id", tx.ID),
		zap.String("kind", tx.Kind.String()),
		zap.Uint64("nonce", n),
		zap.String("hash", hash),
	)
	return nil
}

func (e *Engine) PollStatus(ctx context.Context, tx *domain.ChainTransaction) (*chain.Status, error) {
	current, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	st := &chain.Status{CurrentBlock: current}
	if tx.TxHash == nil {
		return st, nil
	}
	hash := common.HexToHash(*tx.TxHash)

	rec, err := e.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		st.Visible, err = e.client.TransactionVisible(ctx, hash)
		return st, err
	}
	if err != nil {
		return nil, err
	}

	st.Visible = true
	st.Receipt = e.toReceipt(rec, current)
	if !st.Receipt.Success {
		st.Receipt.RevertReason = e.revertReason(ctx, tx, rec)
	}
	return st, nil
}

func (e *Engine) toReceipt(rec *types.Receipt, current int64) *chain.Receipt {
	bn := rec.BlockNumber.Int64()
	price := rec.EffectiveGasPrice
	if price == nil {
		price = big.NewInt(0)
	}
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(rec.GasUsed))
	return &chain.Receipt{
		Success:           rec.Status == types.ReceiptStatusSuccessful,
		BlockNumber:       bn,
		BlockHash:         rec.BlockHash.Hex(),
		Confirmations:     chain.Confirmations(current, bn),
		GasUsed:           rec.GasUsed,
		EffectiveGasPrice: toDecimal(price),
		Fee:               toDecimal(fee),
		Raw:               rec,
	}
}

// revertReason 在回执所在块重放一次 eth_call 拿 revert data
func (e *Engine) revertReason(ctx context.Context, tx *domain.ChainTransaction, rec *types.Receipt) string {
	to := common.HexToAddress(tx.To)
	err := e.client.callRaw(ctx, ethereum.CallMsg{
		From:  e.sender,
		To:    &to,
		Gas:   tx.GasLimit,
		Value: tx.Value.BigInt(),
		Data:  tx.CallData,
	}, rec.BlockNumber)
	if err == nil {
		return "execution reverted"
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

func (e *Engine) ExtractOutcome(ctx context.Context, tx *domain.ChainTransaction, r *chain.Receipt) (*chain.Outcome, error) {
	rec, _ := r.Raw.(*types.Receipt)
	if rec == nil {
		if tx.TxHash == nil {
			return &chain.Outcome{}, nil
		}
		var err error
		if rec, err = e.client.TransactionReceipt(ctx, common.HexToHash(*tx.TxHash)); err != nil {
			return nil, err
		}
	}
	return e.outcomeFromLogs(rec.Logs)
}

func (e *Engine) outcomeFromLogs(logs []*types.Log) (*chain.Outcome, error) {
	out := &chain.Outcome{}
	for _, l := range logs {
		if l.Address != e.contract || len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case eventSettlementFailed:
			ev, err := decodeSettlementFailed(l)
			if err != nil {
				return nil, xerr.Wrap(xerr.KindInvariant, err)
			}
			out.FailedTrades = append(out.FailedTrades, ev.TradeHashes...)
		case eventWithdrawalSucceeded, eventWithdrawalFailed:
			ev, err := decodeWithdrawalResult(l)
			if err != nil {
				return nil, xerr.Wrap(xerr.KindInvariant, err)
			}
			if out.Withdrawals == nil {
				out.Withdrawals = make(map[int64]chain.WithdrawalOutcome)
			}
			wo := chain.WithdrawalOutcome{Success: ev.Success, Amount: toDecimal(ev.Amount)}
			if !ev.Success {
				wo.Error = errorCodeText(ev.ErrorCode)
			}
			out.Withdrawals[int64(ev.Sequence)] = wo
		}
	}
	return out, nil
}

func (e *Engine) AuthoritativeBatchHash(ctx context.Context, kind domain.ChainTxKind) (string, bool, error) {
	var method string
	switch kind {
	case domain.KindSettlementPrepare, domain.KindSettlementRollback:
		method = "batchHash"
	case domain.KindSettlementSubmit:
		method = "lastSettlementBatchHash"
	case domain.KindWithdrawalBatch:
		method = "lastWithdrawalBatchHash"
	default:
		return "", false, nil
	}
	vals, err := e.view(ctx, method, nil)
	if err != nil {
		return "", false, err
	}
	return common.Hash(vals[0].([32]byte)).Hex(), true, nil
}

func (e *Engine) view(ctx context.Context, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: data}, block)
	if err != nil {
		return nil, err
	}
	return contractABI.Unpack(method, out)
}

func (e *Engine) ClearNonce(ctx context.Context) error {
	return e.nonces.Clear(ctx, e.sender.Hex())
}

func (e *Engine) newTx(kind domain.ChainTxKind, data []byte, batchHash common.Hash) *domain.ChainTransaction {
	h := batchHash.Hex()
	return &domain.ChainTransaction{
		Chain:     e.chain,
		Kind:      kind,
		Status:    domain.ChainTxPending,
		Sender:    e.sender.Hex(),
		To:        e.contract.Hex(),
		Value:     decimal.Zero,
		CallData:  data,
		BatchHash: &h,
		GasLimit:  e.cfg.GasLimit,
	}
}

func (e *Engine) EncodeSettlement(_ context.Context, n *netting.ChainNetting) ([]byte, string, error) {
	payload, hash, err := encodeSettlement(e.registry, n)
	if err != nil {
		return nil, "", xerr.Wrap(xerr.KindInvariant, err)
	}
	return payload, hash.Hex(), nil
}

func (e *Engine) TradeHash(tradeID string) string { return TradeHash(tradeID) }

func (e *Engine) BuildPrepare(_ context.Context, payload []byte, batchHash string) (*domain.ChainTransaction, error) {
	data, err := contractABI.Pack("prepareSettlementBatch", payload)
	if err != nil {
		return nil, err
	}
	return e.newTx(domain.KindSettlementPrepare, data, common.HexToHash(batchHash)), nil
}

func (e *Engine) BuildSubmit(_ context.Context, payload []byte, batchHash string) (*domain.ChainTransaction, error) {
	data, err := contractABI.Pack("submitSettlementBatch", payload)
	if err != nil {
		return nil, err
	}
	return e.newTx(domain.KindSettlementSubmit, data, common.HexToHash(batchHash)), nil
}

// BuildRollback 回滚后合约里的 batchHash 清零
func (e *Engine) BuildRollback(context.Context) (*domain.ChainTransaction, error) {
	data, err := contractABI.Pack("rollbackBatch")
	if err != nil {
		return nil, err
	}
	return e.newTx(domain.KindSettlementRollback, data, zeroHash), nil
}

func (e *Engine) EncodeWithdrawal(_ context.Context, w *domain.Withdrawal) ([]byte, error) {
	return encodeWithdrawal(e.registry, w)
}

func (e *Engine) BuildWithdrawalBatch(_ context.Context, payloads [][]byte) (*domain.ChainTransaction, error) {
	data, err := contractABI.Pack("submitWithdrawals", payloads)
	if err != nil {
		return nil, err
	}
	hash, err := withdrawalBatchHash(payloads)
	if err != nil {
		return nil, err
	}
	return e.newTx(domain.KindWithdrawalBatch, data, hash), nil
}

func (e *Engine) ReadBalances(ctx context.Context, pairs []netting.WalletSymbol, atBlock int64) (map[netting.WalletSymbol]decimal.Decimal, error) {
	block := callBlock(atBlock)
	out := make(map[netting.WalletSymbol]decimal.Decimal, len(pairs))
	for _, p := range pairs {
		sym, ok := e.registry.Symbol(p.Symbol)
		if !ok || sym.Chain != e.chain {
			return nil, fmt.Errorf("symbol %s not on chain %s", p.Symbol, e.chain)
		}
		vals, err := e.view(ctx, "balances", block, common.HexToAddress(p.Wallet), tokenAddress(sym))
		if err != nil {
			return nil, err
		}
		out[p] = toDecimal(vals[0].(*big.Int))
	}
	return out, nil
}

// callBlock eth_call 的块号参数；nil 表示 latest，不能传 0（那是创世块）
func callBlock(atBlock int64) *big.Int {
	if atBlock <= chain.LatestBlock {
		return nil
	}
	return big.NewInt(atBlock)
}

// VerifyDeposit 按回执里的 Deposit 事件核对金额；同一笔交易多条事件按 (from, token) 求和
func (e *Engine) VerifyDeposit(ctx context.Context, d *domain.Deposit) (*chain.DepositReceipt, error) {
	rec, err := e.client.TransactionReceipt(ctx, common.HexToHash(d.TxHash))
	if errors.Is(err, ethereum.NotFound) {
		return &chain.DepositReceipt{}, nil
	}
	if err != nil {
		return nil, err
	}
	current, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	bn := rec.BlockNumber.Int64()
	out := &chain.DepositReceipt{
		Found:         true,
		Success:       rec.Status == types.ReceiptStatusSuccessful,
		BlockNumber:   bn,
		BlockHash:     rec.BlockHash.Hex(),
		Confirmations: chain.Confirmations(current, bn),
		Amount:        decimal.Zero,
	}
	if !out.Success {
		return out, nil
	}
	wallet := common.HexToAddress(d.Wallet)
	for _, l := range rec.Logs {
		if l.Address != e.contract || len(l.Topics) == 0 || l.Topics[0] != eventDeposit {
			continue
		}
		ev, err := decodeDeposit(l)
		if err != nil {
			return nil, xerr.Wrap(xerr.KindInvariant, err)
		}
		sym, ok := e.registry.SymbolByContract(e.chain, ev.Token.Hex())
		if !ok || ev.From != wallet || sym.Name != d.Symbol {
			continue
		}
		out.Amount = out.Amount.Add(toDecimal(ev.Amount))
	}
	return out, nil
}
