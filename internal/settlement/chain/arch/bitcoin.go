package arch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/ratelimit"
	"settlex.com/pkg/xerr"
)

type BitcoinConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	// 程序的充值地址 (taproot)
	DepositAddress string `yaml:"deposit_address" mapstructure:"deposit_address"`
	// 需要跟踪 UTXO 的地址（账户注资、手续费钱包）
	WatchAddresses []string `yaml:"watch_addresses" mapstructure:"watch_addresses"`
}

// Bitcoin Arch 锚定的比特币节点：扫块找充值、查确认数
type Bitcoin struct {
	chain    string
	client   *rpcclient.Client
	params   *chaincfg.Params
	registry *domain.Registry
	limiter  *ratelimit.Store
	breakers *ratelimit.Manager

	depositAddress string
	watch          map[string]struct{}
}

var (
	_ Anchor                = (*Bitcoin)(nil)
	_ chain.DepositVerifier = (*Bitcoin)(nil)
)

func NewBitcoin(chainName string, cfg BitcoinConfig, params *chaincfg.Params, reg *domain.Registry, limiter *ratelimit.Store, breakers *ratelimit.Manager) (*Bitcoin, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true, // bitcoind 只支持 POST
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, err
	}
	b := &Bitcoin{
		chain:          chainName,
		client:         client,
		params:         params,
		registry:       reg,
		limiter:        limiter,
		breakers:       breakers,
		depositAddress: cfg.DepositAddress,
		watch:          make(map[string]struct{}, len(cfg.WatchAddresses)+1),
	}
	b.watch[cfg.DepositAddress] = struct{}{}
	for _, a := range cfg.WatchAddresses {
		b.watch[a] = struct{}{}
	}
	return b, nil
}

func (b *Bitcoin) Close() { b.client.Shutdown() }

func (b *Bitcoin) Chain() string { return b.chain }

func (b *Bitcoin) do(ctx context.Context, method string, fn func() error) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx, b.chain+".btc"); err != nil {
			return xerr.Wrap(xerr.KindTransient, err)
		}
	}
	// 查不到交易是正常结果，不算熔断失败
	var noTx error
	run := func() error {
		if err := fn(); err != nil {
			if isNoTx(err) {
				noTx = err
				return nil
			}
			return xerr.Wrap(xerr.KindTransient, fmt.Errorf("%s: %w", method, err))
		}
		return nil
	}
	var err error
	if b.breakers == nil {
		err = run()
	} else {
		err = b.breakers.Execute(b.chain+".btc", run)
	}
	if err == nil && noTx != nil {
		return noTx
	}
	return err
}

// isNoTx 节点上查不到这笔交易
func isNoTx(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo
}

func (b *Bitcoin) GetBlockHeight(ctx context.Context) (int64, error) {
	var n int64
	err := b.do(ctx, "getblockcount", func() (err error) {
		n, err = b.client.GetBlockCount()
		return err
	})
	return n, err
}

func (b *Bitcoin) FetchBlock(ctx context.Context, height int64) (*domain.StandardBlock, error) {
	var raw *btcjson.GetBlockVerboseTxResult
	err := b.do(ctx, "getblock", func() error {
		hash, err := b.client.GetBlockHash(height)
		if err != nil {
			return err
		}
		raw, err = b.client.GetBlockVerboseTx(hash)
		return err
	})
	if err != nil {
		return nil, err
	}

	block := &domain.StandardBlock{
		Height:     raw.Height,
		Hash:       raw.Hash,
		ParentHash: raw.PreviousHash,
		Time:       raw.Time,
	}
	for i := range raw.Tx {
		if err := b.collectTx(ctx, block, &raw.Tx[i]); err != nil {
			return nil, err
		}
	}
	return block, nil
}

func (b *Bitcoin) nativeSymbol() (string, bool) {
	for _, s := range b.registry.SymbolsOnChain(b.chain) {
		if s.ContractAddress == "" {
			return s.Name, true
		}
	}
	return "", false
}

func (b *Bitcoin) collectTx(ctx context.Context, block *domain.StandardBlock, tx *btcjson.TxRawResult) error {
	deposited := int64(0)
	for _, vout := range tx.Vout {
		addr, ok := b.outputAddress(vout)
		if !ok {
			continue
		}
		if _, watched := b.watch[addr]; !watched {
			continue
		}
		sats, err := btcutil.NewAmount(vout.Value)
		if err != nil {
			continue
		}
		block.Outputs = append(block.Outputs, domain.ObservedOutput{
			TxID:    tx.Txid,
			Vout:    vout.N,
			Address: addr,
			Amount:  decimal.NewFromInt(int64(sats)),
		})
		if addr == b.depositAddress {
			deposited += int64(sats)
		}
	}
	for _, vin := range tx.Vin {
		if vin.IsCoinBase() {
			continue
		}
		block.Spends = append(block.Spends, domain.OutPoint{TxID: vin.Txid, Vout: vin.Vout, SpentBy: tx.Txid})
	}

	if deposited == 0 || len(tx.Vin) == 0 || tx.Vin[0].IsCoinBase() {
		return nil
	}
	symbol, ok := b.nativeSymbol()
	if !ok {
		return nil
	}
	// 充值人 = 第一个输入花掉的那个输出的地址
	sender, err := b.prevoutAddress(ctx, tx.Vin[0].Txid, tx.Vin[0].Vout)
	if err != nil {
		if xerr.KindOf(err) == xerr.KindTransient {
			return err
		}
		logger.Warn(ctx, "deposit without sender address", zap.String("tx", tx.Txid), zap.Error(err))
		return nil
	}
	block.Deposits = append(block.Deposits, domain.ObservedDeposit{
		TxHash: tx.Txid,
		Wallet: sender,
		Symbol: symbol,
		Amount: decimal.NewFromInt(deposited),
	})
	return nil
}

func (b *Bitcoin) outputAddress(vout btcjson.Vout) (string, bool) {
	script, err := hex.DecodeString(vout.ScriptPubKey.Hex)
	if err != nil {
		return "", false
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, b.params)
	if err != nil || len(addrs) == 0 {
		return "", false
	}
	return addrs[0].EncodeAddress(), true
}

func (b *Bitcoin) rawTx(ctx context.Context, txid string) (*btcjson.TxRawResult, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, xerr.Wrap(xerr.KindClient, err)
	}
	var out *btcjson.TxRawResult
	err = b.do(ctx, "getrawtransaction", func() (err error) {
		out, err = b.client.GetRawTransactionVerbose(h)
		return err
	})
	return out, err
}

func (b *Bitcoin) prevoutAddress(ctx context.Context, txid string, n uint32) (string, error) {
	prev, err := b.rawTx(ctx, txid)
	if err != nil {
		return "", err
	}
	for _, v := range prev.Vout {
		if v.N == n {
			if addr, ok := b.outputAddress(v); ok {
				return addr, nil
			}
			break
		}
	}
	return "", fmt.Errorf("prevout %s:%d has no address", txid, n)
}

func (b *Bitcoin) TxConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := b.rawTx(ctx, txid)
	if isNoTx(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(tx.Confirmations), nil
}

// VerifyDeposit 回查充值交易：确认数和打到充值地址的金额
func (b *Bitcoin) VerifyDeposit(ctx context.Context, d *domain.Deposit) (*chain.DepositReceipt, error) {
	tx, err := b.rawTx(ctx, d.TxHash)
	if isNoTx(err) {
		return &chain.DepositReceipt{}, nil
	}
	if err != nil {
		return nil, err
	}
	r := &chain.DepositReceipt{
		Found:         true,
		Success:       true, // 比特币交易没有执行失败
		BlockHash:     tx.BlockHash,
		Confirmations: int64(tx.Confirmations),
		Amount:        decimal.Zero,
	}
	if r.Confirmations > 0 {
		tip, err := b.GetBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		r.BlockNumber = tip - r.Confirmations + 1
	}
	for _, v := range tx.Vout {
		if addr, ok := b.outputAddress(v); ok && addr == b.depositAddress {
			sats, err := btcutil.NewAmount(v.Value)
			if err != nil {
				continue
			}
			r.Amount = r.Amount.Add(decimal.NewFromInt(int64(sats)))
		}
	}
	return r, nil
}
