package arch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	bin "github.com/gagliardetto/binary"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/netting"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/xerr"
)

const settlementFailedLog = "settlement_failed "

// 系统程序，账户创建走它
var systemProgram = Pubkey{31: 1}

type Config struct {
	ProgramID    string `yaml:"program_id" mapstructure:"program_id"`
	ProgramState string `yaml:"program_state" mapstructure:"program_state"`
	// symbol -> token state 账户
	TokenAccounts map[string]string `yaml:"token_accounts" mapstructure:"token_accounts"`
	// mainnet | testnet3 | regtest | signet
	Network string `yaml:"network" mapstructure:"network"`
}

// viper 读出来的 map key 是小写，按注册表里的写法还原
func canonicalSymbol(reg *domain.Registry, chainName, sym string) string {
	for _, s := range reg.SymbolsOnChain(chainName) {
		if strings.EqualFold(s.Name, sym) {
			return s.Name
		}
	}
	return sym
}

func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

// IndexStore 余额槽位
type IndexStore interface {
	AssignedIndexes(ctx context.Context, symbol string, wallets []string) (map[string]uint32, error)
	RequestBalanceIndex(ctx context.Context, wallet, symbol string) error
}

// Anchor 锚定的比特币交易确认数
type Anchor interface {
	TxConfirmations(ctx context.Context, txid string) (int64, error)
}

// Engine Arch 网络的交易引擎：borsh 指令 + schnorr 签名，没有 nonce
type Engine struct {
	chain         string
	rpc           *RPC
	anchor        Anchor
	registry      *domain.Registry
	indexes       IndexStore
	key           *btcec.PrivateKey
	signer        Pubkey
	programID     Pubkey
	programState  Pubkey
	tokenAccounts map[string]Pubkey
	params        *chaincfg.Params
}

var (
	_ chain.Engine               = (*Engine)(nil)
	_ chain.SettlementBuilder    = (*Engine)(nil)
	_ chain.SettlementReadiness  = (*Engine)(nil)
	_ chain.DepositCreditBuilder = (*Engine)(nil)
	_ chain.BalanceReader        = (*Engine)(nil)
)

func NewEngine(name string, cfg Config, rpc *RPC, anchor Anchor, reg *domain.Registry, indexes IndexStore, key *btcec.PrivateKey) (*Engine, error) {
	params, err := NetParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	programID, err := ParsePubkey(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program_id: %w", err)
	}
	programState, err := ParsePubkey(cfg.ProgramState)
	if err != nil {
		return nil, fmt.Errorf("program_state: %w", err)
	}
	tokens := make(map[string]Pubkey, len(cfg.TokenAccounts))
	for sym, s := range cfg.TokenAccounts {
		pk, err := ParsePubkey(s)
		if err != nil {
			return nil, fmt.Errorf("token account %s: %w", sym, err)
		}
		tokens[canonicalSymbol(reg, name, sym)] = pk
	}
	return &Engine{
		chain:         name,
		rpc:           rpc,
		anchor:        anchor,
		registry:      reg,
		indexes:       indexes,
		key:           key,
		signer:        PubkeyFromKey(key.PubKey()),
		programID:     programID,
		programState:  programState,
		tokenAccounts: tokens,
		params:        params,
	}, nil
}

func (e *Engine) Chain() string { return e.chain }

func (e *Engine) Submit(ctx context.Context, tx *domain.ChainTransaction) error {
	var msg Message
	if err := bin.UnmarshalBorsh(&msg, tx.CallData); err != nil {
		return xerr.Wrap(xerr.KindInvariant, fmt.Errorf("decode message: %w", err))
	}
	signed, txid, err := signMessage(e.key, msg)
	if err != nil {
		return err
	}
	got, err := e.rpc.SendTransaction(ctx, signed)
	if err != nil {
		return err
	}
	if got != "" && got != txid {
		logger.Warn(ctx, "arch txid differs from local hash", zap.String("local", txid), zap.String("node", got))
		txid = got
	}
	tx.TxHash = &txid
	tx.Sender = e.signer.String()

	logger.Info(ctx, "arch tx sent",
		zap.String("chain", e.chain),
		zap.Int64("id", tx.ID),
		zap.String("kind", tx.Kind.String()),
		zap.String("txid", txid),
	)
	return nil
}

func (e *Engine) PollStatus(ctx context.Context, tx *domain.ChainTransaction) (*chain.Status, error) {
	count, err := e.rpc.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	st := &chain.Status{CurrentBlock: count}
	if tx.TxHash == nil {
		return st, nil
	}
	pt, err := e.rpc.GetProcessedTransaction(ctx, *tx.TxHash)
	if err != nil {
		return nil, err
	}
	if pt == nil {
		return st, nil
	}
	st.Visible = true

	switch pt.Status.State {
	case StateProcessed:
		conf, err := e.confirmations(ctx, pt)
		if err != nil {
			return nil, err
		}
		st.Receipt = &chain.Receipt{
			Success:       true,
			BlockNumber:   count - conf + 1,
			Confirmations: conf,
			Fee:           decimal.Zero,
			Raw:           pt,
		}
	case StateFailed:
		st.Receipt = &chain.Receipt{
			Success:       false,
			BlockNumber:   count,
			Confirmations: 1,
			RevertReason:  pt.Status.Reason,
			Fee:           decimal.Zero,
			Raw:           pt,
		}
	}
	return st, nil
}

// confirmations 取所有锚定交易里最小的确认数；没有锚定信息按 1 算
func (e *Engine) confirmations(ctx context.Context, pt *ProcessedTransaction) (int64, error) {
	if e.anchor == nil || len(pt.BitcoinTxIDs) == 0 {
		return 1, nil
	}
	min := int64(-1)
	for _, txid := range pt.BitcoinTxIDs {
		n, err := e.anchor.TxConfirmations(ctx, txid)
		if err != nil {
			return 0, err
		}
		if min < 0 || n < min {
			min = n
		}
	}
	return min, nil
}

func (e *Engine) ExtractOutcome(ctx context.Context, tx *domain.ChainTransaction, r *chain.Receipt) (*chain.Outcome, error) {
	out := &chain.Outcome{}
	pt, _ := r.Raw.(*ProcessedTransaction)
	if pt == nil && tx.TxHash != nil {
		// 重启后补结果时没有原始回执，重新查一次
		var err error
		if pt, err = e.rpc.GetProcessedTransaction(ctx, *tx.TxHash); err != nil {
			return nil, err
		}
	}
	if pt == nil {
		return out, nil
	}
	out.FailedTrades = failedTradesFromLogs(pt.Logs)
	return out, nil
}

func failedTradesFromLogs(logs []string) []string {
	var out []string
	for _, l := range logs {
		if i := strings.Index(l, settlementFailedLog); i >= 0 {
			h := strings.TrimSpace(l[i+len(settlementFailedLog):])
			if h != "" {
				out = append(out, strings.ToLower(h))
			}
		}
	}
	return out
}

func (e *Engine) AuthoritativeBatchHash(ctx context.Context, kind domain.ChainTxKind) (string, bool, error) {
	switch kind {
	case domain.KindSettlementPrepare, domain.KindSettlementRollback, domain.KindSettlementSubmit,
		domain.KindDepositCredit, domain.KindWithdrawalBatch:
	default:
		return "", false, nil
	}
	st, err := e.readProgramState(ctx)
	if err != nil {
		return "", false, err
	}
	var h [32]byte
	switch kind {
	case domain.KindSettlementPrepare, domain.KindSettlementRollback:
		h = st.SettlementBatchHash
	case domain.KindSettlementSubmit:
		h = st.LastSettlementBatchHash
	case domain.KindDepositCredit:
		h = st.LastDepositBatchHash
	case domain.KindWithdrawalBatch:
		h = st.LastWithdrawalBatchHash
	}
	return hex.EncodeToString(h[:]), true, nil
}

// ClearNonce Arch 交易没有 nonce
func (e *Engine) ClearNonce(context.Context) error { return nil }

func (e *Engine) readProgramState(ctx context.Context) (*ProgramState, error) {
	info, err := e.rpc.ReadAccountInfo(ctx, e.programState)
	if err != nil {
		return nil, err
	}
	raw, err := info.Bytes()
	if err != nil {
		return nil, err
	}
	return decodeProgramState(raw)
}

func (e *Engine) readTokenState(ctx context.Context, symbol string) (*TokenState, error) {
	acct, ok := e.tokenAccounts[symbol]
	if !ok {
		return nil, fmt.Errorf("no token state account for %s", symbol)
	}
	info, err := e.rpc.ReadAccountInfo(ctx, acct)
	if err != nil {
		return nil, err
	}
	raw, err := info.Bytes()
	if err != nil {
		return nil, err
	}
	return decodeTokenState(raw)
}

func (e *Engine) newTx(kind domain.ChainTxKind, ixs []Instruction, batchHash *string) (*domain.ChainTransaction, error) {
	data, err := bin.MarshalBorsh(&Message{Signers: []Pubkey{e.signer}, Instructions: ixs})
	if err != nil {
		return nil, err
	}
	return &domain.ChainTransaction{
		Chain:     e.chain,
		Kind:      kind,
		Status:    domain.ChainTxPending,
		Sender:    e.signer.String(),
		To:        e.programID.String(),
		Value:     decimal.Zero,
		CallData:  data,
		BatchHash: batchHash,
	}, nil
}

func (e *Engine) TradeHash(tradeID string) string {
	h := sha256.Sum256([]byte(tradeID))
	return hex.EncodeToString(h[:])
}

// EnsureReady 结算涉及的钱包都要先有槽位；缺的先申请，本轮不结算
func (e *Engine) EnsureReady(ctx context.Context, n *netting.ChainNetting) (bool, error) {
	ready := true
	for _, ws := range n.Touched() {
		got, err := e.indexes.AssignedIndexes(ctx, ws.Symbol, []string{ws.Wallet})
		if err != nil {
			return false, err
		}
		if _, ok := got[ws.Wallet]; ok {
			continue
		}
		ready = false
		if err := e.indexes.RequestBalanceIndex(ctx, ws.Wallet, ws.Symbol); err != nil {
			return false, err
		}
	}
	return ready, nil
}

func (e *Engine) EncodeSettlement(ctx context.Context, n *netting.ChainNetting) ([]byte, string, error) {
	var payload SettlementPayload
	for _, s := range n.Symbols() {
		if _, ok := e.tokenAccounts[s]; !ok {
			return nil, "", xerr.Wrapf(xerr.KindInvariant, "no token state account for %s", s)
		}
		wallets := n.Wallets(s)
		idx, err := e.indexes.AssignedIndexes(ctx, s, wallets)
		if err != nil {
			return nil, "", err
		}
		ta := TokenAdjustments{Symbol: s}
		for _, w := range wallets {
			slot, ok := idx[w]
			if !ok {
				return nil, "", xerr.Wrapf(xerr.KindInvariant, "missing balance index for %s/%s", w, s)
			}
			d := n.Adjustments[s][w]
			if !d.Equal(decimal.NewFromInt(d.IntPart())) {
				return nil, "", xerr.Wrapf(xerr.KindInvariant, "adjustment %s for %s/%s overflows int64", d, w, s)
			}
			ta.Adjustments = append(ta.Adjustments, Adjustment{Index: slot, Delta: d.IntPart()})
		}
		payload.Tokens = append(payload.Tokens, ta)
	}

	traders := make([]string, 0, len(n.WalletTrades))
	for w := range n.WalletTrades {
		traders = append(traders, w)
	}
	sort.Strings(traders)
	for _, w := range traders {
		pk, err := WalletPubkey(w, e.params)
		if err != nil {
			return nil, "", xerr.Wrap(xerr.KindInvariant, err)
		}
		tt := TraderTrades{Wallet: pk}
		for _, id := range n.WalletTrades[w] {
			tt.TradeHashes = append(tt.TradeHashes, sha256.Sum256([]byte(id)))
		}
		payload.Traders = append(payload.Traders, tt)
	}

	raw, err := bin.MarshalBorsh(&payload)
	if err != nil {
		return nil, "", err
	}
	return raw, payloadHash(raw), nil
}

func (e *Engine) settlementInstruction(op uint8, payload []byte) (Instruction, error) {
	var p SettlementPayload
	if err := bin.UnmarshalBorsh(&p, payload); err != nil {
		return Instruction{}, xerr.Wrap(xerr.KindInvariant, fmt.Errorf("decode settlement payload: %w", err))
	}
	accounts := []AccountMeta{{Pubkey: e.programState, IsWritable: true}}
	for _, t := range p.Tokens {
		acct, ok := e.tokenAccounts[t.Symbol]
		if !ok {
			return Instruction{}, xerr.Wrapf(xerr.KindInvariant, "no token state account for %s", t.Symbol)
		}
		accounts = append(accounts, AccountMeta{Pubkey: acct, IsWritable: true})
	}
	return Instruction{
		ProgramID: e.programID,
		Accounts:  accounts,
		Data:      append([]byte{op}, payload...),
	}, nil
}

func (e *Engine) BuildPrepare(_ context.Context, payload []byte, batchHash string) (*domain.ChainTransaction, error) {
	ix, err := e.settlementInstruction(opPrepareSettlement, payload)
	if err != nil {
		return nil, err
	}
	return e.newTx(domain.KindSettlementPrepare, []Instruction{ix}, &batchHash)
}

func (e *Engine) BuildSubmit(_ context.Context, payload []byte, batchHash string) (*domain.ChainTransaction, error) {
	ix, err := e.settlementInstruction(opSubmitSettlement, payload)
	if err != nil {
		return nil, err
	}
	return e.newTx(domain.KindSettlementSubmit, []Instruction{ix}, &batchHash)
}

// BuildRollback 回滚后程序状态里的待结算哈希清零
func (e *Engine) BuildRollback(context.Context) (*domain.ChainTransaction, error) {
	accounts := []AccountMeta{{Pubkey: e.programState, IsWritable: true}}
	symbols := make([]string, 0, len(e.tokenAccounts))
	for s := range e.tokenAccounts {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		accounts = append(accounts, AccountMeta{Pubkey: e.tokenAccounts[s], IsWritable: true})
	}
	data, err := encodeInstruction(opRollbackSettlement, nil)
	if err != nil {
		return nil, err
	}
	zero := hex.EncodeToString(make([]byte, 32))
	return e.newTx(domain.KindSettlementRollback, []Instruction{{ProgramID: e.programID, Accounts: accounts, Data: data}}, &zero)
}

// BuildDepositCredit 一笔交易只入一个币种
func (e *Engine) BuildDepositCredit(ctx context.Context, deposits []*domain.Deposit) (*domain.ChainTransaction, error) {
	if len(deposits) == 0 {
		return nil, fmt.Errorf("empty deposit batch")
	}
	symbol := deposits[0].Symbol
	acct, ok := e.tokenAccounts[symbol]
	if !ok {
		return nil, xerr.Wrapf(xerr.KindInvariant, "no token state account for %s", symbol)
	}
	wallets := make([]string, 0, len(deposits))
	for _, d := range deposits {
		if d.Symbol != symbol {
			return nil, fmt.Errorf("deposit batch mixes %s and %s", symbol, d.Symbol)
		}
		wallets = append(wallets, d.Wallet)
	}
	idx, err := e.indexes.AssignedIndexes(ctx, symbol, wallets)
	if err != nil {
		return nil, err
	}

	args := batchDepositArgs{Deposits: make([]DepositEntry, 0, len(deposits))}
	for _, d := range deposits {
		slot, ok := idx[d.Wallet]
		if !ok {
			return nil, xerr.Wrapf(xerr.KindInvariant, "missing balance index for %s/%s", d.Wallet, symbol)
		}
		if !d.Amount.IsPositive() || !d.Amount.Equal(decimal.NewFromInt(d.Amount.IntPart())) {
			return nil, xerr.Wrapf(xerr.KindInvariant, "deposit %d amount %s out of range", d.ID, d.Amount)
		}
		args.Deposits = append(args.Deposits, DepositEntry{Index: slot, Amount: uint64(d.Amount.IntPart())})
	}
	raw, err := bin.MarshalBorsh(&args)
	if err != nil {
		return nil, err
	}
	hash := payloadHash(raw)
	ix := Instruction{
		ProgramID: e.programID,
		Accounts: []AccountMeta{
			{Pubkey: e.programState, IsWritable: true},
			{Pubkey: acct, IsWritable: true},
		},
		Data: append([]byte{opBatchDeposit}, raw...),
	}
	return e.newTx(domain.KindDepositCredit, []Instruction{ix}, &hash)
}

// BuildIndexAssign 把钱包追加到 token state 的余额数组里
func (e *Engine) BuildIndexAssign(_ context.Context, symbol string, wallets []string) (*domain.ChainTransaction, error) {
	acct, ok := e.tokenAccounts[symbol]
	if !ok {
		return nil, xerr.Wrapf(xerr.KindInvariant, "no token state account for %s", symbol)
	}
	args := assignIndexesArgs{Wallets: make([]Pubkey, 0, len(wallets))}
	for _, w := range wallets {
		pk, err := WalletPubkey(w, e.params)
		if err != nil {
			return nil, err
		}
		args.Wallets = append(args.Wallets, pk)
	}
	data, err := encodeInstruction(opAssignBalanceIndexes, &args)
	if err != nil {
		return nil, err
	}
	return e.newTx(domain.KindIndexAssign, []Instruction{{
		ProgramID: e.programID,
		Accounts:  []AccountMeta{{Pubkey: acct, IsWritable: true}},
		Data:      data,
	}}, nil)
}

// ReadIndexes 从 token state 读钱包的槽位，没分到的不返回
func (e *Engine) ReadIndexes(ctx context.Context, symbol string, wallets []string) (map[string]uint32, error) {
	st, err := e.readTokenState(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(wallets))
	for _, w := range wallets {
		pk, err := WalletPubkey(w, e.params)
		if err != nil {
			continue
		}
		if slot, ok := st.IndexOf(pk); ok {
			out[w] = slot
		}
	}
	return out, nil
}

func (e *Engine) BuildAccountCreate(_ context.Context, a *Account) (*domain.ChainTransaction, error) {
	pk, err := ParsePubkey(a.Pubkey)
	if err != nil {
		return nil, err
	}
	var fundingTx [32]byte
	raw, err := hex.DecodeString(a.FundingTxID)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("arch account %d: bad funding txid %q", a.ID, a.FundingTxID)
	}
	copy(fundingTx[:], raw)

	data, err := encodeInstruction(0, &struct {
		Txid  [32]byte
		Vout  uint32
		Owner Pubkey
	}{Txid: fundingTx, Vout: a.FundingVout, Owner: e.programID})
	if err != nil {
		return nil, err
	}
	return e.newTx(domain.KindAccountCreate, []Instruction{{
		ProgramID: systemProgram,
		Accounts:  []AccountMeta{{Pubkey: pk, IsSigner: true, IsWritable: true}},
		Data:      data,
	}}, nil)
}

func (e *Engine) BuildAccountInit(_ context.Context, a *Account) (*domain.ChainTransaction, error) {
	pk, err := ParsePubkey(a.Pubkey)
	if err != nil {
		return nil, err
	}
	var (
		data     []byte
		accounts []AccountMeta
	)
	switch k := a.Kind.(type) {
	case ProgramStateAccount:
		fee, err := WalletPubkey(k.FeeAccount, e.params)
		if err != nil {
			return nil, fmt.Errorf("fee account: %w", err)
		}
		data, err = encodeInstruction(opInitProgramState, &initProgramStateArgs{FeeAccount: fee})
		if err != nil {
			return nil, err
		}
		accounts = []AccountMeta{{Pubkey: pk, IsWritable: true}}
	case TokenStateAccount:
		data, err = encodeInstruction(opInitTokenState, &initTokenStateArgs{Symbol: k.Symbol})
		if err != nil {
			return nil, err
		}
		accounts = []AccountMeta{{Pubkey: e.programState}, {Pubkey: pk, IsWritable: true}}
	default:
		return nil, fmt.Errorf("%w: %T has no init step", ErrInvalidTransition, a.Kind)
	}
	return e.newTx(domain.KindAccountInit, []Instruction{{ProgramID: e.programID, Accounts: accounts, Data: data}}, nil)
}

// ReadBalances Arch 只能读最新状态，atBlock 忽略
func (e *Engine) ReadBalances(ctx context.Context, pairs []netting.WalletSymbol, _ int64) (map[netting.WalletSymbol]decimal.Decimal, error) {
	bySymbol := make(map[string][]string)
	for _, p := range pairs {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p.Wallet)
	}
	out := make(map[netting.WalletSymbol]decimal.Decimal, len(pairs))
	for symbol, wallets := range bySymbol {
		st, err := e.readTokenState(ctx, symbol)
		if err != nil {
			return nil, err
		}
		idx, err := e.indexes.AssignedIndexes(ctx, symbol, wallets)
		if err != nil {
			return nil, err
		}
		for _, w := range wallets {
			slot, ok := idx[w]
			if !ok || int(slot) >= len(st.Balances) {
				return nil, xerr.Wrapf(xerr.KindInvariant, "no on-chain balance slot for %s/%s", w, symbol)
			}
			out[netting.WalletSymbol{Wallet: w, Symbol: symbol}] = decimal.NewFromInt(int64(st.Balances[slot].Balance))
		}
	}
	return out, nil
}

// ValidateWallet Arch 上只有 taproot 钱包能分配槽位
func (e *Engine) ValidateWallet(wallet string) error {
	_, err := WalletPubkey(wallet, e.params)
	return err
}
