package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/chain/chaintest"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/netting"
	"settlex.com/internal/settlement/repo/mysql"
	"settlex.com/pkg/orm"
)

const (
	alice = "0xa11ce"
	bob   = "0xb0b"
	carol = "0xca401"
	dave  = "0xda7e"
	fees  = "0xfee"
)

type fakeBuilder struct {
	chain string
}

func (b *fakeBuilder) EncodeSettlement(_ context.Context, n *netting.ChainNetting) ([]byte, string, error) {
	var sb strings.Builder
	for _, s := range n.Symbols() {
		for _, w := range n.Wallets(s) {
			fmt.Fprintf(&sb, "%s:%s:%s;", s, w, n.Adjustments[s][w].String())
		}
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return []byte(sb.String()), hex.EncodeToString(sum[:]), nil
}

func (b *fakeBuilder) tx(kind domain.ChainTxKind, payload []byte, hash string) *domain.ChainTransaction {
	tx := &domain.ChainTransaction{Chain: b.chain, Kind: kind, To: "settlement", CallData: payload}
	if hash != "" {
		tx.BatchHash = &hash
	}
	return tx
}

func (b *fakeBuilder) BuildPrepare(_ context.Context, payload []byte, hash string) (*domain.ChainTransaction, error) {
	return b.tx(domain.KindSettlementPrepare, payload, hash), nil
}

func (b *fakeBuilder) BuildSubmit(_ context.Context, payload []byte, hash string) (*domain.ChainTransaction, error) {
	return b.tx(domain.KindSettlementSubmit, payload, hash), nil
}

func (b *fakeBuilder) BuildRollback(context.Context) (*domain.ChainTransaction, error) {
	return b.tx(domain.KindSettlementRollback, nil, ""), nil
}

func (b *fakeBuilder) TradeHash(tradeID string) string { return "th-" + tradeID }

type fakeBalances struct {
	mu       sync.Mutex
	onchain  map[netting.WalletSymbol]decimal.Decimal
	atBlocks []int64
}

func (f *fakeBalances) ReadBalances(_ context.Context, pairs []netting.WalletSymbol, atBlock int64) (map[netting.WalletSymbol]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.atBlocks = append(f.atBlocks, atBlock)
	out := make(map[netting.WalletSymbol]decimal.Decimal, len(pairs))
	for _, p := range pairs {
		if v, ok := f.onchain[p]; ok {
			out[p] = v
		}
	}
	return out, nil
}

type fakeSequencer struct {
	mu     sync.Mutex
	err    error
	failed map[string]string
}

func (f *fakeSequencer) FailSettlement(_ context.Context, t *domain.Trade, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.failed[t.TradeID] = reason
	return nil
}

type fixture struct {
	repo     *mysql.Repo
	engines  map[string]*chaintest.Engine
	balances map[string]*fakeBalances
	seq      *fakeSequencer
	c        *Coordinator
}

func newFixture(t *testing.T, feeAccounts map[string]string, cfg Config) *fixture {
	t.Helper()
	db, err := orm.OpenSQLiteMemory(domain.AllModels()...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	reg, err := domain.NewRegistry(
		[]domain.Symbol{
			{Name: "ETH", Chain: "ethereum", Decimals: 18},
			{Name: "USDC", Chain: "ethereum", ContractAddress: "0xc1", Decimals: 6},
			{Name: "BTC", Chain: "arch", Decimals: 8},
			{Name: "AUSD", Chain: "arch", Decimals: 6},
		},
		[]domain.Market{
			{ID: "ETH-USDC", Base: "ETH", Quote: "USDC"},
			{ID: "BTC-USDC", Base: "BTC", Quote: "USDC"},
			{ID: "BTC-AUSD", Base: "BTC", Quote: "AUSD"},
		},
		feeAccounts,
	)
	require.NoError(t, err)

	f := &fixture{
		repo:     mysql.New(db),
		engines:  map[string]*chaintest.Engine{},
		balances: map[string]*fakeBalances{},
		seq:      &fakeSequencer{failed: map[string]string{}},
	}
	chains := map[string]Chain{}
	for _, name := range []string{"ethereum", "arch"} {
		e := chaintest.NewEngine(name)
		b := &fakeBalances{onchain: map[netting.WalletSymbol]decimal.Decimal{}}
		f.engines[name], f.balances[name] = e, b
		chains[name] = Chain{
			Driver:   chain.NewDriver(e, f.repo, chain.DriverConfig{}),
			Builder:  &fakeBuilder{chain: name},
			Balances: b,
		}
	}
	f.c = New(f.repo, mysql.NewLeaseLocker(db, time.Minute), reg, chains, f.seq, nil, cfg)
	return f
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) trade(t *testing.T, id, market, buyer, seller string, amount, price string) {
	t.Helper()
	require.NoError(t, f.repo.CreateTrades(context.Background(), []*domain.Trade{{
		TradeID: id, MarketID: market, BuyerWallet: buyer, SellerWallet: seller,
		BuyOrderID: "b-" + id, SellOrderID: "s-" + id,
		Amount: d(amount), Price: d(price),
	}}))
}

func (f *fixture) tradeStatus(t *testing.T, id string) domain.TradeStatus {
	t.Helper()
	var tr domain.Trade
	require.NoError(t, f.repo.DB().Where("trade_id = ?", id).First(&tr).Error)
	return tr.SettlementStatus
}

func (f *fixture) lastBatch(t *testing.T) *domain.SettlementBatch {
	t.Helper()
	var b domain.SettlementBatch
	require.NoError(t, f.repo.DB().Order("id DESC").First(&b).Error)
	return &b
}

// run 反复 tick 直到批次结束
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := f.c.ProcessSettlementBatch(ctx)
		require.NoError(t, err)
		cur, err := f.repo.CurrentBatchForUpdate(ctx)
		require.NoError(t, err)
		if cur == nil {
			return
		}
	}
	t.Fatal("settlement batch did not finish")
}

func TestSettlement_RoundTripReplacesBalances(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")

	// 链下账本有累计误差，完成后必须以链上为准
	require.NoError(t, f.repo.CreditBalance(ctx, alice, "ETH", d("5")))
	f.balances["ethereum"].onchain = map[netting.WalletSymbol]decimal.Decimal{
		{Wallet: alice, Symbol: "ETH"}:  d("1000000000000000000"),
		{Wallet: bob, Symbol: "ETH"}:    d("0"),
		{Wallet: alice, Symbol: "USDC"}: d("7000000000"),
		{Wallet: bob, Symbol: "USDC"}:   d("3000000000"),
	}

	started, err := f.c.ProcessSettlementBatch(ctx)
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, domain.TradeSettling, f.tradeStatus(t, "t1"))

	f.run(t)

	b := f.lastBatch(t)
	assert.Equal(t, domain.BatchCompleted, b.Status)
	assert.Equal(t, 1, b.Round)
	assert.Equal(t, domain.TradeCompleted, f.tradeStatus(t, "t1"))
	assert.Equal(t, []domain.ChainTxKind{domain.KindSettlementPrepare, domain.KindSettlementSubmit}, f.engines["ethereum"].SubmittedKinds())
	assert.Empty(t, f.engines["arch"].SubmittedKinds())

	bal, err := f.repo.Balance(ctx, alice, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("1000000000000000000")), "got %s", bal)
	bal, err = f.repo.Balance(ctx, bob, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("3000000000")), "got %s", bal)
	// 回执所在块
	assert.Equal(t, []int64{100}, f.balances["ethereum"].atBlocks)

	cbs, err := f.repo.ChainBatches(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, cbs, 1)
	assert.Equal(t, domain.ChainBatchCompleted, cbs[0].Status)
	assert.NotNil(t, cbs[0].SubmitTxID)
}

func TestSettlement_CrossChainFansOut(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	f.trade(t, "t1", "BTC-USDC", alice, bob, "100000000", "60000")

	f.run(t)

	b := f.lastBatch(t)
	assert.Equal(t, domain.BatchCompleted, b.Status)
	cbs, err := f.repo.ChainBatches(context.Background(), b.ID, 1)
	require.NoError(t, err)
	require.Len(t, cbs, 2)
	for _, cb := range cbs {
		assert.Equal(t, domain.ChainBatchCompleted, cb.Status, cb.Chain)
	}
	assert.Equal(t, []domain.ChainTxKind{domain.KindSettlementPrepare, domain.KindSettlementSubmit}, f.engines["arch"].SubmittedKinds())
	assert.Equal(t, []domain.ChainTxKind{domain.KindSettlementPrepare, domain.KindSettlementSubmit}, f.engines["ethereum"].SubmittedKinds())
}

func TestSettlement_FailedTradeRollsBackAndRetries(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")
	f.trade(t, "t2", "ETH-USDC", carol, dave, "2000000000000000000", "3000")

	_, err := f.c.ProcessSettlementBatch(ctx)
	require.NoError(t, err)
	b := f.lastBatch(t)
	cbs, err := f.repo.ChainBatches(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, cbs, 1)
	f.engines["ethereum"].Outcomes[cbs[0].PrepareTxID] = &chain.Outcome{FailedTrades: []string{"th-t2"}}

	f.run(t)

	b = f.lastBatch(t)
	assert.Equal(t, domain.BatchCompleted, b.Status)
	assert.Equal(t, 2, b.Round)
	assert.Equal(t, domain.TradeCompleted, f.tradeStatus(t, "t1"))
	assert.Equal(t, domain.TradeFailed, f.tradeStatus(t, "t2"))
	assert.Contains(t, f.seq.failed, "t2")
	assert.NotContains(t, f.seq.failed, "t1")
	assert.Equal(t, []domain.ChainTxKind{
		domain.KindSettlementPrepare,
		domain.KindSettlementRollback,
		domain.KindSettlementPrepare,
		domain.KindSettlementSubmit,
	}, f.engines["ethereum"].SubmittedKinds())

	round1, err := f.repo.ChainBatches(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, round1, 1)
	assert.Equal(t, domain.ChainBatchRolledBack, round1[0].Status)
	round2, err := f.repo.ChainBatches(ctx, b.ID, 2)
	require.NoError(t, err)
	require.Len(t, round2, 1)
	assert.NotEqual(t, round1[0].BatchHash, round2[0].BatchHash)
}

func TestSettlement_RevertedPrepareFailsAllTrades(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")
	f.trade(t, "t2", "ETH-USDC", carol, dave, "1000000000000000000", "3000")

	_, err := f.c.ProcessSettlementBatch(ctx)
	require.NoError(t, err)
	cbs, err := f.repo.ChainBatches(ctx, f.lastBatch(t).ID, 1)
	require.NoError(t, err)
	f.engines["ethereum"].Reverts[cbs[0].PrepareTxID] = "Pausable: paused"

	f.run(t)

	assert.Equal(t, domain.BatchCompleted, f.lastBatch(t).Status)
	assert.Equal(t, domain.TradeFailed, f.tradeStatus(t, "t1"))
	assert.Equal(t, domain.TradeFailed, f.tradeStatus(t, "t2"))
	assert.Equal(t, "Pausable: paused", f.seq.failed["t1"])
	assert.Equal(t, []domain.ChainTxKind{domain.KindSettlementPrepare}, f.engines["ethereum"].SubmittedKinds())
}

func TestSettlement_NettingMismatchAbortsWithoutWrites(t *testing.T) {
	// 没有手续费账户，手续费腿缺失
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	require.NoError(t, f.repo.CreateTrades(ctx, []*domain.Trade{{
		TradeID: "t1", MarketID: "ETH-USDC", BuyerWallet: alice, SellerWallet: bob,
		Amount: d("1000000000000000000"), Price: d("3000"), BuyerFee: d("100"),
	}}))

	worked, err := f.c.ProcessSettlementBatch(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, netting.ErrNettingMismatch))
	assert.False(t, worked)

	cur, err := f.repo.CurrentBatchForUpdate(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
	assert.Equal(t, domain.TradePending, f.tradeStatus(t, "t1"))
	assert.Empty(t, f.engines["ethereum"].SubmittedKinds())
}

func TestSettlement_NoOpWhenLockHeld(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")

	other := mysql.NewLeaseLocker(f.repo.DB(), time.Minute)
	ok, err := other.TryAcquire(ctx, domain.GlobalBatchLockKey)
	require.NoError(t, err)
	require.True(t, ok)

	worked, err := f.c.ProcessSettlementBatch(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	cur, err := f.repo.CurrentBatchForUpdate(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
	assert.Equal(t, domain.TradePending, f.tradeStatus(t, "t1"))
}

func TestSettlement_WaitsForMinBatchOrMaxWait(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{MinBatchSize: 5, MaxBatchWait: 10 * time.Second})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")

	worked, err := f.c.ProcessSettlementBatch(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	f.c.now = func() time.Time { return time.Now().Add(time.Minute) }
	worked, err = f.c.ProcessSettlementBatch(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, domain.TradeSettling, f.tradeStatus(t, "t1"))
}

// tick 跑一轮
func (f *fixture) tick(t *testing.T) {
	t.Helper()
	_, err := f.c.ProcessSettlementBatch(context.Background())
	require.NoError(t, err)
}

func TestSettlement_RevertedPrepareOnlyFailsTradesOnThatChain(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")
	f.trade(t, "t2", "BTC-AUSD", carol, dave, "100000000", "60000")

	f.tick(t)
	cbs, err := f.repo.ChainBatches(ctx, f.lastBatch(t).ID, 1)
	require.NoError(t, err)
	require.Len(t, cbs, 2)
	for _, cb := range cbs {
		if cb.Chain == "ethereum" {
			f.engines["ethereum"].Reverts[cb.PrepareTxID] = "Pausable: paused"
		}
	}

	f.run(t)

	b := f.lastBatch(t)
	assert.Equal(t, domain.BatchCompleted, b.Status)
	assert.Equal(t, 2, b.Round)
	assert.Equal(t, domain.TradeFailed, f.tradeStatus(t, "t1"))
	assert.Equal(t, "Pausable: paused", f.seq.failed["t1"])
	// 只在 arch 上的成交回滚后下一轮完成
	assert.Equal(t, domain.TradeCompleted, f.tradeStatus(t, "t2"))
	assert.NotContains(t, f.seq.failed, "t2")
	assert.Equal(t, []domain.ChainTxKind{domain.KindSettlementPrepare}, f.engines["ethereum"].SubmittedKinds())
	assert.Equal(t, []domain.ChainTxKind{
		domain.KindSettlementPrepare,
		domain.KindSettlementRollback,
		domain.KindSettlementPrepare,
		domain.KindSettlementSubmit,
	}, f.engines["arch"].SubmittedKinds())
}

func TestSettlement_SequencerNotifyErrorDoesNotBlock(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")
	f.seq.err = errors.New("nats: no responders available for request")

	f.tick(t)
	cbs, err := f.repo.ChainBatches(ctx, f.lastBatch(t).ID, 1)
	require.NoError(t, err)
	f.engines["ethereum"].Reverts[cbs[0].PrepareTxID] = "Pausable: paused"

	f.run(t)

	assert.Equal(t, domain.BatchCompleted, f.lastBatch(t).Status)
	assert.Equal(t, domain.TradeFailed, f.tradeStatus(t, "t1"))
	assert.Empty(t, f.seq.failed)
}

func TestSettlement_VanishedPrepareRecoversRejectedTrades(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")
	f.trade(t, "t2", "ETH-USDC", carol, dave, "2000000000000000000", "3000")

	f.tick(t)
	cbs, err := f.repo.ChainBatches(ctx, f.lastBatch(t).ID, 1)
	require.NoError(t, err)
	require.Len(t, cbs, 1)
	eng := f.engines["ethereum"]
	eng.Vanished[cbs[0].PrepareTxID] = true
	eng.Hashes[domain.KindSettlementPrepare] = cbs[0].BatchHash
	eng.Outcomes[cbs[0].PrepareTxID] = &chain.Outcome{FailedTrades: []string{"th-t2"}}

	f.tick(t)
	f.tick(t)
	eng.Tip += 20
	f.run(t)

	b := f.lastBatch(t)
	assert.Equal(t, domain.BatchCompleted, b.Status)
	assert.Equal(t, 2, b.Round)
	assert.Equal(t, domain.TradeCompleted, f.tradeStatus(t, "t1"))
	assert.Equal(t, domain.TradeFailed, f.tradeStatus(t, "t2"))
	assert.Equal(t, 1, eng.Recovers)
}

func TestSettlement_HashResolvedSubmitReadsLatestBalances(t *testing.T) {
	f := newFixture(t, map[string]string{"ethereum": fees}, Config{})
	ctx := context.Background()
	f.trade(t, "t1", "ETH-USDC", alice, bob, "1000000000000000000", "3000")
	f.balances["ethereum"].onchain = map[netting.WalletSymbol]decimal.Decimal{
		{Wallet: alice, Symbol: "ETH"}: d("1000000000000000000"),
	}

	var cb *domain.ChainSettlementBatch
	for i := 0; i < 10 && (cb == nil || cb.SubmitTxID == nil); i++ {
		f.tick(t)
		cbs, err := f.repo.ChainBatches(ctx, f.lastBatch(t).ID, 1)
		require.NoError(t, err)
		require.Len(t, cbs, 1)
		cb = cbs[0]
	}
	require.NotNil(t, cb.SubmitTxID)
	eng := f.engines["ethereum"]
	eng.Vanished[*cb.SubmitTxID] = true
	eng.Hashes[domain.KindSettlementSubmit] = cb.BatchHash

	f.tick(t)
	f.tick(t)
	eng.Tip += 20
	f.run(t)

	assert.Equal(t, domain.BatchCompleted, f.lastBatch(t).Status)
	assert.Equal(t, domain.TradeCompleted, f.tradeStatus(t, "t1"))
	tx, err := f.repo.ChainTxForUpdate(ctx, *cb.SubmitTxID)
	require.NoError(t, err)
	assert.True(t, tx.ResolvedByHash)
	assert.Nil(t, tx.BlockNumber)
	// 没有回执块号，按最新块读
	assert.Equal(t, []int64{chain.LatestBlock}, f.balances["ethereum"].atBlocks)
	bal, err := f.repo.Balance(ctx, alice, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("1000000000000000000")), "got %s", bal)
}
