package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/chain/chaintest"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/repo/mysql"
	"settlex.com/pkg/orm"
	"settlex.com/pkg/xerr"
)

type fakeBuilder struct{ batches int }

func (b *fakeBuilder) EncodeWithdrawal(_ context.Context, w *domain.Withdrawal) ([]byte, error) {
	if w.Signature == "bad" {
		return nil, errors.New("signature: odd length hex string")
	}
	return []byte(fmt.Sprintf("w%d:%s", w.ID, w.Amount)), nil
}

func (b *fakeBuilder) BuildWithdrawalBatch(_ context.Context, payloads [][]byte) (*domain.ChainTransaction, error) {
	b.batches++
	hash := fmt.Sprintf("wb-%d-%d", b.batches, len(payloads))
	return &domain.ChainTransaction{Chain: "ethereum", Kind: domain.KindWithdrawalBatch, To: "settlement", BatchHash: &hash}, nil
}

type fakeSequencer struct {
	offline  bool
	failed   map[int64]string
	withdraw []int64
}

func (f *fakeSequencer) Withdraw(_ context.Context, w *domain.Withdrawal) error {
	if f.offline {
		return errors.New("nats: timeout")
	}
	if w.Wallet == "0xbroke" {
		return xerr.Wrap(xerr.KindClient, errors.New("insufficient balance"))
	}
	f.withdraw = append(f.withdraw, w.ID)
	return nil
}

func (f *fakeSequencer) FailWithdraw(_ context.Context, w *domain.Withdrawal, reason string) error {
	if f.offline {
		return errors.New("nats: timeout")
	}
	f.failed[w.ID] = reason
	return nil
}

type fixture struct {
	repo    *mysql.Repo
	engine  *chaintest.Engine
	builder *fakeBuilder
	seq     *fakeSequencer
	driver  *chain.Driver
	b       *Batcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := orm.OpenSQLiteMemory(domain.AllModels()...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	f := &fixture{
		repo:    mysql.New(db),
		engine:  chaintest.NewEngine("ethereum"),
		builder: &fakeBuilder{},
		seq:     &fakeSequencer{failed: map[int64]string{}},
	}
	f.driver = chain.NewDriver(f.engine, f.repo, chain.DriverConfig{})
	f.b = New("ethereum", f.repo, mysql.NewLeaseLocker(db, time.Minute), f.driver, f.builder, f.seq, nil, cfg)
	return f
}

func (f *fixture) withdrawal(t *testing.T, wallet string, amount int64, sig string, status domain.WithdrawalStatus) *domain.Withdrawal {
	t.Helper()
	w := &domain.Withdrawal{
		Chain: "ethereum", Wallet: wallet, Symbol: "USDC",
		Amount: decimal.NewFromInt(amount), Nonce: 1, Signature: sig, Status: status,
	}
	require.NoError(t, f.repo.CreateWithdrawal(context.Background(), w))
	return w
}

func (f *fixture) load(t *testing.T, id int64) *domain.Withdrawal {
	t.Helper()
	var w domain.Withdrawal
	require.NoError(t, f.repo.DB().First(&w, id).Error)
	return &w
}

func TestSequence_PendingWithdrawals(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ok := f.withdrawal(t, "0xalice", 100, "0x01", domain.WithdrawalPending)
	broke := f.withdrawal(t, "0xbroke", 100, "0x01", domain.WithdrawalPending)

	worked, err := f.b.SequencePendingWithdrawals(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, domain.WithdrawalSequenced, f.load(t, ok.ID).Status)
	got := f.load(t, broke.ID)
	assert.Equal(t, domain.WithdrawalFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "insufficient balance")
}

func TestSequence_RetriesWhenSequencerOffline(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.withdrawal(t, "0xalice", 100, "0x01", domain.WithdrawalPending)
	f.seq.offline = true

	worked, err := f.b.SequencePendingWithdrawals(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Equal(t, domain.WithdrawalPending, f.load(t, w.ID).Status)
}

func TestProcess_BatchCompletesWithOnchainAmounts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.repo.CreditBalance(ctx, "0xalice", "USDC", decimal.NewFromInt(1000)))
	w1 := f.withdrawal(t, "0xalice", 100, "0x01", domain.WithdrawalSequenced)
	// 0 = 全部提走
	w2 := f.withdrawal(t, "0xalice", 0, "0x02", domain.WithdrawalSequenced)
	bad := f.withdrawal(t, "0xalice", 5, "bad", domain.WithdrawalSequenced)

	worked, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	got := f.load(t, bad.ID)
	assert.Equal(t, domain.WithdrawalFailed, got.Status)
	assert.Contains(t, f.seq.failed[bad.ID], "invalid withdrawal")

	s1 := f.load(t, w1.ID)
	assert.Equal(t, domain.WithdrawalSettling, s1.Status)
	require.NotNil(t, s1.ChainTransactionID)
	assert.NotEmpty(t, s1.TxPayload)
	assert.Equal(t, s1.ChainTransactionID, f.load(t, w2.ID).ChainTransactionID)

	f.engine.Outcomes[*s1.ChainTransactionID] = &chain.Outcome{Withdrawals: map[int64]chain.WithdrawalOutcome{
		w1.ID: {Success: true, Amount: decimal.NewFromInt(100)},
		w2.ID: {Success: true, Amount: decimal.NewFromInt(250)},
	}}

	worked, err = f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	s1 = f.load(t, w1.ID)
	assert.Equal(t, domain.WithdrawalComplete, s1.Status)
	require.True(t, s1.ActualAmount.Valid)
	assert.True(t, s1.ActualAmount.Decimal.Equal(decimal.NewFromInt(100)))
	s2 := f.load(t, w2.ID)
	assert.Equal(t, domain.WithdrawalComplete, s2.Status)
	assert.True(t, s2.ActualAmount.Decimal.Equal(decimal.NewFromInt(250)))

	bal, err := f.repo.Balance(ctx, "0xalice", "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(650)), "got %s", bal)
	assert.Equal(t, 1, f.builder.batches)
}

func TestProcess_PerWithdrawalFailureAndUnknownOutcome(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	w1 := f.withdrawal(t, "0xalice", 100, "0x01", domain.WithdrawalSequenced)
	w2 := f.withdrawal(t, "0xbob", 100, "0x02", domain.WithdrawalSequenced)

	_, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	txID := *f.load(t, w1.ID).ChainTransactionID
	f.engine.Outcomes[txID] = &chain.Outcome{Withdrawals: map[int64]chain.WithdrawalOutcome{
		w1.ID: {Success: false, Error: "nonce already used"},
	}}

	_, err = f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)

	got := f.load(t, w1.ID)
	assert.Equal(t, domain.WithdrawalFailed, got.Status)
	assert.Equal(t, "nonce already used", f.seq.failed[w1.ID])
	// 没有事件，留给人工
	assert.Equal(t, domain.WithdrawalSettling, f.load(t, w2.ID).Status)
	_, notified := f.seq.failed[w2.ID]
	assert.False(t, notified)
}

func TestProcess_RevertedBatchFailsAll(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	w1 := f.withdrawal(t, "0xalice", 100, "0x01", domain.WithdrawalSequenced)
	w2 := f.withdrawal(t, "0xbob", 100, "0x02", domain.WithdrawalSequenced)

	_, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	f.engine.Reverts[*f.load(t, w1.ID).ChainTransactionID] = "Pausable: paused"

	_, err = f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	for _, id := range []int64{w1.ID, w2.ID} {
		got := f.load(t, id)
		assert.Equal(t, domain.WithdrawalFailed, got.Status)
		assert.Equal(t, "Pausable: paused", f.seq.failed[id])
	}

	// 失败后可以开新批次
	w3 := f.withdrawal(t, "0xcarol", 1, "0x03", domain.WithdrawalSequenced)
	worked, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, domain.WithdrawalSettling, f.load(t, w3.ID).Status)
}

func TestProcess_WaitsForBatchWindow(t *testing.T) {
	f := newFixture(t, Config{MinBatchSize: 3, MaxBatchWait: time.Minute})
	ctx := context.Background()
	w := f.withdrawal(t, "0xalice", 100, "0x01", domain.WithdrawalSequenced)

	worked, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Equal(t, domain.WithdrawalSequenced, f.load(t, w.ID).Status)

	f.b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	worked, err = f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, domain.WithdrawalSettling, f.load(t, w.ID).Status)
}

func TestProcess_VanishedBatchResolvedByHash(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.repo.CreditBalance(ctx, "0xalice", "USDC", decimal.NewFromInt(1000)))
	w1 := f.withdrawal(t, "0xalice", 100, "0x01", domain.WithdrawalSequenced)
	w2 := f.withdrawal(t, "0xalice", 30, "0x02", domain.WithdrawalSequenced)
	// 全部提走的拿不到事件就不知道金额
	w3 := f.withdrawal(t, "0xalice", 0, "0x03", domain.WithdrawalSequenced)

	_, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	txID := *f.load(t, w1.ID).ChainTransactionID
	f.engine.Vanished[txID] = true
	f.engine.Hashes[domain.KindWithdrawalBatch] = "wb-1-3"
	f.engine.Outcomes[txID] = &chain.Outcome{Withdrawals: map[int64]chain.WithdrawalOutcome{
		w1.ID: {Success: true, Amount: decimal.NewFromInt(90)},
	}}

	// 第一次没看到只开始计数
	_, err = f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalSettling, f.load(t, w1.ID).Status)

	f.engine.Tip += 20
	worked, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, 1, f.engine.Recovers)
	assert.Equal(t, 1, f.engine.NonceClears)

	got := f.load(t, w1.ID)
	assert.Equal(t, domain.WithdrawalComplete, got.Status)
	assert.True(t, got.ActualAmount.Decimal.Equal(decimal.NewFromInt(90)))
	got = f.load(t, w2.ID)
	assert.Equal(t, domain.WithdrawalComplete, got.Status)
	assert.True(t, got.ActualAmount.Decimal.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, domain.WithdrawalSettling, f.load(t, w3.ID).Status)

	bal, err := f.repo.Balance(ctx, "0xalice", "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(880)), "got %s", bal)
	assert.Len(t, f.engine.Submitted, 1)
}

func TestSettle_AfterRestartReconcile(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.repo.CreditBalance(ctx, "0xbob", "USDC", decimal.NewFromInt(500)))
	w1 := f.withdrawal(t, "0xbob", 200, "0x01", domain.WithdrawalSequenced)
	w2 := f.withdrawal(t, "0xbob", 50, "0x02", domain.WithdrawalSequenced)

	_, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	txID := *f.load(t, w1.ID).ChainTransactionID
	f.engine.Vanished[txID] = true
	f.engine.Hashes[domain.KindWithdrawalBatch] = "wb-1-2"
	f.engine.Outcomes[txID] = &chain.Outcome{Withdrawals: map[int64]chain.WithdrawalOutcome{
		w1.ID: {Success: true, Amount: decimal.NewFromInt(200)},
		w2.ID: {Success: false, Error: "InsufficientBalance"},
	}}

	err = f.repo.Transaction(ctx, func(ctx context.Context) error {
		tx, err := f.repo.ChainTxForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		res, err := f.driver.Reconcile(ctx, tx)
		if err != nil {
			return err
		}
		worked, err := f.b.Settle(ctx, tx, res)
		assert.True(t, worked)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalComplete, f.load(t, w1.ID).Status)
	assert.Equal(t, domain.WithdrawalFailed, f.load(t, w2.ID).Status)
	assert.Equal(t, "InsufficientBalance", f.seq.failed[w2.ID])
	bal, err := f.repo.Balance(ctx, "0xbob", "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(300)), "got %s", bal)

	// 交易已终态，loop 不会再把它当在途
	worked, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcess_FailWithdrawErrorDoesNotRollBack(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	w1 := f.withdrawal(t, "0xalice", 100, "0x01", domain.WithdrawalSequenced)

	_, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	f.engine.Reverts[*f.load(t, w1.ID).ChainTransactionID] = "Pausable: paused"
	f.seq.offline = true

	worked, err := f.b.ProcessWithdrawals(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, domain.WithdrawalFailed, f.load(t, w1.ID).Status)
	assert.Empty(t, f.seq.failed)
}
