package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/orm"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := orm.OpenSQLiteMemory(domain.AllModels()...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return New(db)
}

func TestLeaseLocker_SingleHolder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a := NewLeaseLocker(r.DB(), 30*time.Second)
	b := NewLeaseLocker(r.DB(), 30*time.Second)
	a.now, b.now = clock, clock

	ok, err := a.TryAcquire(ctx, domain.GlobalBatchLockKey)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, domain.GlobalBatchLockKey)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must observe the lock as taken")

	// 不同 key 互不影响
	ok, err = b.TryAcquire(ctx, domain.ChainLockKey(domain.LockWithdrawal, "ethereum"))
	require.NoError(t, err)
	assert.True(t, ok)

	// 非持有者释放无效
	require.NoError(t, b.Release(ctx, domain.GlobalBatchLockKey))
	ok, err = b.TryAcquire(ctx, domain.GlobalBatchLockKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, domain.GlobalBatchLockKey))
	ok, err = b.TryAcquire(ctx, domain.GlobalBatchLockKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseLocker_ExpiredLeaseCanBeTaken(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewLeaseLocker(r.DB(), 10*time.Second)
	b := NewLeaseLocker(r.DB(), 10*time.Second)
	a.now = func() time.Time { return now }
	b.now = func() time.Time { return now.Add(time.Minute) }

	ok, err := a.TryAcquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok, "crashed holder's lease expired")
}

func TestLeaseLocker_RenewedLeaseIsNotTaken(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	aNow, bNow := start, start
	a := NewLeaseLocker(r.DB(), 10*time.Second)
	b := NewLeaseLocker(r.DB(), 10*time.Second)
	a.now = func() time.Time { return aNow }
	b.now = func() time.Time { return bNow }
	assert.Equal(t, 10*time.Second, a.TTL())

	ok, err := a.TryAcquire(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)

	// 持有者在过期前续期
	aNow = start.Add(8 * time.Second)
	ok, err = a.TryAcquire(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)

	// 原租约已过期，但续期后的还没有
	bNow = start.Add(12 * time.Second)
	ok, err = b.TryAcquire(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)

	bNow = start.Add(19 * time.Second)
	ok, err = b.TryAcquire(ctx, 9)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertDeposit_Idempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	first := &domain.Deposit{
		Chain: "ethereum", Wallet: "0xaa", Symbol: "ETH", Amount: decimal.NewFromInt(100),
		TxHash: "0xdead", BlockNumber: 10, BlockHash: "0xb10",
	}
	require.NoError(t, r.UpsertDeposit(ctx, first))

	again := &domain.Deposit{
		Chain: "ethereum", Wallet: "0xaa", Symbol: "ETH", Amount: decimal.NewFromInt(999),
		TxHash: "0xdead", BlockNumber: 11, BlockHash: "0xb11",
	}
	require.NoError(t, r.UpsertDeposit(ctx, again))

	var count int64
	require.NoError(t, r.DB().Model(&domain.Deposit{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	got, err := r.DepositByTxHash(ctx, "0xdead")
	require.NoError(t, err)
	assert.EqualValues(t, 11, got.BlockNumber)
	assert.Equal(t, "0xb11", got.BlockHash)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(100)), "amount is not touched by re-ingestion")
}

func TestBalances_CreditAndReplace(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreditBalance(ctx, "0xaa", "USDC", decimal.NewFromInt(100)))
	require.NoError(t, r.CreditBalance(ctx, "0xaa", "USDC", decimal.NewFromInt(-30)))
	bal, err := r.Balance(ctx, "0xaa", "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(70)), bal.String())

	require.NoError(t, r.ReplaceBalance(ctx, "0xaa", "USDC", decimal.NewFromInt(55)))
	bal, err = r.Balance(ctx, "0xaa", "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(55)), bal.String())

	bal, err = r.Balance(ctx, "0xbb", "USDC")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestWithdrawal_SettlingRequiresTransaction(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	w := &domain.Withdrawal{
		Chain: "ethereum", Wallet: "0xaa", Symbol: "ETH", Amount: decimal.NewFromInt(5),
		Nonce: 1, Signature: "0x01", Status: domain.WithdrawalSequenced,
	}
	require.NoError(t, r.CreateWithdrawal(ctx, w))

	// 没有交易和载荷，直接改 Settling 会被 CHECK 拒绝
	err := r.DB().Model(&domain.Withdrawal{}).Where("id = ?", w.ID).
		Update("status", domain.WithdrawalSettling).Error
	assert.Error(t, err)

	tx := &domain.ChainTransaction{Chain: "ethereum", Kind: domain.KindWithdrawalBatch, To: "0xex"}
	require.NoError(t, r.CreateChainTx(ctx, tx))
	require.NoError(t, r.SetWithdrawalPayload(ctx, w.ID, []byte{1, 2, 3}))
	n, err := r.MarkWithdrawalsSettling(ctx, []int64{w.ID}, tx.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := r.WithdrawalsByChainTx(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.WithdrawalSettling, rows[0].Status)
	assert.Equal(t, []byte{1, 2, 3}, rows[0].TxPayload)
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	err := r.Transaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, r.CreditBalance(txCtx, "0xaa", "ETH", decimal.NewFromInt(1)))
		// 嵌套调用复用同一事务
		return r.Transaction(txCtx, func(inner context.Context) error {
			require.NoError(t, r.CreditBalance(inner, "0xaa", "ETH", decimal.NewFromInt(1)))
			return assert.AnError
		})
	})
	require.ErrorIs(t, err, assert.AnError)

	bal, err := r.Balance(ctx, "0xaa", "ETH")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestNonce_LockCreatesNilRecord(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	err := r.Transaction(ctx, func(txCtx context.Context) error {
		rec, err := r.LockNonce(txCtx, "ethereum", "0xsub")
		require.NoError(t, err)
		assert.Nil(t, rec.Nonce)

		n := uint64(42)
		return r.SetNonce(txCtx, "ethereum", "0xsub", &n)
	})
	require.NoError(t, err)

	rec, err := r.LockNonce(ctx, "ethereum", "0xsub")
	require.NoError(t, err)
	require.NotNil(t, rec.Nonce)
	assert.EqualValues(t, 42, *rec.Nonce)
}
