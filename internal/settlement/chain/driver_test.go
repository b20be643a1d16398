package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/xerr"
)

type fakeEngine struct {
	submitErr   error
	status      *Status
	pollErr     error
	outcome     *Outcome
	authHash    string
	authOK      bool
	nonceClears int
	submits     int
}

func (f *fakeEngine) Chain() string { return "ethereum" }

func (f *fakeEngine) Submit(_ context.Context, tx *domain.ChainTransaction) error {
	f.submits++
	if f.submitErr != nil {
		return f.submitErr
	}
	h := "0xabc"
	n := uint64(7)
	tx.TxHash, tx.Nonce = &h, &n
	return nil
}

func (f *fakeEngine) PollStatus(context.Context, *domain.ChainTransaction) (*Status, error) {
	return f.status, f.pollErr
}

func (f *fakeEngine) ExtractOutcome(context.Context, *domain.ChainTransaction, *Receipt) (*Outcome, error) {
	if f.outcome == nil {
		return &Outcome{}, nil
	}
	return f.outcome, nil
}

func (f *fakeEngine) AuthoritativeBatchHash(context.Context, domain.ChainTxKind) (string, bool, error) {
	return f.authHash, f.authOK, nil
}

func (f *fakeEngine) ClearNonce(context.Context) error {
	f.nonceClears++
	return nil
}

type memStore struct{ saved int }

func (m *memStore) SaveChainTx(context.Context, *domain.ChainTransaction) error {
	m.saved++
	return nil
}

func newDriver(e *fakeEngine) (*Driver, *memStore) {
	s := &memStore{}
	return NewDriver(e, s, DriverConfig{
		Confirmations:   map[domain.ChainTxKind]int64{domain.KindWithdrawalBatch: 3},
		MaxUnseenBlocks: 10,
		ReceiptMaxWait:  time.Minute,
	}), s
}

func submittedTx(hash string) *domain.ChainTransaction {
	now := time.Now()
	txh := "0xabc"
	return &domain.ChainTransaction{
		ID: 1, Chain: "ethereum", Kind: domain.KindSettlementSubmit,
		Status: domain.ChainTxSubmitted, TxHash: &txh, SubmittedAt: &now,
		BatchHash: &hash,
	}
}

func TestConfirmations(t *testing.T) {
	assert.Equal(t, int64(1), Confirmations(100, 100))
	assert.Equal(t, int64(2), Confirmations(101, 100))
	assert.Equal(t, int64(0), Confirmations(99, 100))
	assert.Equal(t, int64(0), Confirmations(100, 0))
}

func TestAdvance_SubmitPending(t *testing.T) {
	e := &fakeEngine{}
	d, s := newDriver(e)
	tx := &domain.ChainTransaction{ID: 1, Chain: "ethereum", Kind: domain.KindSettlementPrepare}

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxSubmitted, res.To)
	assert.NotNil(t, tx.SubmittedAt)
	assert.Equal(t, "0xabc", *tx.TxHash)
	assert.Equal(t, 1, s.saved)
}

func TestAdvance_ClientErrorClearsNonce(t *testing.T) {
	e := &fakeEngine{submitErr: xerr.Wrap(xerr.KindClient, errors.New("nonce too low"))}
	d, _ := newDriver(e)
	tx := &domain.ChainTransaction{ID: 1, Chain: "ethereum", Kind: domain.KindSettlementPrepare}

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, domain.ChainTxPending, tx.Status)
	assert.Equal(t, 1, e.nonceClears)
	require.NotNil(t, tx.Error)
	assert.Contains(t, *tx.Error, "nonce too low")
}

func TestAdvance_TransientSubmitErrorPropagates(t *testing.T) {
	e := &fakeEngine{submitErr: xerr.Wrap(xerr.KindTransient, errors.New("connection reset"))}
	d, s := newDriver(e)
	tx := &domain.ChainTransaction{ID: 1, Chain: "ethereum"}

	_, err := d.Advance(context.Background(), tx)
	require.Error(t, err)
	assert.Equal(t, 0, s.saved)
	assert.Equal(t, 0, e.nonceClears)
}

func TestAdvance_ReceiptBelowThresholdIsConfirmed(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: true, CurrentBlock: 101,
		Receipt: &Receipt{Success: true, BlockNumber: 100, Confirmations: 2}}}
	d, _ := newDriver(e)
	tx := submittedTx("h1")
	tx.Kind = domain.KindWithdrawalBatch

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxConfirmed, res.To)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, int64(100), *tx.BlockNumber)
}

func TestAdvance_DepthReachedCompletes(t *testing.T) {
	e := &fakeEngine{
		status:  &Status{Visible: true, CurrentBlock: 102, Receipt: &Receipt{Success: true, BlockNumber: 100, Confirmations: 3}},
		outcome: &Outcome{FailedTrades: []string{"t9"}},
	}
	d, _ := newDriver(e)
	tx := submittedTx("h1")
	tx.Kind = domain.KindWithdrawalBatch
	tx.Status = domain.ChainTxConfirmed

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxCompleted, res.To)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, []string{"t9"}, res.Outcome.FailedTrades)
}

func TestAdvance_RevertFailsAndClearsNonce(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: true, CurrentBlock: 100,
		Receipt: &Receipt{Success: false, BlockNumber: 100, Confirmations: 1, RevertReason: "batch hash mismatch"}}}
	d, _ := newDriver(e)
	tx := submittedTx("h1")

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxFailed, res.To)
	assert.Equal(t, "batch hash mismatch", *tx.Error)
	assert.Equal(t, 1, e.nonceClears)
}

func TestAdvance_VisibleUpdatesLastSeen(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: true, CurrentBlock: 250}}
	d, _ := newDriver(e)
	tx := submittedTx("h1")

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, int64(250), *tx.LastSeenBlock)
}

func TestAdvance_VanishedWithMatchingHashCompletes(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: false, CurrentBlock: 120}, authHash: "h1", authOK: true}
	d, _ := newDriver(e)
	tx := submittedTx("h1")
	seen := int64(100)
	tx.LastSeenBlock = &seen

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxCompleted, res.To)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Resolved)
	assert.Equal(t, 1, e.nonceClears)
}

func TestAdvance_VanishedWithOtherHashResubmits(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: false, CurrentBlock: 120}, authHash: "older", authOK: true}
	d, _ := newDriver(e)
	tx := submittedTx("h1")
	seen := int64(100)
	tx.LastSeenBlock = &seen

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxPending, res.To)
	assert.Nil(t, tx.TxHash)
	assert.Nil(t, tx.Nonce)
	assert.Equal(t, "h1", *tx.BatchHash)
}

func TestAdvance_UnseenWithinWindowWaits(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: false, CurrentBlock: 105}}
	d, _ := newDriver(e)
	tx := submittedTx("h1")
	seen := int64(100)
	tx.LastSeenBlock = &seen

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxSubmitted, res.To)
	assert.Equal(t, int64(100), *tx.LastSeenBlock)
}

func TestAdvance_ReceiptTimeout(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: true, CurrentBlock: 105}}
	d, _ := newDriver(e)
	tx := submittedTx("h1")
	long := time.Now().Add(-time.Hour)
	tx.SubmittedAt = &long

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxFailed, res.To)
	assert.Equal(t, errReceiptTimeout, *tx.Error)
}

func TestAdvance_ReorgedReceiptFallsBackToSubmitted(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: true, CurrentBlock: 101}}
	d, _ := newDriver(e)
	tx := submittedTx("h1")
	tx.Status = domain.ChainTxConfirmed
	bn := int64(100)
	tx.BlockNumber = &bn

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxSubmitted, res.To)
	assert.Nil(t, tx.BlockNumber)
}

func TestReconcile_UnseenAfterRestartResubmits(t *testing.T) {
	e := &fakeEngine{status: &Status{Visible: false, CurrentBlock: 101}}
	d, _ := newDriver(e)
	tx := submittedTx("h1")

	res, err := d.Reconcile(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxPending, res.To)
	assert.Equal(t, 1, e.nonceClears)
}

func TestAdvance_TerminalIsNoop(t *testing.T) {
	e := &fakeEngine{}
	d, s := newDriver(e)
	tx := &domain.ChainTransaction{Status: domain.ChainTxFailed}

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, 0, s.saved)
	assert.Equal(t, 0, e.submits)
}

// recoveringEngine 能从链上事件找回逐笔结果
type recoveringEngine struct {
	*fakeEngine
	recovered *Outcome
	recovers  int
}

func (r *recoveringEngine) RecoverOutcome(context.Context, *domain.ChainTransaction) (*Outcome, error) {
	r.recovers++
	return r.recovered, nil
}

func TestAdvance_VanishedRecoversOutcome(t *testing.T) {
	e := &recoveringEngine{
		fakeEngine: &fakeEngine{status: &Status{Visible: false, CurrentBlock: 120}, authHash: "h1", authOK: true},
		recovered: &Outcome{Withdrawals: map[int64]WithdrawalOutcome{
			5: {Success: true, Amount: decimal.NewFromInt(40)},
		}},
	}
	d := NewDriver(e, &memStore{}, DriverConfig{MaxUnseenBlocks: 10, ReceiptMaxWait: time.Minute})
	tx := submittedTx("h1")
	seen := int64(100)
	tx.LastSeenBlock = &seen

	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxCompleted, tx.Status)
	assert.True(t, tx.ResolvedByHash)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Resolved)
	require.Contains(t, res.Outcome.Withdrawals, int64(5))
	assert.Equal(t, "40", res.Outcome.Withdrawals[5].Amount.String())
}

func TestAdvance_CompletedReplaysOutcome(t *testing.T) {
	e := &recoveringEngine{
		fakeEngine: &fakeEngine{outcome: &Outcome{FailedTrades: []string{"0xt1"}}},
		recovered:  &Outcome{FailedTrades: []string{"0xt2"}},
	}
	d := NewDriver(e, &memStore{}, DriverConfig{})

	// 有回执的重新解析回执
	h := "0xabc"
	bn := int64(90)
	tx := &domain.ChainTransaction{Status: domain.ChainTxCompleted, TxHash: &h, BlockNumber: &bn}
	res, err := d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	require.NotNil(t, res.Outcome)
	assert.False(t, res.Outcome.Resolved)
	assert.Equal(t, []string{"0xt1"}, res.Outcome.FailedTrades)
	assert.Equal(t, 0, e.recovers)

	// 靠批次哈希判定的从事件找回
	tx.ResolvedByHash = true
	res, err = d.Advance(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, res.Outcome.Resolved)
	assert.Equal(t, []string{"0xt2"}, res.Outcome.FailedTrades)
	assert.Equal(t, 1, e.recovers)
	assert.Equal(t, 0, e.submits)
}
