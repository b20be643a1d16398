package chain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
	"settlex.com/pkg/xerr"
)

const errReceiptTimeout = "timed out waiting for receipt"

type Store interface {
	SaveChainTx(ctx context.Context, tx *domain.ChainTransaction) error
}

type DriverConfig struct {
	// 每类交易需要的确认数，未配置的用 DefaultConfirmations
	Confirmations        map[domain.ChainTxKind]int64
	DefaultConfirmations int64
	MaxUnseenBlocks      int64
	ReceiptMaxWait       time.Duration
}

func (c *DriverConfig) SetDefaults() {
	if c.DefaultConfirmations <= 0 {
		c.DefaultConfirmations = 1
	}
	if c.MaxUnseenBlocks <= 0 {
		c.MaxUnseenBlocks = 10
	}
	if c.ReceiptMaxWait <= 0 {
		c.ReceiptMaxWait = 10 * time.Minute
	}
}

func (c *DriverConfig) threshold(kind domain.ChainTxKind) int64 {
	if n, ok := c.Confirmations[kind]; ok && n > 0 {
		return n
	}
	return c.DefaultConfirmations
}

// Result 一次推进的结果
type Result struct {
	From    domain.ChainTxStatus
	To      domain.ChainTxStatus
	Receipt *Receipt
	// 进入或已经处于 Completed 时非空
	Outcome *Outcome
}

func (r *Result) Changed() bool { return r.From != r.To }

// Driver 各链共用的交易状态机：
// Pending -> Submitted -> Confirmed -> Completed | Failed
// 调用方持有交易行锁，并在同一个事务里处理 Result
type Driver struct {
	engine Engine
	store  Store
	cfg    DriverConfig
	now    func() time.Time
}

func NewDriver(engine Engine, store Store, cfg DriverConfig) *Driver {
	cfg.SetDefaults()
	return &Driver{engine: engine, store: store, cfg: cfg, now: time.Now}
}

func (d *Driver) Engine() Engine { return d.engine }

// Advance 推进一步。transient 错误原样返回，让外层事务回滚（连同分配出去的 nonce）
func (d *Driver) Advance(ctx context.Context, tx *domain.ChainTransaction) (*Result, error) {
	res := &Result{From: tx.Status, To: tx.Status}
	var err error
	switch tx.Status {
	case domain.ChainTxPending:
		err = d.submit(ctx, tx, res)
	case domain.ChainTxSubmitted, domain.ChainTxConfirmed:
		err = d.poll(ctx, tx, res, false)
	case domain.ChainTxCompleted:
		// 别处（重启对账）已经推进完成，结果补给调用方
		out, err := d.Outcome(ctx, tx)
		if err != nil {
			return nil, err
		}
		res.Outcome = out
		return res, nil
	default:
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return res, d.finish(ctx, tx, res)
}

// Reconcile 重启后处理 Submitted 交易：节点已经看不到就直接走消失流程，不等 MaxUnseenBlocks
func (d *Driver) Reconcile(ctx context.Context, tx *domain.ChainTransaction) (*Result, error) {
	res := &Result{From: tx.Status, To: tx.Status}
	if tx.Status != domain.ChainTxSubmitted {
		return res, nil
	}
	if err := d.poll(ctx, tx, res, true); err != nil {
		return nil, err
	}
	return res, d.finish(ctx, tx, res)
}

func (d *Driver) finish(ctx context.Context, tx *domain.ChainTransaction, res *Result) error {
	res.To = tx.Status
	if err := d.store.SaveChainTx(ctx, tx); err != nil {
		return err
	}
	if res.Changed() {
		metrics.ChainTxTransitions.WithLabelValues(tx.Chain, tx.Kind.String(), tx.Status.String()).Inc()
		logger.Info(ctx, "chain tx transition",
			zap.String("chain", tx.Chain),
			zap.Int64("id", tx.ID),
			zap.String("kind", tx.Kind.String()),
			zap.String("from", res.From.String()),
			zap.String("to", res.To.String()),
		)
	}
	return nil
}

func (d *Driver) submit(ctx context.Context, tx *domain.ChainTransaction, res *Result) error {
	err := d.engine.Submit(ctx, tx)
	if err == nil {
		now := d.now()
		tx.Status = domain.ChainTxSubmitted
		tx.SubmittedAt = &now
		tx.LastSeenBlock = nil
		tx.Error = nil
		return nil
	}

	switch xerr.KindOf(err) {
	case xerr.KindClient:
		// 节点拒绝：nonce 大概率不对，清掉下次重新同步，交易留在 Pending 重试
		logger.Warn(ctx, "submit rejected", zap.String("chain", tx.Chain), zap.Int64("id", tx.ID), zap.Error(err))
		if cerr := d.engine.ClearNonce(ctx); cerr != nil {
			return cerr
		}
		resetSubmission(tx)
		setError(tx, err.Error())
		return nil
	case xerr.KindRevert:
		// 预估阶段就 revert，不会上链
		if cerr := d.engine.ClearNonce(ctx); cerr != nil {
			return cerr
		}
		resetSubmission(tx)
		tx.Status = domain.ChainTxFailed
		setError(tx, err.Error())
		return nil
	default:
		return err
	}
}

func (d *Driver) poll(ctx context.Context, tx *domain.ChainTransaction, res *Result, restart bool) error {
	st, err := d.engine.PollStatus(ctx, tx)
	if err != nil {
		return err
	}

	if st.Receipt == nil {
		if tx.Status == domain.ChainTxConfirmed {
			// 打包它的块被重组掉了
			tx.Status = domain.ChainTxSubmitted
			tx.BlockNumber = nil
		}
		return d.noReceipt(ctx, tx, st, res, restart)
	}

	r := st.Receipt
	res.Receipt = r
	tx.BlockNumber = &r.BlockNumber
	tx.LastSeenBlock = &st.CurrentBlock
	tx.GasUsed = r.GasUsed
	tx.EffectiveGasPrice = r.EffectiveGasPrice
	tx.Fee = r.Fee

	if !r.Success {
		reason := r.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		tx.Status = domain.ChainTxFailed
		setError(tx, reason)
		return d.engine.ClearNonce(ctx)
	}

	if r.Confirmations < d.cfg.threshold(tx.Kind) {
		if r.Confirmations >= 1 {
			tx.Status = domain.ChainTxConfirmed
		}
		return nil
	}

	out, err := d.engine.ExtractOutcome(ctx, tx, r)
	if err != nil {
		return err
	}
	tx.Status = domain.ChainTxCompleted
	tx.Error = nil
	res.Outcome = out
	return nil
}

func (d *Driver) noReceipt(ctx context.Context, tx *domain.ChainTransaction, st *Status, res *Result, restart bool) error {
	if st.Visible && !restart {
		tx.LastSeenBlock = &st.CurrentBlock
	} else if !st.Visible {
		if tx.LastSeenBlock == nil {
			// 第一次轮询就没看到，从当前块开始计数
			tx.LastSeenBlock = &st.CurrentBlock
		}
		if restart || st.CurrentBlock-*tx.LastSeenBlock > d.cfg.MaxUnseenBlocks {
			return d.vanished(ctx, tx, res)
		}
	}

	if tx.SubmittedAt != nil && d.now().Sub(*tx.SubmittedAt) > d.cfg.ReceiptMaxWait {
		done, err := d.resolveByHash(ctx, tx, res)
		if err != nil || done {
			return err
		}
		tx.Status = domain.ChainTxFailed
		setError(tx, errReceiptTimeout)
		return d.engine.ClearNonce(ctx)
	}
	return nil
}

// vanished 节点长时间看不到交易：链上哈希对得上算完成，否则重新提交
func (d *Driver) vanished(ctx context.Context, tx *domain.ChainTransaction, res *Result) error {
	logger.Warn(ctx, "chain tx vanished",
		zap.String("chain", tx.Chain),
		zap.Int64("id", tx.ID),
		zap.Stringp("tx_hash", tx.TxHash),
	)
	if err := d.engine.ClearNonce(ctx); err != nil {
		return err
	}
	done, err := d.resolveByHash(ctx, tx, res)
	if err != nil || done {
		return err
	}
	resetSubmission(tx)
	tx.Status = domain.ChainTxPending
	return nil
}

func (d *Driver) resolveByHash(ctx context.Context, tx *domain.ChainTransaction, res *Result) (bool, error) {
	if tx.BatchHash == nil {
		return false, nil
	}
	onchain, ok, err := d.engine.AuthoritativeBatchHash(ctx, tx.Kind)
	if err != nil {
		return false, fmt.Errorf("authoritative batch hash: %w", err)
	}
	if !ok || onchain != *tx.BatchHash {
		return false, nil
	}
	out, err := d.recoverOutcome(ctx, tx)
	if err != nil {
		return false, err
	}
	tx.Status = domain.ChainTxCompleted
	tx.ResolvedByHash = true
	tx.Error = nil
	res.Outcome = out
	return true, nil
}

// Outcome 已完成交易的业务结果：有回执的重新解析回执，靠批次哈希判定的从链上事件找回
func (d *Driver) Outcome(ctx context.Context, tx *domain.ChainTransaction) (*Outcome, error) {
	if tx.ResolvedByHash || tx.TxHash == nil || tx.BlockNumber == nil {
		return d.recoverOutcome(ctx, tx)
	}
	return d.engine.ExtractOutcome(ctx, tx, &Receipt{Success: true, BlockNumber: *tx.BlockNumber})
}

func (d *Driver) recoverOutcome(ctx context.Context, tx *domain.ChainTransaction) (*Outcome, error) {
	out := &Outcome{}
	if r, ok := d.engine.(OutcomeRecoverer); ok {
		var err error
		if out, err = r.RecoverOutcome(ctx, tx); err != nil {
			return nil, fmt.Errorf("recover outcome: %w", err)
		}
		if out == nil {
			out = &Outcome{}
		}
	}
	out.Resolved = true
	return out, nil
}

func resetSubmission(tx *domain.ChainTransaction) {
	tx.TxHash = nil
	tx.Nonce = nil
	tx.SubmittedAt = nil
	tx.LastSeenBlock = nil
	tx.BlockNumber = nil
}

func setError(tx *domain.ChainTransaction, msg string) {
	tx.Error = &msg
}
