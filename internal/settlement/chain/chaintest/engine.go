// Package chaintest 组件测试用的内存链
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
)

// Engine 提交即打包；默认回执成功、确认数为 Confirmations
type Engine struct {
	mu sync.Mutex

	Name          string
	Tip           int64
	Confirmations int64
	SubmitErr     error

	// tx id -> 失败原因
	Reverts map[int64]string
	// tx id -> 完成时的结果
	Outcomes map[int64]*chain.Outcome
	// 按 kind 查询的链上批次哈希
	Hashes map[domain.ChainTxKind]string
	// 节点上查不到的交易：没有回执，mempool 里也没有
	Vanished map[int64]bool
	// 没有回执时从事件找回结果的次数
	Recovers int

	Submitted   []domain.ChainTransaction
	NonceClears int
}

var (
	_ chain.Engine           = (*Engine)(nil)
	_ chain.OutcomeRecoverer = (*Engine)(nil)
)

func NewEngine(name string) *Engine {
	return &Engine{
		Name:          name,
		Tip:           100,
		Confirmations: 1,
		Reverts:       make(map[int64]string),
		Outcomes:      make(map[int64]*chain.Outcome),
		Hashes:        make(map[domain.ChainTxKind]string),
		Vanished:      make(map[int64]bool),
	}
}

func (e *Engine) Chain() string { return e.Name }

func (e *Engine) Submit(_ context.Context, tx *domain.ChainTransaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SubmitErr != nil {
		return e.SubmitErr
	}
	h := fmt.Sprintf("0x%s%04d", e.Name, tx.ID)
	tx.TxHash = &h
	e.Submitted = append(e.Submitted, *tx)
	return nil
}

func (e *Engine) PollStatus(_ context.Context, tx *domain.ChainTransaction) (*chain.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Vanished[tx.ID] {
		return &chain.Status{CurrentBlock: e.Tip}, nil
	}
	st := &chain.Status{Visible: true, CurrentBlock: e.Tip}
	r := &chain.Receipt{
		Success:       true,
		BlockNumber:   e.Tip - e.Confirmations + 1,
		Confirmations: e.Confirmations,
		Fee:           decimal.Zero,
	}
	if reason, ok := e.Reverts[tx.ID]; ok {
		r.Success = false
		r.RevertReason = reason
	}
	st.Receipt = r
	return st, nil
}

func (e *Engine) ExtractOutcome(_ context.Context, tx *domain.ChainTransaction, _ *chain.Receipt) (*chain.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if out, ok := e.Outcomes[tx.ID]; ok {
		return out, nil
	}
	return &chain.Outcome{}, nil
}

// RecoverOutcome 和回执里能解析出的结果相同
func (e *Engine) RecoverOutcome(_ context.Context, tx *domain.ChainTransaction) (*chain.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Recovers++
	if out, ok := e.Outcomes[tx.ID]; ok {
		cp := *out
		return &cp, nil
	}
	return &chain.Outcome{}, nil
}

func (e *Engine) AuthoritativeBatchHash(_ context.Context, kind domain.ChainTxKind) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.Hashes[kind]
	return h, ok, nil
}

func (e *Engine) ClearNonce(context.Context) error {
	e.mu.Lock()
	e.NonceClears++
	e.mu.Unlock()
	return nil
}

// SubmittedKinds 按提交顺序
func (e *Engine) SubmittedKinds() []domain.ChainTxKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ChainTxKind, 0, len(e.Submitted))
	for _, tx := range e.Submitted {
		out = append(out, tx.Kind)
	}
	return out
}
