package arch

import (
	"errors"
	"fmt"

	"settlex.com/internal/settlement/domain"
)

var ErrInvalidTransition = errors.New("invalid account setup transition")

// AccountKind 账户种类，各自带不同的字段
type AccountKind interface {
	kind() domain.ArchAccountKind
}

// ProgramAccount 可执行程序账户，创建后即可用
type ProgramAccount struct{}

// ProgramStateAccount 程序全局状态（批次哈希、手续费账户）
type ProgramStateAccount struct {
	FeeAccount string
}

// TokenStateAccount 某个币种所有钱包余额的共享账户
type TokenStateAccount struct {
	Symbol string
}

func (ProgramAccount) kind() domain.ArchAccountKind      { return domain.ArchProgram }
func (ProgramStateAccount) kind() domain.ArchAccountKind { return domain.ArchProgramState }
func (TokenStateAccount) kind() domain.ArchAccountKind   { return domain.ArchTokenState }

// SetupState 账户创建流程：Funded -> Creating -> Created -> Initializing -> Complete | Failed
type SetupState interface {
	status() domain.ArchAccountStatus
}

type Funded struct{}
type Creating struct{ TxID int64 }
type Created struct{}
type Initializing struct{ TxID int64 }
type Complete struct{}
type Failed struct{ Reason string }

func (Funded) status() domain.ArchAccountStatus       { return domain.AccountFunded }
func (Creating) status() domain.ArchAccountStatus     { return domain.AccountCreating }
func (Created) status() domain.ArchAccountStatus      { return domain.AccountCreated }
func (Initializing) status() domain.ArchAccountStatus { return domain.AccountInitializing }
func (Complete) status() domain.ArchAccountStatus     { return domain.AccountComplete }
func (Failed) status() domain.ArchAccountStatus       { return domain.AccountFailed }

// Event 驱动状态变化的事件
type Event interface{ event() }

// TxBuilt 已为当前步骤建好链上交易
type TxBuilt struct{ TxID int64 }

// TxCompleted 当前步骤的交易已确认
type TxCompleted struct{}

// TxFailed 当前步骤的交易失败
type TxFailed struct{ Reason string }

func (TxBuilt) event()     {}
func (TxCompleted) event() {}
func (TxFailed) event()    {}

// Transition 纯函数：(种类, 当前状态, 事件) -> 下一个状态
func Transition(k AccountKind, s SetupState, ev Event) (SetupState, error) {
	switch cur := s.(type) {
	case Funded:
		if e, ok := ev.(TxBuilt); ok {
			return Creating{TxID: e.TxID}, nil
		}
	case Creating:
		switch e := ev.(type) {
		case TxCompleted:
			if !needsInit(k) {
				return Complete{}, nil
			}
			return Created{}, nil
		case TxFailed:
			return Failed{Reason: e.Reason}, nil
		}
	case Created:
		if e, ok := ev.(TxBuilt); ok && needsInit(k) {
			return Initializing{TxID: e.TxID}, nil
		}
	case Initializing:
		switch e := ev.(type) {
		case TxCompleted:
			return Complete{}, nil
		case TxFailed:
			return Failed{Reason: e.Reason}, nil
		}
	case Complete, Failed:
	default:
		return nil, fmt.Errorf("%w: unknown state %T", ErrInvalidTransition, cur)
	}
	return nil, fmt.Errorf("%w: %T on %T (%s)", ErrInvalidTransition, ev, s, k.kind())
}

// needsInit 程序账户不需要初始化指令
func needsInit(k AccountKind) bool {
	switch k.(type) {
	case ProgramStateAccount, TokenStateAccount:
		return true
	default:
		return false
	}
}

// PendingTxID 当前步骤在等的交易
func PendingTxID(s SetupState) (int64, bool) {
	switch cur := s.(type) {
	case Creating:
		return cur.TxID, true
	case Initializing:
		return cur.TxID, true
	}
	return 0, false
}

// Account 领域形态的 Arch 账户
type Account struct {
	ID          int64
	Pubkey      string
	FundingTxID string
	FundingVout uint32
	Kind        AccountKind
	State       SetupState
}

func accountFromRow(row *domain.ArchAccount, feeAccount string) (*Account, error) {
	a := &Account{
		ID:          row.ID,
		Pubkey:      row.Pubkey,
		FundingTxID: row.FundingTxID,
		FundingVout: row.FundingVout,
	}
	switch row.Kind {
	case domain.ArchProgram:
		a.Kind = ProgramAccount{}
	case domain.ArchProgramState:
		a.Kind = ProgramStateAccount{FeeAccount: feeAccount}
	case domain.ArchTokenState:
		a.Kind = TokenStateAccount{Symbol: row.Symbol}
	default:
		return nil, fmt.Errorf("arch account %d: unknown kind %d", row.ID, row.Kind)
	}

	txID := int64(0)
	if row.ChainTransactionID != nil {
		txID = *row.ChainTransactionID
	}
	switch row.Status {
	case domain.AccountFunded:
		a.State = Funded{}
	case domain.AccountCreating:
		a.State = Creating{TxID: txID}
	case domain.AccountCreated:
		a.State = Created{}
	case domain.AccountInitializing:
		a.State = Initializing{TxID: txID}
	case domain.AccountComplete:
		a.State = Complete{}
	case domain.AccountFailed:
		reason := ""
		if row.Error != nil {
			reason = *row.Error
		}
		a.State = Failed{Reason: reason}
	default:
		return nil, fmt.Errorf("arch account %d: unknown status %d", row.ID, row.Status)
	}
	return a, nil
}

// applyTo 把状态写回行
func (a *Account) applyTo(row *domain.ArchAccount) {
	row.Status = a.State.status()
	if id, ok := PendingTxID(a.State); ok {
		row.ChainTransactionID = &id
	}
	if f, ok := a.State.(Failed); ok {
		reason := f.Reason
		row.Error = &reason
	}
}
