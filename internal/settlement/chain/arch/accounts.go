package arch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
)

type AccountStore interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
	CreateArchAccount(ctx context.Context, a *domain.ArchAccount) error
	ArchAccountsForUpdate(ctx context.Context, statuses []domain.ArchAccountStatus, limit int) ([]*domain.ArchAccount, error)
	SaveArchAccount(ctx context.Context, a *domain.ArchAccount) error
	CreateChainTx(ctx context.Context, tx *domain.ChainTransaction) error
	ChainTxForUpdate(ctx context.Context, id int64) (*domain.ChainTransaction, error)
}

type accountChain interface {
	BuildAccountCreate(ctx context.Context, a *Account) (*domain.ChainTransaction, error)
	BuildAccountInit(ctx context.Context, a *Account) (*domain.ChainTransaction, error)
}

// AccountConfig 配置里声明的已注资账户
type AccountConfig struct {
	Kind        string `yaml:"kind" mapstructure:"kind"` // program | program_state | token_state
	Symbol      string `yaml:"symbol" mapstructure:"symbol"`
	Pubkey      string `yaml:"pubkey" mapstructure:"pubkey"`
	FundingTxID string `yaml:"funding_txid" mapstructure:"funding_txid"`
	FundingVout uint32 `yaml:"funding_vout" mapstructure:"funding_vout"`
}

func (c AccountConfig) row() (*domain.ArchAccount, error) {
	row := &domain.ArchAccount{
		Symbol:      c.Symbol,
		Pubkey:      c.Pubkey,
		FundingTxID: c.FundingTxID,
		FundingVout: c.FundingVout,
		Status:      domain.AccountFunded,
	}
	switch c.Kind {
	case "program":
		row.Kind = domain.ArchProgram
	case "program_state":
		row.Kind = domain.ArchProgramState
	case "token_state":
		if c.Symbol == "" {
			return nil, fmt.Errorf("token_state account %s needs a symbol", c.Pubkey)
		}
		row.Kind = domain.ArchTokenState
	default:
		return nil, fmt.Errorf("arch account %s: unknown kind %q", c.Pubkey, c.Kind)
	}
	if _, err := ParsePubkey(c.Pubkey); err != nil {
		return nil, err
	}
	return row, nil
}

// AccountManager 驱动程序/状态账户从注资到可用
type AccountManager struct {
	chain    string
	store    AccountStore
	locker   domain.Locker
	driver   *chain.Driver
	builder  accountChain
	registry *domain.Registry
}

func NewAccountManager(chainName string, store AccountStore, locker domain.Locker, driver *chain.Driver, builder accountChain, reg *domain.Registry) *AccountManager {
	return &AccountManager{chain: chainName, store: store, locker: locker, driver: driver, builder: builder, registry: reg}
}

// Register 已存在的账户不覆盖
func (m *AccountManager) Register(ctx context.Context, accounts []AccountConfig) error {
	for _, c := range accounts {
		row, err := c.row()
		if err != nil {
			return err
		}
		if err := m.store.CreateArchAccount(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var activeSetup = []domain.ArchAccountStatus{
	domain.AccountFunded, domain.AccountCreating, domain.AccountCreated, domain.AccountInitializing,
}

func (m *AccountManager) ProcessAccounts(ctx context.Context) (bool, error) {
	return domain.WithLock(ctx, m.locker, domain.ChainLockKey(domain.LockArchAcct, m.chain), func(ctx context.Context) (bool, error) {
		worked := false
		err := m.store.Transaction(ctx, func(ctx context.Context) error {
			rows, err := m.store.ArchAccountsForUpdate(ctx, activeSetup, 0)
			if err != nil {
				return err
			}
			fee, _ := m.registry.FeeAccount(m.chain)
			for _, row := range rows {
				changed, err := m.step(ctx, row, fee)
				if err != nil {
					return err
				}
				worked = worked || changed
			}
			return nil
		})
		return worked, err
	})
}

func (m *AccountManager) step(ctx context.Context, row *domain.ArchAccount, feeAccount string) (bool, error) {
	a, err := accountFromRow(row, feeAccount)
	if err != nil {
		return false, err
	}
	from := a.State

	var ev Event
	switch a.State.(type) {
	case Funded, Created:
		build := m.builder.BuildAccountCreate
		if _, ok := a.State.(Created); ok {
			build = m.builder.BuildAccountInit
		}
		tx, err := build(ctx, a)
		if err != nil {
			return false, err
		}
		if err := m.store.CreateChainTx(ctx, tx); err != nil {
			return false, err
		}
		if _, err := m.driver.Advance(ctx, tx); err != nil {
			return false, err
		}
		ev = TxBuilt{TxID: tx.ID}
	case Creating, Initializing:
		id, _ := PendingTxID(a.State)
		tx, err := m.store.ChainTxForUpdate(ctx, id)
		if err != nil {
			return false, err
		}
		if tx == nil {
			return false, fmt.Errorf("arch account %d: chain tx %d missing", a.ID, id)
		}
		res, err := m.driver.Advance(ctx, tx)
		if err != nil {
			return false, err
		}
		switch tx.Status {
		case domain.ChainTxCompleted:
			ev = TxCompleted{}
		case domain.ChainTxFailed:
			reason := "account setup tx failed"
			if tx.Error != nil {
				reason = *tx.Error
			}
			ev = TxFailed{Reason: reason}
		default:
			return res.Changed(), nil
		}
	default:
		return false, nil
	}

	next, err := Transition(a.Kind, a.State, ev)
	if err != nil {
		return false, err
	}
	a.State = next
	a.applyTo(row)
	if err := m.store.SaveArchAccount(ctx, row); err != nil {
		return false, err
	}

	fields := []zap.Field{
		zap.Int64("account", a.ID),
		zap.String("pubkey", a.Pubkey),
		zap.String("from", from.status().String()),
		zap.String("to", next.status().String()),
	}
	if f, ok := next.(Failed); ok {
		logger.Error(ctx, "arch account setup failed", append(fields, zap.String("reason", f.Reason))...)
	} else {
		logger.Info(ctx, "arch account setup", fields...)
	}
	return true, nil
}
