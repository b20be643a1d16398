package domain

import "time"

type ArchAccountKind uint8

const (
	ArchProgram ArchAccountKind = iota + 1
	ArchProgramState
	ArchTokenState
)

func (k ArchAccountKind) String() string {
	switch k {
	case ArchProgram:
		return "program"
	case ArchProgramState:
		return "program_state"
	case ArchTokenState:
		return "token_state"
	default:
		return "unknown"
	}
}

type ArchAccountStatus uint8

const (
	AccountFunded ArchAccountStatus = iota
	AccountCreating
	AccountCreated
	AccountInitializing
	AccountComplete
	AccountFailed
)

func (s ArchAccountStatus) String() string {
	switch s {
	case AccountFunded:
		return "funded"
	case AccountCreating:
		return "creating"
	case AccountCreated:
		return "created"
	case AccountInitializing:
		return "initializing"
	case AccountComplete:
		return "complete"
	case AccountFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ArchAccount 落库形态；业务代码用 arch.AccountSetup 这个 sum type 操作
type ArchAccount struct {
	ID                 int64             `gorm:"primaryKey;autoIncrement"`
	Kind               ArchAccountKind   `gorm:"type:tinyint unsigned;not null"`
	Symbol             string            `gorm:"type:varchar(32);not null;default:''"` // 仅 token state
	Pubkey             string            `gorm:"type:varchar(80);not null;uniqueIndex:uk_arch_accounts_pubkey"`
	Status             ArchAccountStatus `gorm:"type:tinyint unsigned;not null;default:0;index:idx_arch_accounts_status"`
	FundingTxID        string            `gorm:"type:varchar(80);not null;default:''"`
	FundingVout        uint32            `gorm:"not null;default:0"`
	ChainTransactionID *int64
	Error              *string   `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (ArchAccount) TableName() string { return "arch_accounts" }
