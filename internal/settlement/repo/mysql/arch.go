package mysql

import (
	"context"

	"gorm.io/gorm/clause"
	"settlex.com/internal/settlement/domain"
)

func (r *Repo) BalanceIndex(ctx context.Context, wallet, symbol string) (*domain.BalanceIndex, error) {
	return takeOne[domain.BalanceIndex](r.getDb(ctx).Where("wallet = ? AND symbol = ?", wallet, symbol))
}

// RequestBalanceIndex 没有就建一条 Pending，已存在不动
func (r *Repo) RequestBalanceIndex(ctx context.Context, wallet, symbol string) error {
	return r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.BalanceIndex{Wallet: wallet, Symbol: symbol, Status: domain.IndexPending}).Error
}

func (r *Repo) BalanceIndexesForUpdate(ctx context.Context, status domain.BalanceIndexStatus, limit int) ([]*domain.BalanceIndex, error) {
	var rows []*domain.BalanceIndex
	err := r.getDb(ctx).Clauses(skipLocked()).
		Where("status = ?", status).Order("id ASC").Scopes(limited(limit)).Find(&rows).Error
	return rows, err
}

func (r *Repo) BalanceIndexesByChainTx(ctx context.Context, txID int64) ([]*domain.BalanceIndex, error) {
	var rows []*domain.BalanceIndex
	err := r.getDb(ctx).Clauses(forUpdate()).Where("chain_transaction_id = ?", txID).Order("id ASC").Find(&rows).Error
	return rows, err
}

func (r *Repo) SaveBalanceIndex(ctx context.Context, bi *domain.BalanceIndex) error {
	return r.getDb(ctx).Save(bi).Error
}

// AssignedIndexes wallet -> slot，只返回已分配的
func (r *Repo) AssignedIndexes(ctx context.Context, symbol string, wallets []string) (map[string]uint32, error) {
	var rows []*domain.BalanceIndex
	err := r.getDb(ctx).
		Where("symbol = ? AND wallet IN ? AND status = ?", symbol, wallets, domain.IndexAssigned).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(rows))
	for _, row := range rows {
		if row.SlotIndex != nil {
			out[row.Wallet] = *row.SlotIndex
		}
	}
	return out, nil
}

func (r *Repo) CreateArchAccount(ctx context.Context, a *domain.ArchAccount) error {
	return r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a).Error
}

func (r *Repo) ArchAccountsForUpdate(ctx context.Context, statuses []domain.ArchAccountStatus, limit int) ([]*domain.ArchAccount, error) {
	var rows []*domain.ArchAccount
	err := r.getDb(ctx).Clauses(skipLocked()).
		Where("status IN ?", statuses).Order("id ASC").Scopes(limited(limit)).Find(&rows).Error
	return rows, err
}

func (r *Repo) ArchAccountByPubkey(ctx context.Context, pubkey string) (*domain.ArchAccount, error) {
	return takeOne[domain.ArchAccount](r.getDb(ctx).Where("pubkey = ?", pubkey))
}

func (r *Repo) SaveArchAccount(ctx context.Context, a *domain.ArchAccount) error {
	return r.getDb(ctx).Save(a).Error
}
