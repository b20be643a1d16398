package mysql

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"settlex.com/internal/settlement/domain"
)

// CreditBalance 增量记账（delta 可为负）
func (r *Repo) CreditBalance(ctx context.Context, wallet, symbol string, delta decimal.Decimal) error {
	return r.getDb(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet"}, {Name: "symbol"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"amount": gorm.Expr("amount + ?", delta),
		}),
	}).Create(&domain.ExchangeBalance{Wallet: wallet, Symbol: symbol, Amount: delta}).Error
}

// ReplaceBalance 用链上读回的余额覆盖，自愈累计误差
func (r *Repo) ReplaceBalance(ctx context.Context, wallet, symbol string, amount decimal.Decimal) error {
	return r.getDb(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(&domain.ExchangeBalance{Wallet: wallet, Symbol: symbol, Amount: amount}).Error
}

func (r *Repo) Balance(ctx context.Context, wallet, symbol string) (decimal.Decimal, error) {
	row, err := takeOne[domain.ExchangeBalance](r.getDb(ctx).
		Where("wallet = ? AND symbol = ?", wallet, symbol))
	if err != nil || row == nil {
		return decimal.Zero, err
	}
	return row.Amount, nil
}
