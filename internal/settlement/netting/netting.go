package netting

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/xerr"
)

var (
	ErrNettingMismatch = errors.New("netting does not sum to zero")
	ErrUnknownMarket   = errors.New("unknown market")
)

type WalletSymbol struct {
	Wallet string
	Symbol string
}

// ChainNetting 一条链上的净额调整
type ChainNetting struct {
	Chain string
	// symbol -> wallet -> delta，不含 0
	Adjustments map[string]map[string]decimal.Decimal
	// 触及本链的成交，按输入顺序
	TradeIDs []string
	// wallet -> 该钱包在本链上参与的成交
	WalletTrades map[string][]string

	touched map[WalletSymbol]struct{}
}

func newChainNetting(chain string) *ChainNetting {
	return &ChainNetting{
		Chain:        chain,
		Adjustments:  make(map[string]map[string]decimal.Decimal),
		WalletTrades: make(map[string][]string),
		touched:      make(map[WalletSymbol]struct{}),
	}
}

func (c *ChainNetting) add(symbol, wallet string, delta decimal.Decimal) {
	c.touched[WalletSymbol{Wallet: wallet, Symbol: symbol}] = struct{}{}
	m := c.Adjustments[symbol]
	if m == nil {
		m = make(map[string]decimal.Decimal)
		c.Adjustments[symbol] = m
	}
	m[wallet] = m[wallet].Add(delta)
}

func (c *ChainNetting) prune() {
	for symbol, wallets := range c.Adjustments {
		for w, d := range wallets {
			if d.IsZero() {
				delete(wallets, w)
			}
		}
		if len(wallets) == 0 {
			delete(c.Adjustments, symbol)
		}
	}
}

// IsEmpty 全部调整为 0，不需要上链
func (c *ChainNetting) IsEmpty() bool { return len(c.Adjustments) == 0 }

// Symbols 排序后的币种，编码批次时保证确定性
func (c *ChainNetting) Symbols() []string {
	out := make([]string, 0, len(c.Adjustments))
	for s := range c.Adjustments {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Wallets 某币种下排序后的钱包
func (c *ChainNetting) Wallets(symbol string) []string {
	m := c.Adjustments[symbol]
	out := make([]string, 0, len(m))
	for w := range m {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Touched 结算完成后需要用链上余额覆盖的 (wallet, symbol)，包含净额为 0 的
func (c *ChainNetting) Touched() []WalletSymbol {
	out := make([]WalletSymbol, 0, len(c.touched))
	for ws := range c.touched {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wallet != out[j].Wallet {
			return out[i].Wallet < out[j].Wallet
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

type Result struct {
	Chains map[string]*ChainNetting
}

// ChainNames 排序后的链
func (r *Result) ChainNames() []string {
	out := make([]string, 0, len(r.Chains))
	for c := range r.Chains {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type leg struct {
	chain  string
	symbol string
	wallet string
	delta  decimal.Decimal
}

// Compute 把一批成交轧差成每条链、每个币种、每个钱包的调整量。
// 每个币种的调整之和必须为 0，否则整批中止（撮合或手续费计算有 bug，绝不能上链）。
func Compute(ctx context.Context, trades []*domain.Trade, reg *domain.Registry) (*Result, error) {
	res := &Result{Chains: make(map[string]*ChainNetting)}

	for _, t := range trades {
		legs, err := tradeLegs(t, reg)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, 2)
		for _, l := range legs {
			cn := res.Chains[l.chain]
			if cn == nil {
				cn = newChainNetting(l.chain)
				res.Chains[l.chain] = cn
			}
			cn.add(l.symbol, l.wallet, l.delta)
			if !seen[l.chain] {
				seen[l.chain] = true
				cn.TradeIDs = append(cn.TradeIDs, t.TradeID)
			}
		}
		for chain := range seen {
			cn := res.Chains[chain]
			appendUnique(cn.WalletTrades, t.BuyerWallet, t.TradeID)
			appendUnique(cn.WalletTrades, t.SellerWallet, t.TradeID)
		}
	}

	if err := validate(res); err != nil {
		diagnose(ctx, trades, reg)
		return nil, err
	}

	for chain, cn := range res.Chains {
		cn.prune()
		if cn.IsEmpty() {
			delete(res.Chains, chain)
		}
	}
	return res, nil
}

func appendUnique(m map[string][]string, wallet, tradeID string) {
	ids := m[wallet]
	if len(ids) > 0 && ids[len(ids)-1] == tradeID {
		return
	}
	m[wallet] = append(ids, tradeID)
}

// tradeLegs 单笔成交的各条腿：
// base: 买方 +amount，卖方 -amount
// quote: notional = amount*price 按精度差缩放后截断；
// 买方 -(notional+buyerFee)，卖方 +(notional-sellerFee)，手续费账户 +(buyerFee+sellerFee)
func tradeLegs(t *domain.Trade, reg *domain.Registry) ([]leg, error) {
	m, ok := reg.Market(t.MarketID)
	if !ok {
		return nil, xerr.Wrap(xerr.KindInvariant, fmt.Errorf("%w: %s (trade %s)", ErrUnknownMarket, t.MarketID, t.TradeID))
	}
	base, _ := reg.Symbol(m.Base)
	quote, _ := reg.Symbol(m.Quote)

	notional := t.Amount.Mul(t.Price).Shift(quote.Decimals - base.Decimals).Truncate(0)

	legs := []leg{
		{chain: base.Chain, symbol: base.Name, wallet: t.BuyerWallet, delta: t.Amount},
		{chain: base.Chain, symbol: base.Name, wallet: t.SellerWallet, delta: t.Amount.Neg()},
		{chain: quote.Chain, symbol: quote.Name, wallet: t.BuyerWallet, delta: notional.Add(t.BuyerFee).Neg()},
		{chain: quote.Chain, symbol: quote.Name, wallet: t.SellerWallet, delta: notional.Sub(t.SellerFee)},
	}
	fees := t.BuyerFee.Add(t.SellerFee)
	// 没配手续费账户时这条腿缺失，轧差校验会拦下来
	if feeWallet, ok := reg.FeeAccount(quote.Chain); ok && !fees.IsZero() {
		legs = append(legs, leg{chain: quote.Chain, symbol: quote.Name, wallet: feeWallet, delta: fees})
	}
	return legs, nil
}

func validate(res *Result) error {
	for _, chain := range res.ChainNames() {
		cn := res.Chains[chain]
		for symbol, wallets := range cn.Adjustments {
			sum := decimal.Zero
			for _, d := range wallets {
				sum = sum.Add(d)
			}
			if !sum.IsZero() {
				return xerr.Wrap(xerr.KindInvariant,
					fmt.Errorf("%w: chain=%s symbol=%s sum=%s", ErrNettingMismatch, chain, symbol, sum))
			}
		}
	}
	return nil
}

// diagnose 逐笔重算，只用于定位出问题的成交；批次仍然中止
func diagnose(ctx context.Context, trades []*domain.Trade, reg *domain.Registry) {
	for _, t := range trades {
		legs, err := tradeLegs(t, reg)
		if err != nil {
			continue
		}
		sums := make(map[string]decimal.Decimal)
		for _, l := range legs {
			sums[l.symbol] = sums[l.symbol].Add(l.delta)
		}
		for symbol, sum := range sums {
			if !sum.IsZero() {
				logger.Error(ctx, "trade does not net to zero",
					zap.String("trade_id", t.TradeID),
					zap.String("market", t.MarketID),
					zap.String("symbol", symbol),
					zap.String("sum", sum.String()),
				)
			}
		}
	}
}
