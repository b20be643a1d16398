package domain

import (
	"fmt"
	"strings"
)

type Symbol struct {
	Name            string `yaml:"name" mapstructure:"name"`
	Chain           string `yaml:"chain" mapstructure:"chain"`
	ContractAddress string `yaml:"contract_address" mapstructure:"contract_address"` // EVM 原生币为空
	Decimals        int32  `yaml:"decimals" mapstructure:"decimals"`
}

type Market struct {
	ID    string `yaml:"id" mapstructure:"id"`
	Base  string `yaml:"base" mapstructure:"base"`
	Quote string `yaml:"quote" mapstructure:"quote"`
}

// Registry 币种/交易对/手续费账户，启动时从配置构建，之后只读
type Registry struct {
	symbols     map[string]Symbol
	markets     map[string]Market
	byContract  map[string]string // chain|lower(addr) -> symbol
	feeAccounts map[string]string // chain -> wallet
}

func NewRegistry(symbols []Symbol, markets []Market, feeAccounts map[string]string) (*Registry, error) {
	r := &Registry{
		symbols:     make(map[string]Symbol, len(symbols)),
		markets:     make(map[string]Market, len(markets)),
		byContract:  make(map[string]string, len(symbols)),
		feeAccounts: make(map[string]string, len(feeAccounts)),
	}
	for _, s := range symbols {
		if s.Name == "" || s.Chain == "" {
			return nil, fmt.Errorf("symbol %q: name and chain required", s.Name)
		}
		if _, dup := r.symbols[s.Name]; dup {
			return nil, fmt.Errorf("duplicate symbol %q", s.Name)
		}
		r.symbols[s.Name] = s
		r.byContract[contractKey(s.Chain, s.ContractAddress)] = s.Name
	}
	for _, m := range markets {
		if _, ok := r.symbols[m.Base]; !ok {
			return nil, fmt.Errorf("market %s: unknown base %q", m.ID, m.Base)
		}
		if _, ok := r.symbols[m.Quote]; !ok {
			return nil, fmt.Errorf("market %s: unknown quote %q", m.ID, m.Quote)
		}
		r.markets[m.ID] = m
	}
	for chain, wallet := range feeAccounts {
		r.feeAccounts[chain] = wallet
	}
	return r, nil
}

func contractKey(chain, addr string) string {
	return chain + "|" + strings.ToLower(addr)
}

func (r *Registry) Symbol(name string) (Symbol, bool) {
	s, ok := r.symbols[name]
	return s, ok
}

func (r *Registry) Market(id string) (Market, bool) {
	m, ok := r.markets[id]
	return m, ok
}

// SymbolByContract EVM 事件里的 token 地址 -> 币种；原生币传零地址或空串
func (r *Registry) SymbolByContract(chain, addr string) (Symbol, bool) {
	if strings.Trim(strings.TrimPrefix(strings.ToLower(addr), "0x"), "0") == "" {
		addr = ""
	}
	name, ok := r.byContract[contractKey(chain, addr)]
	if !ok {
		return Symbol{}, false
	}
	return r.symbols[name], true
}

func (r *Registry) FeeAccount(chain string) (string, bool) {
	w, ok := r.feeAccounts[chain]
	return w, ok
}

func (r *Registry) SymbolsOnChain(chain string) []Symbol {
	var out []Symbol
	for _, s := range r.symbols {
		if s.Chain == chain {
			out = append(out, s)
		}
	}
	return out
}

// MarketOnChain 交易对的 base 或 quote 在该链上
func (r *Registry) MarketOnChain(marketID, chain string) bool {
	m, ok := r.markets[marketID]
	if !ok {
		return false
	}
	return r.symbols[m.Base].Chain == chain || r.symbols[m.Quote].Chain == chain
}
