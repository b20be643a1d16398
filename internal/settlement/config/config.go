package config

import (
	"fmt"
	"strings"
	"time"

	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/chain/arch"
	"settlex.com/internal/settlement/chain/evm"
	"settlex.com/internal/settlement/coordinator"
	"settlex.com/internal/settlement/deposit"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/ingest"
	"settlex.com/internal/settlement/nonce"
	"settlex.com/internal/settlement/sequencer"
	"settlex.com/internal/settlement/withdrawal"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/orm"
	"settlex.com/pkg/ratelimit"
	"settlex.com/pkg/trace"
	"settlex.com/pkg/xredis"
)

const (
	ChainTypeEVM  = "evm"
	ChainTypeArch = "arch"

	LockBackendDB    = "db"
	LockBackendRedis = "redis"
)

// Cfg settlement-service 的全部配置，对应 config/settlement-service.yaml
type Cfg struct {
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	Logger    logger.Config    `yaml:"logger" mapstructure:"logger"`
	Trace     trace.Config     `yaml:"trace" mapstructure:"trace"`
	DB        orm.Config       `yaml:"db" mapstructure:"db"`
	Redis     xredis.Config    `yaml:"redis" mapstructure:"redis"` // addr 为空则不连 redis
	Lock      LockConfig       `yaml:"lock" mapstructure:"lock"`
	Cache     CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Sequencer sequencer.Config `yaml:"sequencer" mapstructure:"sequencer"`
	Breaker   BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Signer    SignerConfig     `yaml:"signer" mapstructure:"signer"`
	Loop      LoopConfig       `yaml:"loop" mapstructure:"loop"`

	Settlement coordinator.Config `yaml:"settlement" mapstructure:"settlement"`
	Withdrawal withdrawal.Config  `yaml:"withdrawal" mapstructure:"withdrawal"`

	Symbols     []domain.Symbol   `yaml:"symbols" mapstructure:"symbols"`
	Markets     []domain.Market   `yaml:"markets" mapstructure:"markets"`
	FeeAccounts map[string]string `yaml:"fee_accounts" mapstructure:"fee_accounts"` // chain -> wallet
	Chains      []ChainConfig     `yaml:"chains" mapstructure:"chains"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr" mapstructure:"pprof_addr"` // 空则不开
}

type LockConfig struct {
	Backend string        `yaml:"backend" mapstructure:"backend"` // db | redis
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Prefix  string        `yaml:"prefix" mapstructure:"prefix"`
}

type CacheConfig struct {
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	// 延迟双删的间隔
	Delay time.Duration `yaml:"delay" mapstructure:"delay"`
}

type BreakerConfig struct {
	Default ratelimit.Rule `yaml:"default" mapstructure:"default"`
	// 下游名带点（sequencer.deposit），不能做 viper 的 map key
	Rules []NamedRule `yaml:"rules" mapstructure:"rules"`
}

type NamedRule struct {
	Name string         `yaml:"name" mapstructure:"name"`
	Rule ratelimit.Rule `yaml:",inline" mapstructure:",squash"`
}

func (b BreakerConfig) PerName() map[string]ratelimit.Rule {
	m := make(map[string]ratelimit.Rule, len(b.Rules))
	for _, r := range b.Rules {
		m[r.Name] = r.Rule
	}
	return m
}

// SignerConfig 助记词只走环境变量覆盖，不要写进文件
type SignerConfig struct {
	Mnemonic string `yaml:"mnemonic" mapstructure:"mnemonic"`
}

type LoopConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	FailureInterval time.Duration `yaml:"failure_interval" mapstructure:"failure_interval"`
}

type ChainConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Type string `yaml:"type" mapstructure:"type"` // evm | arch
	RPC  string `yaml:"rpc" mapstructure:"rpc"`
	// 每秒请求数，0 不限速
	RPCRate  float64 `yaml:"rpc_rate" mapstructure:"rpc_rate"`
	RPCBurst int     `yaml:"rpc_burst" mapstructure:"rpc_burst"`
	// BIP44 地址索引
	KeyIndex uint32 `yaml:"key_index" mapstructure:"key_index"`

	SettlementConfirmations int64 `yaml:"settlement_confirmations" mapstructure:"settlement_confirmations"`
	MaxUnseenBlocks         int64 `yaml:"max_unseen_blocks" mapstructure:"max_unseen_blocks"`
	// 交易所自己发的交易等回执的上限；充值的 receipt_max_wait 只管用户交易
	TxReceiptMaxWait time.Duration `yaml:"tx_receipt_max_wait" mapstructure:"tx_receipt_max_wait"`
	// 按交易类型覆盖 settlement_confirmations，键是 withdrawal_batch 这类类型名
	TxConfirmations map[string]int64 `yaml:"tx_confirmations" mapstructure:"tx_confirmations"`

	Ingest  ingest.Config  `yaml:",inline" mapstructure:",squash"`
	Deposit deposit.Config `yaml:",inline" mapstructure:",squash"`
	Nonce   nonce.Config   `yaml:"nonce" mapstructure:"nonce"`

	EVM evm.Config `yaml:"evm" mapstructure:"evm"`

	Arch     arch.Config          `yaml:"arch" mapstructure:"arch"`
	Bitcoin  arch.BitcoinConfig   `yaml:"bitcoin" mapstructure:"bitcoin"`
	Accounts []arch.AccountConfig `yaml:"accounts" mapstructure:"accounts"`
	// 单笔建索引交易最多带几个钱包
	IndexBatch int `yaml:"index_batch" mapstructure:"index_batch"`
}

func (c *ChainConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ChainTypeEVM
	}
	if c.SettlementConfirmations <= 0 {
		c.SettlementConfirmations = 1
	}
	if c.MaxUnseenBlocks <= 0 {
		c.MaxUnseenBlocks = 10
	}
	if c.TxReceiptMaxWait <= 0 {
		c.TxReceiptMaxWait = 10 * time.Minute
	}
	if c.Type == ChainTypeArch && c.Deposit.Confirmations <= 0 {
		// 充值看的是比特币确认数
		c.Deposit.Confirmations = 6
	}
	if c.IndexBatch <= 0 {
		c.IndexBatch = 20
	}
	c.Ingest.SetDefaults()
	c.Deposit.SetDefaults()
	c.Nonce.SetDefaults()
}

// DriverConfig 交易状态机的参数；viper 会把 map 的键转成小写
func (c ChainConfig) DriverConfig() chain.DriverConfig {
	cfg := chain.DriverConfig{
		DefaultConfirmations: c.SettlementConfirmations,
		MaxUnseenBlocks:      c.MaxUnseenBlocks,
		ReceiptMaxWait:       c.TxReceiptMaxWait,
	}
	for name, n := range c.TxConfirmations {
		kind, ok := domain.ChainTxKindByName(strings.ToLower(name))
		if !ok {
			continue
		}
		if cfg.Confirmations == nil {
			cfg.Confirmations = make(map[domain.ChainTxKind]int64, len(c.TxConfirmations))
		}
		cfg.Confirmations[kind] = n
	}
	return cfg
}

func (c *Cfg) SetDefaults() {
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9100"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = LockBackendDB
	}
	if c.Lock.TTL <= 0 {
		c.Lock.TTL = 30 * time.Second
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "settlement"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "balance"
	}
	if c.Cache.Delay <= 0 {
		c.Cache.Delay = 500 * time.Millisecond
	}
	if c.Loop.PollInterval <= 0 {
		c.Loop.PollInterval = time.Second
	}
	if c.Loop.FailureInterval <= 0 {
		c.Loop.FailureInterval = 5 * time.Second
	}
	c.Sequencer.SetDefaults()
	c.Settlement.SetDefaults()
	c.Withdrawal.SetDefaults()
	for i := range c.Chains {
		c.Chains[i].SetDefaults()
	}
}

// Validate 启动前检查，热更新不会再调
func (c *Cfg) Validate() error {
	switch c.Lock.Backend {
	case LockBackendDB:
	case LockBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("lock backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	seen := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.Name == "" {
			return fmt.Errorf("chain name required")
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate chain %q", ch.Name)
		}
		seen[ch.Name] = true
		switch ch.Type {
		case ChainTypeEVM:
			if ch.EVM.Contract == "" {
				return fmt.Errorf("chain %s: evm.contract required", ch.Name)
			}
		case ChainTypeArch:
			if ch.Arch.ProgramID == "" {
				return fmt.Errorf("chain %s: arch.program_id required", ch.Name)
			}
		default:
			return fmt.Errorf("chain %s: unknown type %q", ch.Name, ch.Type)
		}
		for name := range ch.TxConfirmations {
			if _, ok := domain.ChainTxKindByName(strings.ToLower(name)); !ok {
				return fmt.Errorf("chain %s: unknown tx kind %q in tx_confirmations", ch.Name, name)
			}
		}
	}
	for _, s := range c.Symbols {
		if !seen[s.Chain] {
			return fmt.Errorf("symbol %s: unknown chain %q", s.Name, s.Chain)
		}
	}
	return nil
}

func (c *Cfg) Registry() (*domain.Registry, error) {
	return domain.NewRegistry(c.Symbols, c.Markets, c.FeeAccounts)
}
