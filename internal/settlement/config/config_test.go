package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"settlex.com/internal/settlement/chain/evm"
	"settlex.com/internal/settlement/domain"
	pkgconfig "settlex.com/pkg/config"
)

func TestLoad_ShippedConfig(t *testing.T) {
	var cfg Cfg
	require.NoError(t, pkgconfig.LoadFile("../../../config/settlement-service.yaml", "settlement-service", &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, LockBackendDB, cfg.Lock.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 10*time.Second, cfg.Settlement.MaxBatchWait)
	assert.Equal(t, 100, cfg.Settlement.MaxBatchSize)

	require.Len(t, cfg.Chains, 2)
	eth := cfg.Chains[0]
	assert.Equal(t, ChainTypeEVM, eth.Type)
	assert.Equal(t, int64(12), eth.Deposit.Confirmations)
	assert.Equal(t, 10*time.Minute, eth.Deposit.ReceiptMaxWait)
	assert.Equal(t, 64, eth.Ingest.MaxRollback)
	assert.Equal(t, 50, eth.Ingest.MaxBlocksPerTick)
	assert.Equal(t, 3, eth.Nonce.Probes)
	assert.Equal(t, int64(5000), eth.EVM.RecoverLookback)

	dc := eth.DriverConfig()
	assert.Equal(t, 15*time.Minute, dc.ReceiptMaxWait)
	assert.Equal(t, int64(1), dc.DefaultConfirmations)
	assert.Equal(t, map[domain.ChainTxKind]int64{domain.KindWithdrawalBatch: 3}, dc.Confirmations)

	arch := cfg.Chains[1]
	assert.Equal(t, ChainTypeArch, arch.Type)
	assert.Equal(t, int64(6), arch.Deposit.Confirmations)
	assert.Equal(t, int64(20), arch.Ingest.BlockLookback)
	require.Len(t, arch.Accounts, 1)
	assert.Equal(t, "token_state", arch.Accounts[0].Kind)

	rules := cfg.Breaker.PerName()
	require.Contains(t, rules, "sequencer.deposit")
	assert.Equal(t, 10*time.Second, rules["sequencer.deposit"].Timeout)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	_, ok := reg.Market("BTC-USDC")
	assert.True(t, ok)
}

func TestSetDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.yaml")
	body := `
chains:
  - name: ethereum
    evm:
      contract: "0x01"
  - name: arch
    type: arch
    arch:
      program_id: "ab"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	var cfg Cfg
	require.NoError(t, pkgconfig.LoadFile(path, "svc", &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Second, cfg.Loop.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Loop.FailureInterval)
	assert.Equal(t, 1, cfg.Withdrawal.MinBatchSize)
	assert.Equal(t, ":9100", cfg.Server.MetricsAddr)

	eth := cfg.Chains[0]
	assert.Equal(t, ChainTypeEVM, eth.Type)
	assert.Equal(t, int64(12), eth.Deposit.Confirmations)
	assert.Equal(t, int64(1), eth.SettlementConfirmations)
	assert.Equal(t, int64(10), eth.MaxUnseenBlocks)
	assert.Equal(t, int64(100), eth.Ingest.BlockLookback)
	assert.Equal(t, 10*time.Minute, eth.TxReceiptMaxWait)
	assert.Nil(t, eth.DriverConfig().Confirmations)

	assert.Equal(t, int64(6), cfg.Chains[1].Deposit.Confirmations)
}

func TestValidate(t *testing.T) {
	base := func() Cfg {
		c := Cfg{Chains: []ChainConfig{{Name: "ethereum", EVM: evm.Config{Contract: "0x01"}}}}
		c.SetDefaults()
		return c
	}

	c := base()
	require.NoError(t, c.Validate())

	c = base()
	c.Chains = append(c.Chains, c.Chains[0])
	assert.ErrorContains(t, c.Validate(), "duplicate chain")

	c = base()
	c.Chains[0].Type = "solana"
	assert.ErrorContains(t, c.Validate(), "unknown type")

	c = base()
	c.Chains[0].TxConfirmations = map[string]int64{"withdrawal": 3}
	assert.ErrorContains(t, c.Validate(), "unknown tx kind")

	c = base()
	c.Chains[0].TxConfirmations = map[string]int64{"Deposit_Credit": 2}
	require.NoError(t, c.Validate())
	assert.Equal(t, int64(2), c.Chains[0].DriverConfig().Confirmations[domain.KindDepositCredit])

	c = base()
	c.Lock.Backend = LockBackendRedis
	assert.ErrorContains(t, c.Validate(), "redis.addr")

	c = base()
	c.Chains = nil
	assert.Error(t, c.Validate())
}
