// Package app 把各组件按配置装配起来，每个操作一个轮询 loop
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"settlex.com/internal/settlement/chain"
	"settlex.com/internal/settlement/chain/arch"
	"settlex.com/internal/settlement/chain/evm"
	"settlex.com/internal/settlement/config"
	"settlex.com/internal/settlement/coordinator"
	"settlex.com/internal/settlement/deposit"
	"settlex.com/internal/settlement/domain"
	"settlex.com/internal/settlement/ingest"
	"settlex.com/internal/settlement/nonce"
	"settlex.com/internal/settlement/repo/mysql"
	"settlex.com/internal/settlement/sequencer"
	"settlex.com/internal/settlement/withdrawal"
	"settlex.com/pkg/hdwallet"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/metrics"
	"settlex.com/pkg/orm"
	"settlex.com/pkg/ratelimit"
	"settlex.com/pkg/safe"
	"settlex.com/pkg/xredis"
)

// unit 一条链上跑的全部组件，arch 和 evm 各自只填自己用得到的
type unit struct {
	name   string
	driver *chain.Driver

	ingestor    *ingest.Ingestor
	deposits    *deposit.Pipeline
	withdrawals *withdrawal.Batcher

	indexes     *arch.IndexAssigner
	accounts    *arch.AccountManager
	accountCfgs []arch.AccountConfig

	limiter *ratelimit.Store
	settle  coordinator.Chain
}

type App struct {
	cfg    *config.Cfg
	db     *gorm.DB
	repo   *mysql.Repo
	locker domain.Locker
	cache  domain.BalanceCache
	reg    *domain.Registry

	seq   *sequencer.Client
	units []*unit
	coord *coordinator.Coordinator

	loops   []*safe.Loop
	closers []func()
}

// New 连库、连 redis、连各链节点；任何一步失败都会关掉已经打开的资源
func New(ctx context.Context, cfg *config.Cfg) (_ *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.reg, err = cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	db, err := orm.NewMySQL(&cfg.DB)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.WithContext(ctx).AutoMigrate(domain.AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.db = db
	a.repo = mysql.New(db)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = xredis.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.onClose(func() { _ = rdb.Close() })
	}
	a.locker = newLocker(cfg, db, rdb)
	a.cache = domain.NopBalanceCache{}
	if rdb != nil {
		a.cache = xredis.NewBalanceCache(rdb, cfg.Cache.Prefix, cfg.Cache.Delay)
	}

	breakers := ratelimit.NewManager(cfg.Breaker.Default, cfg.Breaker.PerName())
	a.seq, err = sequencer.Dial(cfg.Sequencer, breakers)
	if err != nil {
		return nil, fmt.Errorf("sequencer: %w", err)
	}
	a.onClose(a.seq.Close)

	chains := make(map[string]coordinator.Chain, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		var u *unit
		switch cc.Type {
		case config.ChainTypeEVM:
			u, err = a.buildEVM(ctx, cc, breakers)
		case config.ChainTypeArch:
			u, err = a.buildArch(ctx, cc, breakers)
		default:
			err = fmt.Errorf("unknown chain type %q", cc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.Name, err)
		}
		a.units = append(a.units, u)
		chains[u.name] = u.settle
	}
	a.coord = coordinator.New(a.repo, a.locker, a.reg, chains, a.seq, a.cache, cfg.Settlement)
	return a, nil
}

func newLocker(cfg *config.Cfg, db *gorm.DB, rdb *redis.Client) domain.Locker {
	if cfg.Lock.Backend == config.LockBackendRedis && rdb != nil {
		return xredis.NewRedisLocker(rdb, cfg.Lock.Prefix, cfg.Lock.TTL)
	}
	return mysql.NewLeaseLocker(db, cfg.Lock.TTL)
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

func newLimiter(cc config.ChainConfig) *ratelimit.Store {
	if cc.RPCRate <= 0 {
		return nil
	}
	return ratelimit.NewStore(rate.Limit(cc.RPCRate), cc.RPCBurst, 0)
}

func (a *App) wallet(params *chaincfg.Params) (*hdwallet.HDWallet, error) {
	return hdwallet.New(a.cfg.Signer.Mnemonic, params)
}

func (a *App) buildEVM(ctx context.Context, cc config.ChainConfig, breakers *ratelimit.Manager) (*unit, error) {
	w, err := a.wallet(&chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	key, err := w.EVMKey(cc.KeyIndex)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}

	limiter := newLimiter(cc)
	client, err := evm.Dial(ctx, cc.Name, cc.RPC, limiter, breakers)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	a.onClose(client.Close)

	nonces := nonce.NewManager(cc.Name, a.repo, client, cc.Nonce)
	eng, err := evm.NewEngine(ctx, cc.Name, cc.EVM, client, a.reg, nonces, key)
	if err != nil {
		return nil, err
	}
	driver := chain.NewDriver(eng, a.repo, cc.DriverConfig())

	return &unit{
		name:        cc.Name,
		driver:      driver,
		ingestor:    ingest.New(evm.NewBlockSource(cc.Name, client, a.reg, cc.EVM.Contract), a.repo, a.locker, cc.Ingest),
		deposits:    deposit.New(cc.Name, a.repo, a.locker, eng, a.seq, a.cache, cc.Deposit),
		withdrawals: withdrawal.New(cc.Name, a.repo, a.locker, driver, eng, a.seq, a.cache, a.cfg.Withdrawal),
		limiter:     limiter,
		settle:      coordinator.Chain{Driver: driver, Builder: eng, Balances: eng},
	}, nil
}

func (a *App) buildArch(ctx context.Context, cc config.ChainConfig, breakers *ratelimit.Manager) (*unit, error) {
	params, err := arch.NetParams(cc.Arch.Network)
	if err != nil {
		return nil, err
	}
	w, err := a.wallet(params)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	key, err := w.DeriveKey(hdwallet.CoinTypeBitcoin, cc.KeyIndex)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}

	limiter := newLimiter(cc)
	rpc, err := arch.DialRPC(ctx, cc.Name, cc.RPC, limiter, breakers)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	a.onClose(rpc.Close)
	btc, err := arch.NewBitcoin(cc.Name, cc.Bitcoin, params, a.reg, limiter, breakers)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: %w", err)
	}
	a.onClose(btc.Close)

	eng, err := arch.NewEngine(cc.Name, cc.Arch, rpc, btc, a.reg, a.repo, key)
	if err != nil {
		return nil, err
	}
	driver := chain.NewDriver(eng, a.repo, cc.DriverConfig())

	return &unit{
		name:        cc.Name,
		driver:      driver,
		ingestor:    ingest.New(btc, a.repo, a.locker, cc.Ingest),
		deposits:    deposit.New(cc.Name, a.repo, a.locker, btc, a.seq, a.cache, cc.Deposit).WithArchCredit(driver, eng),
		indexes:     arch.NewIndexAssigner(cc.Name, a.repo, a.locker, driver, eng, cc.IndexBatch),
		accounts:    arch.NewAccountManager(cc.Name, a.repo, a.locker, driver, eng, a.reg),
		accountCfgs: cc.Accounts,
		limiter:     limiter,
		settle:      coordinator.Chain{Driver: driver, Builder: eng, Balances: eng},
	}, nil
}

// Run 阻塞到 ctx 取消；返回前停掉所有 loop
func (a *App) Run(ctx context.Context) error {
	if err := a.reconcileInFlight(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, u := range a.units {
		if u.accounts != nil && len(u.accountCfgs) > 0 {
			if err := u.accounts.Register(ctx, u.accountCfgs); err != nil {
				return fmt.Errorf("register %s accounts: %w", u.name, err)
			}
		}
		if u.limiter != nil {
			u.limiter.StartJanitor(ctx, time.Minute)
		}
	}
	if a.seq != nil {
		if err := a.seq.SubscribeDepositCompletions(ctx, a.handleDepositCompleted); err != nil {
			return fmt.Errorf("subscribe deposit completions: %w", err)
		}
	}

	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			safe.GoCtx(ctx, func(ctx context.Context) {
				metrics.CollectDBStats(ctx, sqlDB, 15*time.Second)
			})
		}
	}

	a.loops = a.buildLoops()
	for _, l := range a.loops {
		l.Start(ctx)
	}
	logger.Info(ctx, "settlement service started", zap.Int("chains", len(a.units)), zap.Int("loops", len(a.loops)))

	<-ctx.Done()
	for _, l := range a.loops {
		l.Stop()
	}
	return nil
}

func (a *App) buildLoops() []*safe.Loop {
	interval, failure := a.cfg.Loop.PollInterval, a.cfg.Loop.FailureInterval
	loop := func(name string, tick safe.TickFunc) *safe.Loop {
		return safe.NewLoop(name, interval, failure, tick)
	}

	var loops []*safe.Loop
	if a.coord != nil {
		loops = append(loops, loop("settlement", a.coord.ProcessSettlementBatch))
	}
	for _, u := range a.units {
		loops = append(loops,
			loop(u.name+".ingest", u.ingestor.ProcessBlocks),
			loop(u.name+".deposit.refresh", u.deposits.RefreshPendingDeposits),
		)
		if u.indexes != nil {
			// arch 的入账要发链上交易，不走 ForwardConfirmedDeposits
			loops = append(loops,
				loop(u.name+".deposit.credit", u.deposits.ProcessArchDeposits),
				loop(u.name+".indexes", u.indexes.ProcessIndexes),
				loop(u.name+".accounts", u.accounts.ProcessAccounts),
			)
			continue
		}
		loops = append(loops, loop(u.name+".deposit.forward", u.deposits.ForwardConfirmedDeposits))
		if u.withdrawals != nil {
			loops = append(loops,
				loop(u.name+".withdrawal.sequence", u.withdrawals.SequencePendingWithdrawals),
				loop(u.name+".withdrawal.batch", u.withdrawals.ProcessWithdrawals),
			)
		}
	}
	return loops
}

// reconcileInFlight 启动时把停在 Submitted 的交易过一遍：节点上已经没有的直接按消失处理
func (a *App) reconcileInFlight(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range a.units {
		g.Go(func() error {
			txs, err := a.repo.ChainTxsByStatus(ctx, u.name, domain.ChainTxSubmitted)
			if err != nil {
				return err
			}
			for _, t := range txs {
				err := a.repo.Transaction(ctx, func(ctx context.Context) error {
					tx, err := a.repo.ChainTxForUpdate(ctx, t.ID)
					if err != nil || tx == nil {
						return err
					}
					res, err := u.driver.Reconcile(ctx, tx)
					if err != nil {
						return err
					}
					return u.handOff(ctx, tx, res)
				})
				if err != nil {
					// 留给 loop 里的 Advance 继续处理
					logger.Warn(ctx, "reconcile chain tx failed", zap.String("chain", u.name), zap.Int64("id", t.ID), zap.Error(err))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// handOff 对账推进到终态的交易不会再被 loop 当作在途捡起，名下的提现和充值在同一个事务里结算。
// 结算批次、槽位和账户交易由各自的 loop 按 id 找回，Advance 会补上结果
func (u *unit) handOff(ctx context.Context, tx *domain.ChainTransaction, res *chain.Result) error {
	var err error
	switch tx.Kind {
	case domain.KindWithdrawalBatch:
		if u.withdrawals != nil {
			_, err = u.withdrawals.Settle(ctx, tx, res)
		}
	case domain.KindDepositCredit:
		if u.deposits != nil {
			_, err = u.deposits.SettleCredit(ctx, tx, res)
		}
	}
	return err
}

func (a *App) handleDepositCompleted(ctx context.Context, ev sequencer.DepositCompleted) error {
	for _, u := range a.units {
		if ev.Chain != "" && ev.Chain != u.name {
			continue
		}
		if err := u.deposits.HandleDepositCompleted(ctx, ev.TxHash); err != nil {
			return err
		}
		if ev.Chain != "" {
			return nil
		}
	}
	if ev.Chain != "" {
		logger.Warn(ctx, "deposit completion for unknown chain", zap.String("chain", ev.Chain), zap.String("tx", ev.TxHash))
	}
	return nil
}

// Close 反序释放
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
