// Package sequencer 撮合侧的 NATS request/reply 客户端
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/logger"
	"settlex.com/pkg/ratelimit"
	"settlex.com/pkg/xerr"
)

var ErrRejected = errors.New("sequencer rejected request")

type Config struct {
	URL           string        `yaml:"url" mapstructure:"url"`
	SubjectPrefix string        `yaml:"subject_prefix" mapstructure:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

func (c *Config) SetDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "sequencer"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// conn *nats.Conn 的子集
type conn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type Client struct {
	nc       conn
	closer   func()
	prefix   string
	timeout  time.Duration
	breakers *ratelimit.Manager
}

// Dial 断线无限重连；请求期间断开由熔断器兜住
func Dial(cfg Config, breakers *ratelimit.Manager) (*Client, error) {
	cfg.SetDefaults()
	nc, err := nats.Connect(cfg.URL,
		nats.Name("settlement-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "sequencer disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect sequencer: %w", err)
	}
	c := newClient(nc, cfg, breakers)
	c.closer = func() {
		_ = nc.Drain()
	}
	return c, nil
}

func newClient(nc conn, cfg Config, breakers *ratelimit.Manager) *Client {
	cfg.SetDefaults()
	if breakers == nil {
		breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	return &Client{nc: nc, prefix: cfg.SubjectPrefix, timeout: cfg.Timeout, breakers: breakers}
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// request 每个请求带幂等 id，重试不会在撮合侧重复生效
func (c *Client) request(ctx context.Context, method string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	subject := c.prefix + "." + method
	return c.breakers.Execute("sequencer."+method, func() error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		msg, err := c.nc.RequestWithContext(ctx, subject, body)
		if err != nil {
			return xerr.Wrap(xerr.KindTransient, fmt.Errorf("%s: %w", subject, err))
		}
		var r reply
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			return xerr.Wrap(xerr.KindTransient, fmt.Errorf("%s: decode reply: %w", subject, err))
		}
		if !r.OK {
			return xerr.Wrap(xerr.KindClient, fmt.Errorf("%w: %s: %s", ErrRejected, method, r.Error))
		}
		return nil
	})
}

type DepositRequest struct {
	ID     string `json:"id"`
	Chain  string `json:"chain"`
	Wallet string `json:"wallet"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
	TxHash string `json:"tx_hash"`
}

func (c *Client) Deposit(ctx context.Context, d *domain.Deposit) error {
	return c.request(ctx, "deposit", DepositRequest{
		ID:     "deposit:" + d.TxHash,
		Chain:  d.Chain,
		Wallet: d.Wallet,
		Symbol: d.Symbol,
		Amount: d.Amount.String(),
		TxHash: d.TxHash,
	})
}

type WithdrawRequest struct {
	ID           string `json:"id"`
	WithdrawalID int64  `json:"withdrawal_id"`
	Chain        string `json:"chain"`
	Wallet       string `json:"wallet"`
	Symbol       string `json:"symbol"`
	Amount       string `json:"amount"`
	Nonce        uint64 `json:"nonce"`
	Signature    string `json:"signature"`
}

func (c *Client) Withdraw(ctx context.Context, w *domain.Withdrawal) error {
	return c.request(ctx, "withdraw", WithdrawRequest{
		ID:           "withdraw:" + strconv.FormatInt(w.ID, 10),
		WithdrawalID: w.ID,
		Chain:        w.Chain,
		Wallet:       w.Wallet,
		Symbol:       w.Symbol,
		Amount:       w.Amount.String(),
		Nonce:        w.Nonce,
		Signature:    w.Signature,
	})
}

type FailWithdrawRequest struct {
	ID           string `json:"id"`
	WithdrawalID int64  `json:"withdrawal_id"`
	Wallet       string `json:"wallet"`
	Symbol       string `json:"symbol"`
	Reason       string `json:"reason"`
}

func (c *Client) FailWithdraw(ctx context.Context, w *domain.Withdrawal, reason string) error {
	return c.request(ctx, "fail_withdraw", FailWithdrawRequest{
		ID:           "fail_withdraw:" + strconv.FormatInt(w.ID, 10),
		WithdrawalID: w.ID,
		Wallet:       w.Wallet,
		Symbol:       w.Symbol,
		Reason:       reason,
	})
}

type FailSettlementRequest struct {
	ID           string `json:"id"`
	TradeID      string `json:"trade_id"`
	MarketID     string `json:"market_id"`
	BuyerWallet  string `json:"buyer_wallet"`
	SellerWallet string `json:"seller_wallet"`
	BuyOrderID   string `json:"buy_order_id"`
	SellOrderID  string `json:"sell_order_id"`
	Reason       string `json:"reason"`
}

func (c *Client) FailSettlement(ctx context.Context, t *domain.Trade, reason string) error {
	return c.request(ctx, "fail_settlement", FailSettlementRequest{
		ID:           "fail_settlement:" + t.TradeID,
		TradeID:      t.TradeID,
		MarketID:     t.MarketID,
		BuyerWallet:  t.BuyerWallet,
		SellerWallet: t.SellerWallet,
		BuyOrderID:   t.BuyOrderID,
		SellOrderID:  t.SellOrderID,
		Reason:       reason,
	})
}

// DepositCompleted sequencer 记账完成后广播
type DepositCompleted struct {
	Chain  string `json:"chain"`
	TxHash string `json:"tx_hash"`
}

type CompletionHandler func(ctx context.Context, ev DepositCompleted) error

// SubscribeDepositCompletions 处理失败只记日志：状态停在 SentToSequencer，sequencer 会重发
func (c *Client) SubscribeDepositCompletions(ctx context.Context, h CompletionHandler) error {
	subject := c.prefix + ".events.deposit"
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		var ev DepositCompleted
		if err := json.Unmarshal(m.Data, &ev); err != nil || ev.TxHash == "" {
			logger.Warn(ctx, "bad deposit completion", zap.ByteString("data", m.Data), zap.Error(err))
			return
		}
		if err := h(ctx, ev); err != nil {
			logger.Error(ctx, "handle deposit completion failed",
				zap.String("chain", ev.Chain),
				zap.String("tx", ev.TxHash),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}()
	return nil
}
