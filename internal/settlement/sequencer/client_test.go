package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/ratelimit"
	"settlex.com/pkg/xerr"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	reply    []byte
	err      error
	handlers map[string]nats.MsgHandler
}

func (f *fakeConn) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subj)
	f.bodies = append(f.bodies, data)
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.handlers == nil {
		f.handlers = map[string]nats.MsgHandler{}
	}
	f.handlers[subj] = cb
	return nil, nil
}

func newTestClient(fc *fakeConn, breakers *ratelimit.Manager) *Client {
	return newClient(fc, Config{SubjectPrefix: "seq"}, breakers)
}

func TestDeposit_SendsIdempotentRequest(t *testing.T) {
	fc := &fakeConn{reply: []byte(`{"ok":true}`)}
	c := newTestClient(fc, nil)

	err := c.Deposit(context.Background(), &domain.Deposit{
		Chain: "ethereum", Wallet: "0xalice", Symbol: "USDC",
		Amount: decimal.NewFromInt(1500), TxHash: "0xd1",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"seq.deposit"}, fc.subjects)

	var req DepositRequest
	require.NoError(t, json.Unmarshal(fc.bodies[0], &req))
	assert.Equal(t, "deposit:0xd1", req.ID)
	assert.Equal(t, "1500", req.Amount)
	assert.Equal(t, "0xalice", req.Wallet)
}

func TestRequest_RejectionIsClientError(t *testing.T) {
	fc := &fakeConn{reply: []byte(`{"ok":false,"error":"insufficient balance"}`)}
	c := newTestClient(fc, nil)

	err := c.Withdraw(context.Background(), &domain.Withdrawal{ID: 7, Chain: "ethereum", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.KindClient))
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "insufficient balance")

	var req WithdrawRequest
	require.NoError(t, json.Unmarshal(fc.bodies[0], &req))
	assert.Equal(t, "withdraw:7", req.ID)
}

func TestRequest_TransportErrorIsTransient(t *testing.T) {
	fc := &fakeConn{err: nats.ErrNoResponders}
	c := newTestClient(fc, nil)

	err := c.FailSettlement(context.Background(), &domain.Trade{TradeID: "t1"}, "rejected")
	require.Error(t, err)
	assert.Equal(t, xerr.KindTransient, xerr.KindOf(err))
	assert.Equal(t, []string{"seq.fail_settlement"}, fc.subjects)
}

func TestRequest_BreakerOpensAfterFailures(t *testing.T) {
	fc := &fakeConn{err: nats.ErrTimeout}
	c := newTestClient(fc, ratelimit.NewManager(ratelimit.Rule{TripConsecutiveFailures: 2}, nil))
	ctx := context.Background()
	w := &domain.Withdrawal{ID: 1, Amount: decimal.Zero}

	require.Error(t, c.FailWithdraw(ctx, w, "x"))
	require.Error(t, c.FailWithdraw(ctx, w, "x"))
	// 熔断打开后不再打到 NATS
	err := c.FailWithdraw(ctx, w, "x")
	require.Error(t, err)
	assert.Equal(t, xerr.KindTransient, xerr.KindOf(err))
	assert.Len(t, fc.subjects, 2)
}

func TestSubscribeDepositCompletions(t *testing.T) {
	fc := &fakeConn{}
	c := newTestClient(fc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []DepositCompleted
	require.NoError(t, c.SubscribeDepositCompletions(ctx, func(_ context.Context, ev DepositCompleted) error {
		got = append(got, ev)
		return nil
	}))
	h := fc.handlers["seq.events.deposit"]
	require.NotNil(t, h)

	h(&nats.Msg{Data: []byte(`{"chain":"ethereum","tx_hash":"0xd1"}`)})
	h(&nats.Msg{Data: []byte(`not json`)})
	h(&nats.Msg{Data: []byte(`{"chain":"ethereum"}`)})

	assert.Equal(t, []DepositCompleted{{Chain: "ethereum", TxHash: "0xd1"}}, got)
}
