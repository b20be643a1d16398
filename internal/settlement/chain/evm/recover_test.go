package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"settlex.com/internal/settlement/domain"
	"settlex.com/pkg/xerr"
)

func TestRecoverFilter_Withdrawals(t *testing.T) {
	reg := testRegistry(t)
	e := &Engine{chain: "ethereum", registry: reg, contract: contractAddr}

	var payloads [][]byte
	for _, id := range []int64{5, 6} {
		p, err := encodeWithdrawal(reg, &domain.Withdrawal{
			ID: id, Chain: "ethereum", Wallet: alice.Hex(), Symbol: "USDC",
			Amount: decimal.NewFromInt(100), Nonce: uint64(id), Signature: "0x01",
		})
		require.NoError(t, err)
		payloads = append(payloads, p)
	}
	tx, err := e.BuildWithdrawalBatch(context.Background(), payloads)
	require.NoError(t, err)

	f, err := newRecoverFilter(tx)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, map[int64]bool{5: true, 6: true}, f.sequences)
	require.Len(t, f.topics, 2)
	assert.Equal(t, []common.Hash{eventWithdrawalSucceeded, eventWithdrawalFailed}, f.topics[0])
	assert.Equal(t, []common.Hash{sequenceTopic(5), sequenceTopic(6)}, f.topics[1])

	okData, err := contractABI.Events["WithdrawalSucceeded"].Inputs.NonIndexed().Pack(usdcAddr, big.NewInt(40), big.NewInt(0))
	require.NoError(t, err)
	logs := []*types.Log{
		{Address: contractAddr, Topics: []common.Hash{eventWithdrawalSucceeded, sequenceTopic(5), common.BytesToHash(alice.Bytes())}, Data: okData},
		// 别的批次
		{Address: contractAddr, Topics: []common.Hash{eventWithdrawalSucceeded, sequenceTopic(9), common.BytesToHash(alice.Bytes())}, Data: okData},
	}
	out, err := e.outcomeFromLogs(logs)
	require.NoError(t, err)
	out = f.keep(out)
	require.Len(t, out.Withdrawals, 1)
	assert.True(t, out.Withdrawals[5].Success)
	assert.True(t, out.Withdrawals[5].Amount.Equal(decimal.NewFromInt(40)))
	_, ok := out.Withdrawals[6]
	assert.False(t, ok)
}

func TestRecoverFilter_Settlement(t *testing.T) {
	reg := testRegistry(t)
	e := &Engine{chain: "ethereum", registry: reg, contract: contractAddr}

	payload, hash, err := encodeSettlement(reg, testNetting(t, reg))
	require.NoError(t, err)
	tx, err := e.BuildSubmit(context.Background(), payload, hash.Hex())
	require.NoError(t, err)

	f, err := newRecoverFilter(tx)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.True(t, f.tradeHashes[TradeHash("t1")])
	assert.True(t, f.tradeHashes[TradeHash("t2")])

	failedData, err := contractABI.Events["SettlementFailed"].Inputs.NonIndexed().Pack(
		[][32]byte{[32]byte(crypto.Keccak256Hash([]byte("t2"))), [32]byte(crypto.Keccak256Hash([]byte("t99")))}, uint8(1))
	require.NoError(t, err)
	out, err := e.outcomeFromLogs([]*types.Log{
		{Address: contractAddr, Topics: []common.Hash{eventSettlementFailed, common.BytesToHash(bob.Bytes())}, Data: failedData},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{TradeHash("t2")}, f.keep(out).FailedTrades)

	// 回滚交易没有逐笔结果
	rb, err := e.BuildRollback(context.Background())
	require.NoError(t, err)
	f, err = newRecoverFilter(rb)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestEstimateError_RevertStaysRetryable(t *testing.T) {
	err := estimateError(classify(errors.New("execution reverted: batch pending")))
	assert.Equal(t, xerr.KindClient, xerr.KindOf(err))
	assert.ErrorContains(t, err, "estimate gas")

	transient := classify(errors.New("502 bad gateway"))
	assert.Equal(t, xerr.KindTransient, xerr.KindOf(estimateError(transient)))
}

func TestCallBlock_LatestIsNil(t *testing.T) {
	assert.Nil(t, callBlock(0))
	assert.Nil(t, callBlock(-1))
	assert.Equal(t, int64(120), callBlock(120).Int64())
}
