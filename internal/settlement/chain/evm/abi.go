package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// 交易所结算合约的 ABI，只保留用到的方法和事件
const exchangeABI = `[
{"type":"function","name":"prepareSettlementBatch","stateMutability":"nonpayable","inputs":[{"name":"data","type":"bytes"}],"outputs":[]},
{"type":"function","name":"submitSettlementBatch","stateMutability":"nonpayable","inputs":[{"name":"data","type":"bytes"}],"outputs":[]},
{"type":"function","name":"rollbackBatch","stateMutability":"nonpayable","inputs":[],"outputs":[]},
{"type":"function","name":"submitWithdrawals","stateMutability":"nonpayable","inputs":[{"name":"withdrawals","type":"bytes[]"}],"outputs":[]},
{"type":"function","name":"batchHash","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"lastSettlementBatchHash","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"lastWithdrawalBatchHash","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"balances","stateMutability":"view","inputs":[{"name":"wallet","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"int256"}]},
{"type":"event","name":"Deposit","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"LinkedSignerChanged","anonymous":false,"inputs":[{"name":"sender","type":"address","indexed":true},{"name":"linkedSigner","type":"address","indexed":false}]},
{"type":"event","name":"WithdrawalRequested","anonymous":false,"inputs":[{"name":"sender","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"SettlementFailed","anonymous":false,"inputs":[{"name":"trader","type":"address","indexed":true},{"name":"tradeHashes","type":"bytes32[]","indexed":false},{"name":"errorCode","type":"uint8","indexed":false}]},
{"type":"event","name":"WithdrawalSucceeded","anonymous":false,"inputs":[{"name":"sequence","type":"uint64","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"balanceAfter","type":"uint256","indexed":false}]},
{"type":"event","name":"WithdrawalFailed","anonymous":false,"inputs":[{"name":"sequence","type":"uint64","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"balance","type":"uint256","indexed":false},{"name":"errorCode","type":"uint8","indexed":false}]}
]`

// 合约里的错误码
const (
	errCodeInvalidSignature    uint8 = 0
	errCodeInsufficientBalance uint8 = 1
)

func errorCodeText(code uint8) string {
	switch code {
	case errCodeInvalidSignature:
		return "InvalidSignature"
	case errCodeInsufficientBalance:
		return "InsufficientBalance"
	default:
		return "Unknown"
	}
}

var (
	contractABI = mustParseABI(exchangeABI)

	eventDeposit             = contractABI.Events["Deposit"].ID
	eventLinkedSigner        = contractABI.Events["LinkedSignerChanged"].ID
	eventWithdrawalRequested = contractABI.Events["WithdrawalRequested"].ID
	eventSettlementFailed    = contractABI.Events["SettlementFailed"].ID
	eventWithdrawalSucceeded = contractABI.Events["WithdrawalSucceeded"].ID
	eventWithdrawalFailed    = contractABI.Events["WithdrawalFailed"].ID

	// 结算批次 payload：只用基础类型，避免 tuple 编码
	settlementArgs = abi.Arguments{
		{Name: "tokens", Type: mustType("address[]")},
		{Name: "wallets", Type: mustType("address[][]")},
		{Name: "amounts", Type: mustType("int256[][]")},
		{Name: "traders", Type: mustType("address[]")},
		{Name: "tradeHashes", Type: mustType("bytes32[][]")},
	}

	withdrawalArgs = abi.Arguments{
		{Name: "sequence", Type: mustType("uint64")},
		{Name: "sender", Type: mustType("address")},
		{Name: "token", Type: mustType("address")},
		{Name: "amount", Type: mustType("uint256")},
		{Name: "nonce", Type: mustType("uint64")},
		{Name: "signature", Type: mustType("bytes")},
	}

	withdrawalBatchArgs = abi.Arguments{{Name: "withdrawals", Type: mustType("bytes[]")}}

	zeroHash = common.Hash{}
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
