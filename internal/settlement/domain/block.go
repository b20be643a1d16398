package domain

import "github.com/shopspring/decimal"

// StandardBlock 各链 BlockSource 归一化后的区块，ingest 只认这个结构
type StandardBlock struct {
	Height     int64
	Hash       string
	ParentHash string
	Time       int64

	Deposits             []ObservedDeposit
	Outputs              []ObservedOutput
	Spends               []OutPoint
	LinkedSigners        []ObservedLinkedSigner
	SovereignWithdrawals []ObservedSovereignWithdrawal
}

type ObservedDeposit struct {
	TxHash string
	Wallet string
	Symbol string
	Amount decimal.Decimal
}

type ObservedOutput struct {
	TxID    string
	Vout    uint32
	Address string
	Amount  decimal.Decimal
}

type OutPoint struct {
	TxID    string
	Vout    uint32
	SpentBy string
}

type ObservedLinkedSigner struct {
	TxHash   string
	LogIndex uint
	Wallet   string
	Signer   string
}

type ObservedSovereignWithdrawal struct {
	TxHash   string
	LogIndex uint
	Wallet   string
	Symbol   string
	Amount   decimal.Decimal
}
