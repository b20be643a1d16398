package arch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	bin "github.com/gagliardetto/binary"
)

// Pubkey Arch 账户地址，x-only 公钥
type Pubkey [32]byte

func (p Pubkey) String() string { return hex.EncodeToString(p[:]) }

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pubkey) UnmarshalText(b []byte) error {
	k, err := ParsePubkey(string(b))
	if err != nil {
		return err
	}
	*p = k
	return nil
}

func ParsePubkey(s string) (Pubkey, error) {
	var p Pubkey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("pubkey %q: %w", s, err)
	}
	if len(raw) != 32 {
		return p, fmt.Errorf("pubkey %q: want 32 bytes, got %d", s, len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

func PubkeyFromKey(key *btcec.PublicKey) Pubkey {
	var p Pubkey
	copy(p[:], schnorr.SerializePubKey(key))
	return p
}

// WalletPubkey 只支持 taproot 地址：见证程序就是 x-only 公钥
func WalletPubkey(address string, params *chaincfg.Params) (Pubkey, error) {
	var p Pubkey
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return p, err
	}
	tr, ok := addr.(*btcutil.AddressTaproot)
	if !ok {
		return p, fmt.Errorf("%s is not a taproot address", address)
	}
	copy(p[:], tr.WitnessProgram())
	return p, nil
}

type AccountMeta struct {
	Pubkey     Pubkey `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

type Instruction struct {
	ProgramID Pubkey        `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

type Message struct {
	Signers      []Pubkey      `json:"signers"`
	Instructions []Instruction `json:"instructions"`
}

// Hash 交易 id：两次 sha256
func (m *Message) Hash() ([32]byte, error) {
	raw, err := bin.MarshalBorsh(m)
	if err != nil {
		return [32]byte{}, err
	}
	first := sha256.Sum256(raw)
	return sha256.Sum256(first[:]), nil
}

type RuntimeTransaction struct {
	Version    uint32   `json:"version"`
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
}

// signMessage BIP340 schnorr 签名，返回交易和 txid
func signMessage(key *btcec.PrivateKey, msg Message) (*RuntimeTransaction, string, error) {
	h, err := msg.Hash()
	if err != nil {
		return nil, "", err
	}
	sig, err := schnorr.Sign(key, h[:])
	if err != nil {
		return nil, "", fmt.Errorf("schnorr sign: %w", err)
	}
	return &RuntimeTransaction{
		Version:    0,
		Signatures: []string{hex.EncodeToString(sig.Serialize())},
		Message:    msg,
	}, hex.EncodeToString(h[:]), nil
}

// 程序指令的操作码
const (
	opInitProgramState uint8 = iota
	opInitTokenState
	opAssignBalanceIndexes
	opBatchDeposit
	opPrepareSettlement
	opSubmitSettlement
	opRollbackSettlement
)

type initProgramStateArgs struct {
	FeeAccount Pubkey
}

type initTokenStateArgs struct {
	Symbol string
}

type assignIndexesArgs struct {
	Wallets []Pubkey
}

type DepositEntry struct {
	Index  uint32
	Amount uint64
}

type batchDepositArgs struct {
	Deposits []DepositEntry
}

type Adjustment struct {
	Index uint32
	Delta int64
}

// TokenAdjustments 顺序和指令里的 token state 账户一致
type TokenAdjustments struct {
	Symbol      string
	Adjustments []Adjustment
}

type TraderTrades struct {
	Wallet      Pubkey
	TradeHashes [][32]byte
}

type SettlementPayload struct {
	Tokens  []TokenAdjustments
	Traders []TraderTrades
}

// encodeInstruction 一字节操作码 + borsh 参数
func encodeInstruction(op uint8, args interface{}) ([]byte, error) {
	if args == nil {
		return []byte{op}, nil
	}
	raw, err := bin.MarshalBorsh(args)
	if err != nil {
		return nil, err
	}
	return append([]byte{op}, raw...), nil
}

func payloadHash(raw []byte) string {
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

// ProgramState 程序状态账户的数据布局
type ProgramState struct {
	Version                 uint8
	FeeAccount              Pubkey
	SettlementBatchHash     [32]byte
	LastSettlementBatchHash [32]byte
	LastWithdrawalBatchHash [32]byte
	LastDepositBatchHash    [32]byte
}

type TokenBalance struct {
	Owner   Pubkey
	Balance uint64
}

// TokenState 槽位下标就是 Balances 里的位置
type TokenState struct {
	Version  uint8
	Symbol   string
	Balances []TokenBalance
}

func decodeProgramState(data []byte) (*ProgramState, error) {
	var st ProgramState
	if err := bin.UnmarshalBorsh(&st, data); err != nil {
		return nil, fmt.Errorf("decode program state: %w", err)
	}
	return &st, nil
}

func decodeTokenState(data []byte) (*TokenState, error) {
	var st TokenState
	if err := bin.UnmarshalBorsh(&st, data); err != nil {
		return nil, fmt.Errorf("decode token state: %w", err)
	}
	return &st, nil
}

// IndexOf 钱包在共享账户里的槽位
func (t *TokenState) IndexOf(owner Pubkey) (uint32, bool) {
	for i, b := range t.Balances {
		if b.Owner == owner {
			return uint32(i), true
		}
	}
	return 0, false
}
