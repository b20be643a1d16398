// 结算签名账户的密钥派生
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const (
	CoinTypeBitcoin  uint32 = 0
	CoinTypeEthereum uint32 = 60
)

var ErrInvalidCoinType = errors.New("invalid coin type")

type HDWallet struct {
	masterKey *hdkeychain.ExtendedKey
	btcParams *chaincfg.Params
}

// New 助记词 + 网络参数
func New(mnemonic string, netParams *chaincfg.Params) (*HDWallet, error) {
	if mnemonic == "" {
		return nil, errors.New("mnemonic cannot be empty")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	extendKey, err := hdkeychain.NewMaster(seed, netParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{masterKey: extendKey, btcParams: netParams}, nil
}

// DeriveKey BIP44: m / 44' / coin_type' / 0' / 0 / index
func (w *HDWallet) DeriveKey(coinType uint32, index uint32) (*btcec.PrivateKey, error) {
	if coinType != CoinTypeBitcoin && coinType != CoinTypeEthereum {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCoinType, coinType)
	}
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		coinType + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
		0,
		index,
	}
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	return key.ECPrivKey()
}

// EVMKey EVM 提交账户私钥
func (w *HDWallet) EVMKey(index uint32) (*ecdsa.PrivateKey, error) {
	k, err := w.DeriveKey(CoinTypeEthereum, index)
	if err != nil {
		return nil, err
	}
	return k.ToECDSA(), nil
}

// DeriveAddress 返回地址，不再对外暴露私钥 hex
func (w *HDWallet) DeriveAddress(coinType uint32, index uint32) (string, error) {
	k, err := w.DeriveKey(coinType, index)
	if err != nil {
		return "", err
	}
	return w.GetAddress(coinType, k)
}

func (w *HDWallet) GetAddress(coinType uint32, privKey *btcec.PrivateKey) (string, error) {
	switch coinType {
	case CoinTypeBitcoin: // p2wpkh
		addr, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(privKey.PubKey().SerializeCompressed()),
			w.btcParams,
		)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case CoinTypeEthereum:
		return crypto.PubkeyToAddress(privKey.ToECDSA().PublicKey).Hex(), nil
	default:
		return "", ErrInvalidCoinType
	}
}
