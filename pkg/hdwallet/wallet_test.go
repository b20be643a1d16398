package hdwallet

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mnemonic = "test test test test test test test test test test test junk"

func TestHDWallet_DeriveAddress(t *testing.T) {
	wallet, err := New(mnemonic, &chaincfg.MainNetParams)
	require.NoError(t, err)

	// 这组助记词的 m/44'/60'/0'/0/0 是 hardhat/anvil 的第一个默认账户
	evm, err := wallet.DeriveAddress(CoinTypeEthereum, 0)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", evm)

	btc, err := wallet.DeriveAddress(CoinTypeBitcoin, 1500)
	require.NoError(t, err)
	assert.NotEmpty(t, btc)

	_, err = wallet.DeriveAddress(50, 1500)
	assert.ErrorIs(t, err, ErrInvalidCoinType)

	// 同一助记词派生结果稳定
	wallet2, err := New(mnemonic, &chaincfg.MainNetParams)
	require.NoError(t, err)
	btc2, err := wallet2.DeriveAddress(CoinTypeBitcoin, 1500)
	require.NoError(t, err)
	assert.Equal(t, btc, btc2)
}

func TestHDWallet_EVMKeyMatchesAddress(t *testing.T) {
	wallet, err := New(mnemonic, &chaincfg.MainNetParams)
	require.NoError(t, err)

	key, err := wallet.EVMKey(3)
	require.NoError(t, err)
	addr, err := wallet.DeriveAddress(CoinTypeEthereum, 3)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestHDWallet_RejectsBadMnemonic(t *testing.T) {
	_, err := New("", &chaincfg.MainNetParams)
	assert.Error(t, err)
	_, err = New("not a real mnemonic", &chaincfg.MainNetParams)
	assert.Error(t, err)
}
