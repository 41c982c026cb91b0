// Package wallet provides pure functions over operator key material:
// generation, mnemonic derivation, import/export, encrypted persistence,
// and integrity-checked backups.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"
)

// DefaultDerivationPath is the standard Ethereum account path.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// Wallet is an in-memory operator key. The private key never leaves this
// struct except through the explicit export and encryption functions.
type Wallet struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
	Mnemonic   string // set only when generated from or imported as a mnemonic
}

// Generate creates a wallet from a fresh BIP-39 mnemonic (128-bit entropy).
func Generate() (*Wallet, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, fmt.Errorf("wallet: entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("wallet: mnemonic: %w", err)
	}
	return DeriveFromMnemonic(mnemonic, DefaultDerivationPath)
}

// GenerateWithEntropy builds a wallet from caller-supplied 32-byte hex
// entropy. Used when the operator wants reproducible key material.
func GenerateWithEntropy(entropyHex string) (*Wallet, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(entropyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid entropy hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("wallet: entropy must be 32 bytes, got %d", len(raw))
	}
	mnemonic, err := bip39.NewMnemonic(raw)
	if err != nil {
		return nil, fmt.Errorf("wallet: mnemonic: %w", err)
	}
	return DeriveFromMnemonic(mnemonic, DefaultDerivationPath)
}

// DeriveFromMnemonic derives the key at path from a BIP-39 phrase.
func DeriveFromMnemonic(mnemonic, path string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("wallet: invalid mnemonic")
	}
	if path == "" {
		path = DefaultDerivationPath
	}
	indices, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	seed := bip39.NewSeed(mnemonic, "")
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("wallet: master key: %w", err)
	}
	for _, idx := range indices {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("wallet: derive: %w", err)
		}
	}
	btcPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: ec key: %w", err)
	}
	priv, err := crypto.ToECDSA(btcPriv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("wallet: to ecdsa: %w", err)
	}
	return &Wallet{
		PrivateKey: priv,
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		Mnemonic:   mnemonic,
	}, nil
}

// ImportMnemonic is DeriveFromMnemonic at the default path.
func ImportMnemonic(mnemonic string) (*Wallet, error) {
	return DeriveFromMnemonic(mnemonic, DefaultDerivationPath)
}

// ImportPrivateKey parses a raw hex private key, with or without 0x.
func ImportPrivateKey(hexKey string) (*Wallet, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid private key: %w", err)
	}
	return &Wallet{
		PrivateKey: priv,
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// PrivateKeyHex exports the raw key as hex without prefix.
func (w *Wallet) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(w.PrivateKey))
}

// parsePath converts "m/44'/60'/0'/0/0" into derivation indices.
func parsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("wallet: path must start with m: %q", path)
	}
	var indices []uint32
	for _, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'")
		part = strings.TrimSuffix(part, "'")
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("wallet: bad path segment %q", part)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		indices = append(indices, idx)
	}
	return indices, nil
}
