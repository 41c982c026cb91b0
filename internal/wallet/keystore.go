package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Encrypt serializes the wallet as a geth-compatible keystore v3 JSON blob.
// The blob is safe to embed in the operator config file.
func Encrypt(w *Wallet, password string) (string, error) {
	if err := CheckPassword(password); err != nil {
		return "", err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("wallet: uuid: %w", err)
	}
	key := &keystore.Key{
		Id:         id,
		Address:    w.Address,
		PrivateKey: w.PrivateKey,
	}
	blob, err := keystore.EncryptKey(key, password, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return "", fmt.Errorf("wallet: encrypt: %w", err)
	}
	return string(blob), nil
}

// Decrypt recovers a wallet from a keystore v3 JSON blob.
func Decrypt(blob, password string) (*Wallet, error) {
	key, err := keystore.DecryptKey([]byte(blob), password)
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt: %w", err)
	}
	return &Wallet{
		PrivateKey: key.PrivateKey,
		Address:    crypto.PubkeyToAddress(key.PrivateKey.PublicKey),
	}, nil
}

// ImportEncryptedJSON is Decrypt under the name the CLI uses.
func ImportEncryptedJSON(blob, password string) (*Wallet, error) {
	return Decrypt(blob, password)
}
