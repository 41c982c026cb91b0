package wallet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// ErrBackupIntegrity signals a checksum or ciphertext mismatch. The backup
// has been corrupted or tampered with and must not be trusted.
var ErrBackupIntegrity = errors.New("wallet: backup integrity check failed")

// Backup is a portable, integrity-checked export of a wallet.
// Checksum is SHA-256 over the encrypted payload, so corruption is detected
// before decryption is even attempted.
type Backup struct {
	Version   int    `json:"version"`
	Encrypted string `json:"encrypted"` // base64(salt ∥ nonce ∥ secretbox)
	Checksum  string `json:"checksum"`  // sha256 hex of Encrypted
}

const backupVersion = 1

// scrypt parameters for the backup KDF.
const (
	backupScryptN = 1 << 17
	backupScryptR = 8
	backupScryptP = 1
	saltLen       = 16
	nonceLen      = 24
)

type backupPayload struct {
	PrivateKey string `json:"private_key"`
	Mnemonic   string `json:"mnemonic,omitempty"`
}

// CreateBackup encrypts the wallet under password and wraps it with a
// checksum.
func CreateBackup(w *Wallet, password string) (*Backup, error) {
	if err := CheckPassword(password); err != nil {
		return nil, err
	}

	plain, err := json.Marshal(backupPayload{
		PrivateKey: w.PrivateKeyHex(),
		Mnemonic:   w.Mnemonic,
	})
	if err != nil {
		return nil, fmt.Errorf("wallet: marshal backup: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("wallet: salt: %w", err)
	}
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wallet: nonce: %w", err)
	}

	key, err := deriveBackupKey(password, salt)
	if err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nil, plain, &nonce, key)

	envelope := append(append(append([]byte{}, salt...), nonce[:]...), sealed...)
	encrypted := base64.StdEncoding.EncodeToString(envelope)
	sum := sha256.Sum256([]byte(encrypted))

	return &Backup{
		Version:   backupVersion,
		Encrypted: encrypted,
		Checksum:  hex.EncodeToString(sum[:]),
	}, nil
}

// RestoreFromBackup verifies the checksum and decrypts the wallet.
func RestoreFromBackup(b *Backup, password string) (*Wallet, error) {
	if b.Version != backupVersion {
		return nil, fmt.Errorf("wallet: unsupported backup version %d", b.Version)
	}
	sum := sha256.Sum256([]byte(b.Encrypted))
	if hex.EncodeToString(sum[:]) != b.Checksum {
		return nil, ErrBackupIntegrity
	}

	envelope, err := base64.StdEncoding.DecodeString(b.Encrypted)
	if err != nil {
		return nil, ErrBackupIntegrity
	}
	if len(envelope) < saltLen+nonceLen+secretbox.Overhead {
		return nil, ErrBackupIntegrity
	}
	salt := envelope[:saltLen]
	var nonce [nonceLen]byte
	copy(nonce[:], envelope[saltLen:saltLen+nonceLen])
	sealed := envelope[saltLen+nonceLen:]

	key, err := deriveBackupKey(password, salt)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, ErrBackupIntegrity
	}

	var payload backupPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, ErrBackupIntegrity
	}
	w, err := ImportPrivateKey(payload.PrivateKey)
	if err != nil {
		return nil, err
	}
	w.Mnemonic = payload.Mnemonic
	return w, nil
}

func deriveBackupKey(password string, salt []byte) (*[32]byte, error) {
	raw, err := scrypt.Key([]byte(password), salt, backupScryptN, backupScryptR, backupScryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("wallet: kdf: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
