package wallet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development mnemonic and its first derived account.
const (
	devMnemonic = "test test test test test test test test test test test junk"
	devAddress  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	devKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func TestDeriveFromMnemonic(t *testing.T) {
	w, err := DeriveFromMnemonic(devMnemonic, DefaultDerivationPath)
	require.NoError(t, err)
	assert.Equal(t, devAddress, w.Address.Hex())
	assert.Equal(t, devKey, w.PrivateKeyHex())
	assert.Equal(t, devMnemonic, w.Mnemonic)
}

func TestDeriveSecondAccount(t *testing.T) {
	w, err := DeriveFromMnemonic(devMnemonic, "m/44'/60'/0'/0/1")
	require.NoError(t, err)
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", w.Address.Hex())
}

func TestImportPrivateKey(t *testing.T) {
	w, err := ImportPrivateKey("0x" + devKey)
	require.NoError(t, err)
	assert.Equal(t, devAddress, w.Address.Hex())

	_, err = ImportPrivateKey("zz")
	assert.Error(t, err)
}

func TestInvalidMnemonic(t *testing.T) {
	_, err := DeriveFromMnemonic("not a valid phrase", "")
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	assert.NotEmpty(t, w.Mnemonic)
	assert.Len(t, strings.Fields(w.Mnemonic), 12)

	// The mnemonic round-trips to the same key.
	again, err := ImportMnemonic(w.Mnemonic)
	require.NoError(t, err)
	assert.Equal(t, w.Address, again.Address)
}

func TestGenerateWithEntropy(t *testing.T) {
	entropy := strings.Repeat("ab", 32)
	w1, err := GenerateWithEntropy(entropy)
	require.NoError(t, err)
	w2, err := GenerateWithEntropy(entropy)
	require.NoError(t, err)
	assert.Equal(t, w1.Address, w2.Address)

	_, err = GenerateWithEntropy("abcd")
	assert.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	w, err := ImportPrivateKey(devKey)
	require.NoError(t, err)

	blob, err := Encrypt(w, "correct horse 1!")
	require.NoError(t, err)
	assert.Contains(t, blob, `"crypto"`)

	back, err := Decrypt(blob, "correct horse 1!")
	require.NoError(t, err)
	assert.Equal(t, w.Address, back.Address)
	assert.Equal(t, w.PrivateKeyHex(), back.PrivateKeyHex())

	_, err = Decrypt(blob, "wrong password 1!")
	assert.Error(t, err)
}

func TestBackupRoundTrip(t *testing.T) {
	w, err := DeriveFromMnemonic(devMnemonic, "")
	require.NoError(t, err)

	b, err := CreateBackup(w, "s3cret-pass!")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Version)
	assert.Len(t, b.Checksum, 64)

	restored, err := RestoreFromBackup(b, "s3cret-pass!")
	require.NoError(t, err)
	assert.Equal(t, w.Address, restored.Address)
	assert.Equal(t, devMnemonic, restored.Mnemonic)
}

func TestBackupTamperDetected(t *testing.T) {
	w, err := ImportPrivateKey(devKey)
	require.NoError(t, err)
	b, err := CreateBackup(w, "s3cret-pass!")
	require.NoError(t, err)

	// Flip one byte of the encrypted payload.
	raw := []byte(b.Encrypted)
	if raw[10] == 'A' {
		raw[10] = 'B'
	} else {
		raw[10] = 'A'
	}
	b.Encrypted = string(raw)

	_, err = RestoreFromBackup(b, "s3cret-pass!")
	assert.ErrorIs(t, err, ErrBackupIntegrity)
}

func TestBackupWrongPassword(t *testing.T) {
	w, err := ImportPrivateKey(devKey)
	require.NoError(t, err)
	b, err := CreateBackup(w, "s3cret-pass!")
	require.NoError(t, err)

	_, err = RestoreFromBackup(b, "other-pass-9!")
	assert.ErrorIs(t, err, ErrBackupIntegrity)
}

func TestPasswordPolicy(t *testing.T) {
	assert.NoError(t, CheckPassword("good-pass-7!"))
	assert.Error(t, CheckPassword("short1!"))
	assert.Error(t, CheckPassword("nodigits!!"))
	assert.Error(t, CheckPassword("nospecial123"))
	assert.Error(t, CheckPassword("P@ssword1")) // deny-list, case-insensitive
}
