package crypto

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

// SaveToKeystore encrypts a raw private key into an Ethereum v3 keystore file
// at path. The parent directory is created with 0700 permissions.
func SaveToKeystore(path string, key []byte, passphrase string) error {
	if len(key) == 0 {
		return errors.New("crypto: empty private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	prv, err := crypto.ToECDSA(key)
	if err != nil {
		return ErrInvalidKey
	}
	defer clear(prv.D.Bits())

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(prv, passphrase); err != nil {
		return err
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file and returns the raw
// 32-byte private key.
func LoadFromKeystore(path, passphrase string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	defer clear(decrypted.PrivateKey.D.Bits())
	return crypto.FromECDSA(decrypted.PrivateKey), nil
}
