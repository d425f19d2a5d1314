package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Provider is the read surface modules and handlers resolve credentials
// through, implemented by both the Redis-backed Store and the
// encrypted-file CryptFile keyring.
type Provider interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// CryptFile is the encrypted-file keyring backend, selected at startup
// when KEYRING_CRYPTFILE_PASSWORD is set: every secret lives in one
// local JSON file, each value encrypted with a key derived from the
// password. Useful on hosts with no Redis reachable at secret-read time.
type CryptFile struct {
	mu     sync.Mutex
	path   string
	cipher *Cipher
}

// NewCryptFile opens (or prepares to create) the keyring file at path,
// deriving the AES-256 key from password.
func NewCryptFile(path, password string) (*CryptFile, error) {
	if password == "" {
		return nil, fmt.Errorf("keyring: empty password")
	}
	sum := sha256.Sum256([]byte(password))
	cipher, err := NewCipher(hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, fmt.Errorf("keyring: derive key: %w", err)
	}
	return &CryptFile{path: path, cipher: cipher}, nil
}

func (f *CryptFile) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: read %s: %w", f.path, err)
	}
	entries := map[string]string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("keyring: decode %s: %w", f.path, err)
	}
	return entries, nil
}

func (f *CryptFile) save(entries map[string]string) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("keyring: encode: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("keyring: write %s: %w", f.path, err)
	}
	return os.Rename(tmp, f.path)
}

// Get retrieves and decrypts one secret.
func (f *CryptFile) Get(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return nil, err
	}
	encoded, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("secret not found: %s", name)
	}
	encrypted, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keyring: decode secret %s: %w", name, err)
	}
	plaintext, err := f.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("keyring: decrypt secret %s: %w", name, err)
	}
	return plaintext, nil
}

// Set encrypts and stores one secret, creating the file on first write.
func (f *CryptFile) Set(_ context.Context, name string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	encrypted, err := f.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("keyring: encrypt secret %s: %w", name, err)
	}
	entries[name] = base64.StdEncoding.EncodeToString(encrypted)
	return f.save(entries)
}
