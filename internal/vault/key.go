package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// KeySource records where a vault key came from.
type KeySource string

const (
	KeyFromOperator KeySource = "operator"
	KeyFromFile     KeySource = "file"
	KeyGenerated    KeySource = "generated"
	KeyEphemeral    KeySource = "ephemeral"
)

// Key is a provisioned vault encryption key.
type Key struct {
	bytes  []byte
	Source KeySource
}

// Persisted reports whether the key will survive a process restart.
func (k *Key) Persisted() bool {
	return k.Source != KeyEphemeral
}

// NewKey wraps raw key bytes, e.g. for tests or callers with their own key management.
func NewKey(raw []byte, source KeySource) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(raw))
	}
	b := make([]byte, KeySize)
	copy(b, raw)
	return &Key{bytes: b, Source: source}, nil
}

// ProvisionKey resolves the vault key. operatorKey (hex or base64) wins when
// set; otherwise keyFile is read, or created with a new random key.
func ProvisionKey(operatorKey, keyFile string) (*Key, error) {
	if operatorKey != "" {
		raw, err := parseKey(operatorKey)
		if err != nil {
			return nil, fmt.Errorf("operator vault key: %w", err)
		}
		log.Printf("[vault] using operator-provided key")
		return NewKey(raw, KeyFromOperator)
	}

	data, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		raw, err := parseKey(string(data))
		if err != nil {
			// Never regenerate over an unreadable key: that would orphan every stored secret.
			return nil, fmt.Errorf("key file %s: %w", keyFile, err)
		}
		log.Printf("[vault] loaded key from %s", keyFile)
		return NewKey(raw, KeyFromFile)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read key file %s: %w", keyFile, err)
	}

	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}

	if err := writeKeyFile(keyFile, raw); err != nil {
		log.Printf("[vault] WARNING: could not persist generated key to %s: %v", keyFile, err)
		log.Printf("[vault] WARNING: running with an in-memory key; credentials saved by this process will be unreadable after restart")
		return NewKey(raw, KeyEphemeral)
	}
	log.Printf("[vault] generated new key at %s", keyFile)
	return NewKey(raw, KeyGenerated)
}

func writeKeyFile(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(hex.EncodeToString(raw) + "\n"); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// parseKey accepts 64 hex characters or standard base64 of 32 bytes.
func parseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == hex.EncodedLen(KeySize) {
		if raw, err := hex.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != KeySize {
		return nil, fmt.Errorf("expected %d-byte key as hex or base64", KeySize)
	}
	return raw, nil
}
