package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	ivSize  = 12
	tagSize = 16
)

// DecryptionError reports a secret field that failed to decode or authenticate.
type DecryptionError struct {
	ID    string
	Field string
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt %s of credential %q: %v", e.Field, e.ID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// sealField encrypts plaintext under a fresh iv and returns "iv:cipher:tag".
func sealField(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct) + ":" + hex.EncodeToString(tag), nil
}

// openField decrypts a stored blob. Blobs with two parts are the legacy
// "cipher:tag" form and need the record-level legacyIV.
func openField(key []byte, blob, legacyIV string) (string, error) {
	parts := strings.Split(blob, ":")

	var ivHex, ctHex, tagHex string
	switch len(parts) {
	case 3:
		ivHex, ctHex, tagHex = parts[0], parts[1], parts[2]
	case 2:
		if legacyIV == "" {
			return "", fmt.Errorf("legacy field without record iv")
		}
		ivHex, ctHex, tagHex = legacyIV, parts[0], parts[1]
	default:
		return "", fmt.Errorf("malformed blob: %d segments", len(parts))
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) == 0 {
		return "", fmt.Errorf("malformed iv")
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext")
	}
	tag, err := hex.DecodeString(tagHex)
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("malformed tag")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	// Older releases used 16-byte ivs.
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("authentication failed")
	}
	return string(plaintext), nil
}
