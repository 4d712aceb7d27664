package captoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateKey creates a fresh root signing key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("captoken: generate key: %w", err)
	}
	return priv, nil
}

// ParsePrivateKeyHex decodes a hex-encoded ed25519 seed (32 bytes) or full
// private key (64 bytes).
func ParsePrivateKeyHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		key := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !key.Equal(ed25519.PrivateKey(raw)) {
			return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidKey)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}
}

// PrivateKeyHex encodes the seed of key as hex, the form ParsePrivateKeyHex accepts.
func PrivateKeyHex(key ed25519.PrivateKey) string {
	return hex.EncodeToString(key.Seed())
}
