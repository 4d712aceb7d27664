package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"tessera.dev/internal/captoken"
)

func TestGeneratedKeyStaysOutOfLogs(t *testing.T) {
	key, err := captoken.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	seed := captoken.PrivateKeyHex(key)

	var logs, stderr bytes.Buffer
	announceGeneratedKey(&stderr, zerolog.New(&logs), key)

	if strings.Contains(logs.String(), seed) {
		t.Fatalf("signing key leaked into logs: %s", logs.String())
	}
	if !strings.Contains(logs.String(), "generated a new one") {
		t.Fatalf("expected a warning about the generated key, got %q", logs.String())
	}
	if strings.Count(stderr.String(), seed) != 1 {
		t.Fatalf("expected the key printed once, got %q", stderr.String())
	}
	parsed, err := captoken.ParsePrivateKeyHex(strings.TrimSpace(strings.SplitN(stderr.String(), "\n", 2)[1]))
	if err != nil {
		t.Fatalf("printed key does not parse: %v", err)
	}
	if !parsed.Equal(key) {
		t.Fatalf("printed key differs from the signing key")
	}
}
