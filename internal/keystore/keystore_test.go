package keystore

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/YouAM-Network/uam/internal/uamcrypto"
)

func TestLoadOrGenerateCreatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir, "agent1", zerolog.Nop())

	if err := ks.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if len(ks.Keypair.Seed) != uamcrypto.SeedSize {
		t.Fatalf("expected a %d-byte seed, got %d", uamcrypto.SeedSize, len(ks.Keypair.Seed))
	}

	if _, err := os.Stat(filepath.Join(dir, "agent1.key")); err != nil {
		t.Fatalf("expected key file to be persisted: %v", err)
	}
}

func TestLoadOrGenerateReloadsExistingIdentity(t *testing.T) {
	dir := t.TempDir()
	ks1 := New(dir, "agent1", zerolog.Nop())
	if err := ks1.LoadOrGenerate(); err != nil {
		t.Fatal(err)
	}

	ks2 := New(dir, "agent1", zerolog.Nop())
	if err := ks2.LoadOrGenerate(); err != nil {
		t.Fatal(err)
	}

	if string(ks1.Keypair.VerifyKey) != string(ks2.Keypair.VerifyKey) {
		t.Fatal("reloading should reproduce the same identity")
	}
}

func TestEnvSeedOverrideBypassesDisk(t *testing.T) {
	dir := t.TempDir()
	seed := make([]byte, uamcrypto.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	t.Setenv(envSeedVar, base64.StdEncoding.EncodeToString(seed))

	ks := New(dir, "agent1", zerolog.Nop())
	if err := ks.LoadOrGenerate(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "agent1.key")); err == nil {
		t.Fatal("env override should bypass disk persistence entirely")
	}

	want, err := uamcrypto.DeriveKeypair(seed)
	if err != nil {
		t.Fatal(err)
	}
	if string(ks.Keypair.VerifyKey) != string(want.VerifyKey) {
		t.Fatal("env override seed did not produce the expected keypair")
	}
}

func TestTokenLegacyFallback(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir, "agent1", zerolog.Nop())

	if err := os.WriteFile(filepath.Join(dir, "agent1.api_key"), []byte("legacy-token"), 0o600); err != nil {
		t.Fatal(err)
	}

	token, err := ks.LoadToken()
	if err != nil {
		t.Fatalf("LoadToken should fall back to legacy .api_key: %v", err)
	}
	if token != "legacy-token" {
		t.Fatalf("token = %q, want %q", token, "legacy-token")
	}
}

func TestSaveLoadToken(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir, "agent1", zerolog.Nop())

	if err := ks.SaveToken("abc123"); err != nil {
		t.Fatal(err)
	}
	token, err := ks.LoadToken()
	if err != nil {
		t.Fatal(err)
	}
	if token != "abc123" {
		t.Fatalf("token = %q, want %q", token, "abc123")
	}
	if !ks.HasToken() {
		t.Fatal("HasToken should be true after SaveToken")
	}
}
