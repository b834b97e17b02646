package agentconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/YouAM-Network/uam/internal/handshake"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{envAgentName, envDataDir, envRelayURL, envRelayWSURL, envAutoReg, envPolicy, envUsePush} {
		old, ok := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if ok {
				os.Setenv(key, old)
			}
		})
	}
}

func TestLoadFailsWithoutRelayURLOrAutoRegister(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail with no relay URL and auto-register disabled")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	clearEnv(t)
	os.Setenv(envAgentName, "alice")
	os.Setenv(envRelayURL, "https://relay.test")
	os.Setenv(envPolicy, string(handshake.PolicyAutoAccept))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentName != "alice" {
		t.Errorf("AgentName = %q", cfg.AgentName)
	}
	if cfg.RelayURL != "https://relay.test" {
		t.Errorf("RelayURL = %q", cfg.RelayURL)
	}
	if cfg.Policy != handshake.PolicyAutoAccept {
		t.Errorf("Policy = %q", cfg.Policy)
	}
}

func TestApplyTOMLOverlayFillsUnsetFields(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.Setenv(envDataDir, dir)

	toml := "relay_url = \"https://overlay.test\"\nauto_register = true\ntrust_policy = \"allowlist-only\"\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(toml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "https://overlay.test" {
		t.Errorf("RelayURL = %q, want overlay value", cfg.RelayURL)
	}
	if !cfg.AutoRegister {
		t.Error("AutoRegister should be true from overlay")
	}
	if cfg.Policy != handshake.PolicyAllowlistOnly {
		t.Errorf("Policy = %q", cfg.Policy)
	}
}

func TestApplyTOMLOverlayNeverOverridesExplicitEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.Setenv(envDataDir, dir)
	os.Setenv(envRelayURL, "https://env.test")

	toml := "relay_url = \"https://overlay.test\"\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(toml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "https://env.test" {
		t.Errorf("RelayURL = %q, want the environment value to win", cfg.RelayURL)
	}
}

func TestApplyTOMLOverlayMissingFileIsNotAnError(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.Setenv(envDataDir, dir)
	os.Setenv(envRelayURL, "https://relay.test")

	if _, err := Load(); err != nil {
		t.Fatalf("Load should succeed with no config.toml present: %v", err)
	}
}
