// Package agentconfig loads an Agent's configuration from environment
// variables (optionally via a .env file) and, as a supplement, an
// agent-local config.toml overlay for settings still at their default.
package agentconfig

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/YouAM-Network/uam/internal/handshake"
)

// Config holds everything an Agent needs to construct itself.
type Config struct {
	// AgentName is the local identity handle used to name key-store
	// files; independent of the address the agent resolves to once
	// registered.
	AgentName string
	// DataDir is the directory identity files, the contact book, and the
	// config.toml overlay live under.
	DataDir string
	// RelayURL is the primary relay base URL (HTTP).
	RelayURL string
	// RelayWSURL is the relay's WebSocket endpoint, used by the push
	// transport. Empty disables the push transport in favor of polling.
	RelayWSURL string
	// AutoRegister allows Agent.Connect to register a fresh identity
	// with the relay when no bearer token is on disk.
	AutoRegister bool
	// Policy is the trust policy governing inbound handshake requests.
	Policy handshake.Policy
	// UsePushTransport selects the WebSocket transport over the HTTP
	// polling transport.
	UsePushTransport bool
}

const (
	envAgentName  = "UAM_AGENT_NAME"
	envDataDir    = "UAM_DATA_DIR"
	envRelayURL   = "UAM_RELAY_URL"
	envRelayWSURL = "UAM_RELAY_WS_URL"
	envAutoReg    = "UAM_AUTO_REGISTER"
	envPolicy     = "UAM_TRUST_POLICY"
	envUsePush    = "UAM_USE_PUSH_TRANSPORT"
)

// Load reads configuration from the environment (optionally loading a
// .env file from the working directory first), then applies config.toml
// overlay values from dataDir for any field still at its default. Explicit
// environment variables always win over the overlay.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AgentName:        getEnv(envAgentName, "agent"),
		DataDir:          getEnv(envDataDir, defaultDataDir()),
		RelayURL:         getEnv(envRelayURL, ""),
		RelayWSURL:       getEnv(envRelayWSURL, ""),
		AutoRegister:     getBoolEnv(envAutoReg, false),
		Policy:           handshake.Policy(getEnv(envPolicy, string(handshake.PolicyApprovalRequired))),
		UsePushTransport: getBoolEnv(envUsePush, false),
	}

	if err := cfg.applyTOMLOverlay(); err != nil {
		return nil, fmt.Errorf("applying config.toml overlay: %w", err)
	}

	if cfg.RelayURL == "" && !cfg.AutoRegister {
		return nil, fmt.Errorf("%s must be set (or auto-register enabled against a known relay)", envRelayURL)
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uam"
	}
	return filepath.Join(home, ".uam")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// applyTOMLOverlay reads {DataDir}/config.toml, if present, and fills in
// any field still at its environment-variable default. There is no TOML
// library anywhere in this module's dependency corpus, so this reads the
// flat `key = "value"` / `key = true` subset the agent's own overlay
// needs by hand rather than importing an otherwise-ungrounded dependency;
// see DESIGN.md.
func (c *Config) applyTOMLOverlay() error {
	path := filepath.Join(c.DataDir, "config.toml")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"`)
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if os.Getenv(envRelayURL) == "" && c.RelayURL == "" {
		if v, ok := values["relay_url"]; ok {
			c.RelayURL = v
		}
	}
	if os.Getenv(envRelayWSURL) == "" && c.RelayWSURL == "" {
		if v, ok := values["relay_ws_url"]; ok {
			c.RelayWSURL = v
		}
	}
	if os.Getenv(envAutoReg) == "" {
		if v, ok := values["auto_register"]; ok {
			if b, err := strconv.ParseBool(v); err == nil {
				c.AutoRegister = b
			}
		}
	}
	if os.Getenv(envPolicy) == "" {
		if v, ok := values["trust_policy"]; ok {
			c.Policy = handshake.Policy(v)
		}
	}
	if os.Getenv(envUsePush) == "" {
		if v, ok := values["use_push_transport"]; ok {
			if b, err := strconv.ParseBool(v); err == nil {
				c.UsePushTransport = b
			}
		}
	}
	return nil
}
