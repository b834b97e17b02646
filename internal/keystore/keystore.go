// Package keystore loads, generates, and persists an agent's Ed25519
// identity and bearer token on disk.
package keystore

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/YouAM-Network/uam/internal/uamcrypto"
)

const (
	filePerm = 0o600
	dirPerm  = 0o700
)

// KeyStore owns an agent's seed bytes and bearer token on disk. After
// Load/Generate, Keypair is safe to share read-only; the seed is never
// re-derived elsewhere.
type KeyStore struct {
	dir     string
	name    string
	logger  zerolog.Logger
	Keypair uamcrypto.Keypair
}

// New returns a KeyStore rooted at dir for the named identity (e.g. the
// agent's local handle, independent of its resolved address).
func New(dir, name string, logger zerolog.Logger) *KeyStore {
	return &KeyStore{dir: dir, name: name, logger: logger}
}

func (ks *KeyStore) keyPath() string { return filepath.Join(ks.dir, ks.name+".key") }
func (ks *KeyStore) pubPath() string { return filepath.Join(ks.dir, ks.name+".pub") }
func (ks *KeyStore) tokenPath() string { return filepath.Join(ks.dir, ks.name+".token") }
func (ks *KeyStore) legacyTokenPath() string { return filepath.Join(ks.dir, ks.name+".api_key") }

// envSeedVar is the environment variable that can supply a base64-encoded
// seed directly, bypassing disk entirely.
const envSeedVar = "UAM_AGENT_SEED"

// LoadOrGenerate loads the persisted identity, generating and persisting a
// fresh one on first run. An UAM_AGENT_SEED environment variable, if set,
// always takes precedence over whatever is on disk.
func (ks *KeyStore) LoadOrGenerate() error {
	if seedB64 := os.Getenv(envSeedVar); seedB64 != "" {
		seed, err := base64.StdEncoding.DecodeString(seedB64)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", envSeedVar, err)
		}
		kp, err := uamcrypto.DeriveKeypair(seed)
		if err != nil {
			return err
		}
		ks.Keypair = kp
		ks.logger.Debug().Msg("loaded agent identity from environment override")
		return nil
	}

	if _, err := os.Stat(ks.keyPath()); err == nil {
		return ks.load()
	}

	kp, err := uamcrypto.GenerateKeypair()
	if err != nil {
		return err
	}
	ks.Keypair = kp
	if err := ks.persist(); err != nil {
		return err
	}
	ks.logger.Info().Str("path", ks.keyPath()).Msg("generated new agent identity")
	return nil
}

func (ks *KeyStore) load() error {
	raw, err := os.ReadFile(ks.keyPath())
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}
	ks.checkPermissions(ks.keyPath())

	seed, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return fmt.Errorf("decoding seed: %w", err)
	}
	kp, err := uamcrypto.DeriveKeypair(seed)
	if err != nil {
		return err
	}
	ks.Keypair = kp
	return nil
}

func (ks *KeyStore) persist() error {
	if err := os.MkdirAll(ks.dir, dirPerm); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	seedB64 := base64.StdEncoding.EncodeToString(ks.Keypair.Seed)
	if err := os.WriteFile(ks.keyPath(), []byte(seedB64), filePerm); err != nil {
		return fmt.Errorf("writing seed: %w", err)
	}

	pubB64 := uamcrypto.B64Encode(ks.Keypair.VerifyKey)
	if err := os.WriteFile(ks.pubPath(), []byte(pubB64), filePerm); err != nil {
		return fmt.Errorf("writing verify key: %w", err)
	}
	return nil
}

// checkPermissions warns (it does not fail) when an existing key file is
// readable by more than its owner on POSIX platforms.
func (ks *KeyStore) checkPermissions(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		ks.logger.Warn().Str("path", path).Str("mode", info.Mode().Perm().String()).
			Msg("key file permissions are broader than owner-only")
	}
}

// SaveToken persists the bearer token issued by a relay at registration.
func (ks *KeyStore) SaveToken(token string) error {
	if err := os.MkdirAll(ks.dir, dirPerm); err != nil {
		return err
	}
	return os.WriteFile(ks.tokenPath(), []byte(token), filePerm)
}

// LoadToken returns the persisted bearer token, falling back to the legacy
// .api_key filename used before tokens were renamed.
func (ks *KeyStore) LoadToken() (string, error) {
	raw, err := os.ReadFile(ks.tokenPath())
	if err == nil {
		return string(raw), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	legacy, err := os.ReadFile(ks.legacyTokenPath())
	if err != nil {
		return "", err
	}
	ks.logger.Debug().Msg("loaded bearer token from legacy .api_key path")
	return string(legacy), nil
}

// HasToken reports whether a token is persisted under either the current
// or legacy filename.
func (ks *KeyStore) HasToken() bool {
	_, err := ks.LoadToken()
	return err == nil
}
