// Package contactbook is the durable local trust store: contacts, pending
// handshakes, and block patterns, backed by SQLite and mirrored into
// in-memory caches for O(1) membership checks.
package contactbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/YouAM-Network/uam/internal/uamerr"
)

// TrustState is one of the finite set of trust lifecycle states a Contact
// can occupy.
type TrustState string

const (
	TrustUnknown       TrustState = "unknown"
	TrustUnverified    TrustState = "unverified"
	TrustHandshakeSent TrustState = "handshake-sent"
	TrustProvisional   TrustState = "provisional"
	TrustTrusted       TrustState = "trusted"
	TrustPinned        TrustState = "pinned"
	TrustVerified      TrustState = "verified"
)

const pendingTTL = 7 * 24 * time.Hour

// Contact is a row in the contacts table.
type Contact struct {
	Address     string
	PublicKey   string
	DisplayName string
	TrustState  TrustState
	TrustSource string
	Relay       string
	RelaysJSON  string
	PinnedAt    *time.Time
	FirstSeen   time.Time
	LastSeen    time.Time
}

// PendingHandshake is a row in the pending_handshakes table: an inbound
// handshake.request awaiting manual approval.
type PendingHandshake struct {
	Address         string
	ContactCardJSON string
	ReceivedAt      time.Time
}

// ContactBook is the trust store for a single agent identity.
type ContactBook struct {
	db     *sql.DB
	logger zerolog.Logger

	mu             sync.RWMutex
	knownAddresses map[string]struct{}
	exactBlocks    map[string]struct{}
	domainBlocks   map[string]struct{}
}

// Open creates (if absent) and opens the SQLite-backed contact book at
// path, running schema migrations and warming the in-memory caches.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*ContactBook, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating contact book directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening contact book: %w", err)
	}
	db.SetMaxOpenConns(1)

	cb := &ContactBook{
		db:             db,
		logger:         logger,
		knownAddresses: make(map[string]struct{}),
		exactBlocks:    make(map[string]struct{}),
		domainBlocks:   make(map[string]struct{}),
	}

	if err := cb.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := cb.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := cb.warmCaches(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return cb, nil
}

// Close releases the underlying database handle. Idempotent.
func (cb *ContactBook) Close() error {
	if cb.db == nil {
		return nil
	}
	return cb.db.Close()
}

func (cb *ContactBook) initSchema(ctx context.Context) error {
	_, err := cb.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contacts (
			address TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			display_name TEXT,
			trust_state TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS pending_handshakes (
			address TEXT PRIMARY KEY,
			contact_card TEXT NOT NULL,
			received_at TEXT NOT NULL
		);
	`)
	return err
}

// migrationStep is one forward-only schema change, applied under
// PRAGMA user_version so re-opening an older contact book upgrades it in
// place instead of assuming a fresh schema.
type migrationStep struct {
	sql string
}

var migrations = []migrationStep{
	{sql: `ALTER TABLE contacts ADD COLUMN trust_source TEXT;
	       CREATE TABLE IF NOT EXISTS blocked_patterns (pattern TEXT PRIMARY KEY, blocked_at TEXT NOT NULL);`},
	{sql: `ALTER TABLE contacts ADD COLUMN relay TEXT;
	       ALTER TABLE contacts ADD COLUMN relays_json TEXT;`},
	{sql: `ALTER TABLE contacts ADD COLUMN pinned_at TEXT;`},
}

func (cb *ContactBook) migrate(ctx context.Context) error {
	var version int
	if err := cb.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := cb.db.ExecContext(ctx, migrations[i].sql); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
		if _, err := cb.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("recording schema version %d: %w", i+1, err)
		}
	}
	return nil
}

func (cb *ContactBook) warmCaches(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	rows, err := cb.db.QueryContext(ctx, "SELECT address FROM contacts")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return err
		}
		cb.knownAddresses[addr] = struct{}{}
	}

	patternRows, err := cb.db.QueryContext(ctx, "SELECT pattern FROM blocked_patterns")
	if err != nil {
		return err
	}
	defer patternRows.Close()
	for patternRows.Next() {
		var pattern string
		if err := patternRows.Scan(&pattern); err != nil {
			return err
		}
		cb.cacheBlockPattern(pattern)
	}
	return nil
}

// IsKnown reports whether address has any row in the contact book, via the
// in-memory cache.
func (cb *ContactBook) IsKnown(address string) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	_, ok := cb.knownAddresses[address]
	return ok
}

// AddContact upserts a contact row. Per the coalescing rule, an empty
// trustSource/relay leaves any previously stored value untouched rather
// than overwriting it with a blank.
//
// If the contact is already pinned under a different public key, this
// returns a KeyPinningError instead of silently overwriting the pinned
// key — resolving the base specification's open TOFU question in favor of
// a hard failure over silent demotion.
func (cb *ContactBook) AddContact(ctx context.Context, address, publicKey, displayName string, trustState TrustState, trustSource string) error {
	existing, err := cb.GetContact(ctx, address)
	if err != nil {
		return err
	}
	if existing != nil && existing.TrustState == TrustPinned && existing.PublicKey != publicKey {
		return &uamerr.KeyPinningError{Address: address, PinnedKey: existing.PublicKey, ObservedKey: publicKey}
	}

	now := time.Now().UTC()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	_, err = cb.db.ExecContext(ctx, `
		INSERT INTO contacts (address, public_key, display_name, trust_state, trust_source, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			public_key = excluded.public_key,
			display_name = excluded.display_name,
			trust_state = excluded.trust_state,
			trust_source = COALESCE(NULLIF(excluded.trust_source, ''), contacts.trust_source),
			last_seen = excluded.last_seen
	`, address, publicKey, displayName, string(trustState), trustSource, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting contact: %w", err)
	}

	cb.knownAddresses[address] = struct{}{}
	return nil
}

// SetContactRelays sets a contact's primary relay and ordered relay-list
// JSON, preserved independently of AddContact's coalescing rule.
func (cb *ContactBook) SetContactRelays(ctx context.Context, address, relay, relaysJSON string) error {
	_, err := cb.db.ExecContext(ctx, `UPDATE contacts SET relay = ?, relays_json = ? WHERE address = ?`, relay, relaysJSON, address)
	return err
}

// GetContact returns the contact row for address, or nil if unknown.
func (cb *ContactBook) GetContact(ctx context.Context, address string) (*Contact, error) {
	row := cb.db.QueryRowContext(ctx, `
		SELECT address, public_key, display_name, trust_state,
		       COALESCE(trust_source, ''), COALESCE(relay, ''), COALESCE(relays_json, ''),
		       pinned_at, first_seen, last_seen
		FROM contacts WHERE address = ?
	`, address)

	var c Contact
	var pinnedAt, firstSeen, lastSeen sql.NullString
	var trustState string
	if err := row.Scan(&c.Address, &c.PublicKey, &c.DisplayName, &trustState,
		&c.TrustSource, &c.Relay, &c.RelaysJSON, &pinnedAt, &firstSeen, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading contact: %w", err)
	}
	c.TrustState = TrustState(trustState)
	if pinnedAt.Valid && pinnedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, pinnedAt.String); err == nil {
			c.PinnedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, firstSeen.String); err == nil {
		c.FirstSeen = t
	}
	if t, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
		c.LastSeen = t
	}
	return &c, nil
}

// GetPublicKey is a convenience accessor over GetContact.
func (cb *ContactBook) GetPublicKey(ctx context.Context, address string) (string, bool, error) {
	c, err := cb.GetContact(ctx, address)
	if err != nil || c == nil {
		return "", false, err
	}
	return c.PublicKey, true, nil
}

// GetRelayURLs returns the ordered relay-list for address, falling back to
// the single relay field, and finally to an empty list if neither is set.
func (cb *ContactBook) GetRelayURLs(ctx context.Context, address string) ([]string, error) {
	c, err := cb.GetContact(ctx, address)
	if err != nil || c == nil {
		return nil, err
	}
	if c.RelaysJSON != "" {
		var relays []string
		if err := json.Unmarshal([]byte(c.RelaysJSON), &relays); err != nil {
			return nil, fmt.Errorf("decoding relays_json: %w", err)
		}
		return relays, nil
	}
	if c.Relay != "" {
		return []string{c.Relay}, nil
	}
	return nil, nil
}

// GetTrustState returns the trust state for address, or TrustUnknown if no
// row exists.
func (cb *ContactBook) GetTrustState(ctx context.Context, address string) (TrustState, error) {
	c, err := cb.GetContact(ctx, address)
	if err != nil {
		return "", err
	}
	if c == nil {
		return TrustUnknown, nil
	}
	return c.TrustState, nil
}

// IsTrustedOrVerified reports whether address is trusted enough to deliver
// message-type envelopes under a non-auto-accept policy: trusted,
// verified, or pinned.
func (cb *ContactBook) IsTrustedOrVerified(ctx context.Context, address string) (bool, error) {
	state, err := cb.GetTrustState(ctx, address)
	if err != nil {
		return false, err
	}
	return state == TrustTrusted || state == TrustVerified || state == TrustPinned, nil
}

// SetPinnedAt stamps the moment of first TOFU lock; subsequent calls are
// no-ops, preserving the original pin time.
func (cb *ContactBook) SetPinnedAt(ctx context.Context, address string, at time.Time) error {
	_, err := cb.db.ExecContext(ctx, `
		UPDATE contacts SET pinned_at = ? WHERE address = ? AND (pinned_at IS NULL OR pinned_at = '')
	`, at.UTC().Format(time.RFC3339Nano), address)
	return err
}

// RemoveContact deletes a contact row and its cache entry.
func (cb *ContactBook) RemoveContact(ctx context.Context, address string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if _, err := cb.db.ExecContext(ctx, `DELETE FROM contacts WHERE address = ?`, address); err != nil {
		return err
	}
	delete(cb.knownAddresses, address)
	return nil
}

// ListContacts returns every known contact.
func (cb *ContactBook) ListContacts(ctx context.Context) ([]Contact, error) {
	rows, err := cb.db.QueryContext(ctx, `SELECT address FROM contacts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}

	contacts := make([]Contact, 0, len(addrs))
	for _, a := range addrs {
		c, err := cb.GetContact(ctx, a)
		if err != nil {
			return nil, err
		}
		if c != nil {
			contacts = append(contacts, *c)
		}
	}
	return contacts, nil
}

// AddPending stores an inbound handshake.request awaiting manual approval.
func (cb *ContactBook) AddPending(ctx context.Context, address, contactCardJSON string) error {
	_, err := cb.db.ExecContext(ctx, `
		INSERT INTO pending_handshakes (address, contact_card, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET contact_card = excluded.contact_card, received_at = excluded.received_at
	`, address, contactCardJSON, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// GetPending returns the pending handshake for address, or nil if none.
func (cb *ContactBook) GetPending(ctx context.Context, address string) (*PendingHandshake, error) {
	row := cb.db.QueryRowContext(ctx, `SELECT address, contact_card, received_at FROM pending_handshakes WHERE address = ?`, address)
	var p PendingHandshake
	var receivedAt string
	if err := row.Scan(&p.Address, &p.ContactCardJSON, &receivedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	return &p, nil
}

// ListPending returns every entry awaiting manual approval.
func (cb *ContactBook) ListPending(ctx context.Context) ([]PendingHandshake, error) {
	rows, err := cb.db.QueryContext(ctx, `SELECT address, contact_card, received_at FROM pending_handshakes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingHandshake
	for rows.Next() {
		var p PendingHandshake
		var receivedAt string
		if err := rows.Scan(&p.Address, &p.ContactCardJSON, &receivedAt); err != nil {
			return nil, err
		}
		p.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, p)
	}
	return out, nil
}

// RemovePending deletes a pending handshake row.
func (cb *ContactBook) RemovePending(ctx context.Context, address string) error {
	_, err := cb.db.ExecContext(ctx, `DELETE FROM pending_handshakes WHERE address = ?`, address)
	return err
}

// ExpiredPending returns pending handshakes older than pendingTTL (7 days).
func (cb *ContactBook) ExpiredPending(ctx context.Context) ([]PendingHandshake, error) {
	cutoff := time.Now().UTC().Add(-pendingTTL).Format(time.RFC3339Nano)
	rows, err := cb.db.QueryContext(ctx, `SELECT address, contact_card, received_at FROM pending_handshakes WHERE received_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingHandshake
	for rows.Next() {
		var p PendingHandshake
		var receivedAt string
		if err := rows.Scan(&p.Address, &p.ContactCardJSON, &receivedAt); err != nil {
			return nil, err
		}
		p.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, p)
	}
	return out, nil
}

// AddBlock blocks an exact address or a *::domain wildcard pattern.
func (cb *ContactBook) AddBlock(ctx context.Context, pattern string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	_, err := cb.db.ExecContext(ctx, `
		INSERT INTO blocked_patterns (pattern, blocked_at) VALUES (?, ?)
		ON CONFLICT(pattern) DO NOTHING
	`, pattern, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	cb.cacheBlockPattern(pattern)
	return nil
}

// RemoveBlock un-blocks a previously blocked pattern.
func (cb *ContactBook) RemoveBlock(ctx context.Context, pattern string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, err := cb.db.ExecContext(ctx, `DELETE FROM blocked_patterns WHERE pattern = ?`, pattern); err != nil {
		return err
	}
	cb.uncacheBlockPattern(pattern)
	return nil
}

// ListBlocked returns every blocked pattern.
func (cb *ContactBook) ListBlocked(ctx context.Context) ([]string, error) {
	rows, err := cb.db.QueryContext(ctx, `SELECT pattern FROM blocked_patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// IsBlocked tests exact-pattern membership first, then — if address
// contains "::" — domain-wildcard membership.
func (cb *ContactBook) IsBlocked(address string) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if _, ok := cb.exactBlocks[address]; ok {
		return true
	}
	if idx := strings.Index(address, "::"); idx >= 0 {
		domain := address[idx+2:]
		if _, ok := cb.domainBlocks[domain]; ok {
			return true
		}
	}
	return false
}

func (cb *ContactBook) cacheBlockPattern(pattern string) {
	if strings.HasPrefix(pattern, "*::") {
		cb.domainBlocks[strings.TrimPrefix(pattern, "*::")] = struct{}{}
	} else {
		cb.exactBlocks[pattern] = struct{}{}
	}
}

func (cb *ContactBook) uncacheBlockPattern(pattern string) {
	if strings.HasPrefix(pattern, "*::") {
		delete(cb.domainBlocks, strings.TrimPrefix(pattern, "*::"))
	} else {
		delete(cb.exactBlocks, pattern)
	}
}
