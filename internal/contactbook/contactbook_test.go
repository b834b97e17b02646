package contactbook

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestBook(t *testing.T) *ContactBook {
	t.Helper()
	dir := t.TempDir()
	cb, err := Open(context.Background(), filepath.Join(dir, "contacts.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { cb.Close() })
	return cb
}

func TestAddContactAndIsKnown(t *testing.T) {
	cb := openTestBook(t)
	ctx := context.Background()

	if cb.IsKnown("bob::net") {
		t.Fatal("bob::net should not be known yet")
	}
	if err := cb.AddContact(ctx, "bob::net", "pubkey-1", "Bob", TrustUnverified, ""); err != nil {
		t.Fatalf("AddContact failed: %v", err)
	}
	if !cb.IsKnown("bob::net") {
		t.Fatal("bob::net should be known after AddContact")
	}

	c, err := cb.GetContact(ctx, "bob::net")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.PublicKey != "pubkey-1" || c.TrustState != TrustUnverified {
		t.Fatalf("unexpected contact: %+v", c)
	}
}

func TestAddContactCoalescesTrustSource(t *testing.T) {
	cb := openTestBook(t)
	ctx := context.Background()

	if err := cb.AddContact(ctx, "bob::net", "pubkey-1", "Bob", TrustProvisional, "auto-accepted-provisional"); err != nil {
		t.Fatal(err)
	}
	// A subsequent write with an empty trust_source must not clobber the
	// previously recorded provenance.
	if err := cb.AddContact(ctx, "bob::net", "pubkey-1", "Bob", TrustTrusted, ""); err != nil {
		t.Fatal(err)
	}

	c, err := cb.GetContact(ctx, "bob::net")
	if err != nil {
		t.Fatal(err)
	}
	if c.TrustSource != "auto-accepted-provisional" {
		t.Fatalf("trust_source should be preserved, got %q", c.TrustSource)
	}
	if c.TrustState != TrustTrusted {
		t.Fatalf("trust_state should update to %q, got %q", TrustTrusted, c.TrustState)
	}
}

func TestAddContactRejectsPinnedKeyMismatch(t *testing.T) {
	cb := openTestBook(t)
	ctx := context.Background()

	if err := cb.AddContact(ctx, "mallory::evil", "pubkey-a", "Mallory", TrustPinned, "tofu"); err != nil {
		t.Fatal(err)
	}
	err := cb.AddContact(ctx, "mallory::evil", "pubkey-b", "Mallory", TrustPinned, "tofu")
	if err == nil {
		t.Fatal("expected KeyPinningError when a pinned contact's key changes")
	}
}

func TestSetPinnedAtOnlySetsOnce(t *testing.T) {
	cb := openTestBook(t)
	ctx := context.Background()

	if err := cb.AddContact(ctx, "bob::net", "pubkey-1", "Bob", TrustPinned, "tofu"); err != nil {
		t.Fatal(err)
	}
	first := time.Now().UTC().Add(-time.Hour)
	if err := cb.SetPinnedAt(ctx, "bob::net", first); err != nil {
		t.Fatal(err)
	}
	if err := cb.SetPinnedAt(ctx, "bob::net", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	c, err := cb.GetContact(ctx, "bob::net")
	if err != nil {
		t.Fatal(err)
	}
	if c.PinnedAt == nil {
		t.Fatal("expected pinned_at to be set")
	}
	if !c.PinnedAt.Equal(first) {
		t.Fatalf("pinned_at should not be overwritten by a second call: got %v, want %v", c.PinnedAt, first)
	}
}

func TestPendingHandshakeLifecycle(t *testing.T) {
	cb := openTestBook(t)
	ctx := context.Background()

	if err := cb.AddPending(ctx, "stranger::x.y", `{"address":"stranger::x.y"}`); err != nil {
		t.Fatal(err)
	}
	p, err := cb.GetPending(ctx, "stranger::x.y")
	if err != nil || p == nil {
		t.Fatalf("expected pending entry, err=%v", err)
	}
	if err := cb.RemovePending(ctx, "stranger::x.y"); err != nil {
		t.Fatal(err)
	}
	p, err = cb.GetPending(ctx, "stranger::x.y")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("expected pending entry to be removed")
	}
}

func TestBlockExactAndWildcard(t *testing.T) {
	cb := openTestBook(t)
	ctx := context.Background()

	if cb.IsBlocked("stranger::evil.example") {
		t.Fatal("nothing should be blocked yet")
	}

	if err := cb.AddBlock(ctx, "*::evil.example"); err != nil {
		t.Fatal(err)
	}
	if !cb.IsBlocked("stranger::evil.example") {
		t.Fatal("domain wildcard should block any agent on that domain")
	}
	if cb.IsBlocked("stranger::other.example") {
		t.Fatal("domain wildcard should not block unrelated domains")
	}

	if err := cb.AddBlock(ctx, "mallory::x.y"); err != nil {
		t.Fatal(err)
	}
	if !cb.IsBlocked("mallory::x.y") {
		t.Fatal("exact pattern should block the exact address")
	}

	if err := cb.RemoveBlock(ctx, "mallory::x.y"); err != nil {
		t.Fatal(err)
	}
	if cb.IsBlocked("mallory::x.y") {
		t.Fatal("removed block should no longer apply")
	}
}

func TestIsTrustedOrVerified(t *testing.T) {
	cb := openTestBook(t)
	ctx := context.Background()

	if err := cb.AddContact(ctx, "bob::net", "pubkey-1", "Bob", TrustUnverified, ""); err != nil {
		t.Fatal(err)
	}
	ok, err := cb.IsTrustedOrVerified(ctx, "bob::net")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unverified contact should not be trusted")
	}

	if err := cb.AddContact(ctx, "bob::net", "pubkey-1", "Bob", TrustPinned, "tofu"); err != nil {
		t.Fatal(err)
	}
	ok, err = cb.IsTrustedOrVerified(ctx, "bob::net")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("pinned contact should be trusted")
	}
}

func TestExpiredPending(t *testing.T) {
	cb := openTestBook(t)
	ctx := context.Background()

	if err := cb.AddPending(ctx, "stale::x.y", `{}`); err != nil {
		t.Fatal(err)
	}
	// Backdate the row to simulate an entry older than the 7-day TTL.
	old := time.Now().UTC().Add(-8 * 24 * time.Hour).Format(time.RFC3339Nano)
	if _, err := cb.db.ExecContext(ctx, `UPDATE pending_handshakes SET received_at = ? WHERE address = ?`, old, "stale::x.y"); err != nil {
		t.Fatal(err)
	}

	expired, err := cb.ExpiredPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].Address != "stale::x.y" {
		t.Fatalf("expected one expired entry for stale::x.y, got %+v", expired)
	}
}
