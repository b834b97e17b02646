package resolver

import (
	"context"
	"testing"

	"github.com/YouAM-Network/uam/internal/uamaddress"
)

func TestTier2ResolverDNSFindsKeyTag(t *testing.T) {
	t2 := &Tier2Resolver{
		LookupTXT: func(name string) ([]string, error) {
			if name != "_uam.example.test" {
				t.Fatalf("unexpected TXT lookup name: %s", name)
			}
			return []string{"v=uam1; key=ed25519:abc123; relay=https://relay.example"}, nil
		},
	}

	addr := uamaddress.MustParse("alice::example.test")
	key, err := t2.ResolvePublicKey(context.Background(), addr)
	if err != nil {
		t.Fatalf("ResolvePublicKey: %v", err)
	}
	if key != "abc123" {
		t.Fatalf("got key %q, want %q", key, "abc123")
	}
}

func TestTier2ResolverDNSIgnoresNonUAMRecords(t *testing.T) {
	t2 := &Tier2Resolver{
		LookupTXT: func(name string) ([]string, error) {
			return []string{"v=spf1 include:_spf.example.com ~all"}, nil
		},
	}

	addr := uamaddress.MustParse("alice::example.test")
	if _, err := t2.ResolvePublicKey(context.Background(), addr); err == nil {
		t.Fatal("expected resolution to fall through to HTTPS and fail for a non-UAM TXT record")
	}
}

func TestTier2ResolverHTTPSRejectsPrivateHost(t *testing.T) {
	t2 := &Tier2Resolver{
		LookupTXT: func(name string) ([]string, error) { return nil, nil },
	}
	addr := uamaddress.MustParse("alice::localhost")
	_, err := t2.ResolvePublicKey(context.Background(), addr)
	if err == nil {
		t.Fatal("expected the HTTPS fallback to refuse a host resolving to a loopback address")
	}
}

func TestStripEd25519Prefix(t *testing.T) {
	cases := map[string]string{
		"ed25519:abc123": "abc123",
		"abc123":         "abc123",
		"":                "",
	}
	for in, want := range cases {
		if got := stripEd25519Prefix(in); got != want {
			t.Errorf("stripEd25519Prefix(%q) = %q, want %q", in, got, want)
		}
	}
}
