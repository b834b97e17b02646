// Package resolver implements the three-tier address-to-public-key
// resolution chain: relay HTTP lookup, DNS TXT + HTTPS well-known fallback,
// and on-chain read.
package resolver

import (
	"context"
	"strings"

	"github.com/YouAM-Network/uam/internal/agentmetrics"
	"github.com/YouAM-Network/uam/internal/uamaddress"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

// Resolver maps an address to the base64-encoded Ed25519 verify key its
// owner advertises.
type Resolver interface {
	ResolvePublicKey(ctx context.Context, address uamaddress.Address) (string, error)
}

// SmartResolver dispatches to one of three tiers by domain shape: the
// configured relay domain goes to Tier 1, any other dotted domain goes to
// Tier 2, and a dotless domain goes to the optional Tier 3.
type SmartResolver struct {
	RelayDomain string
	Tier1       Resolver
	Tier2       Resolver
	Tier3       Resolver // optional; nil is a valid configuration
}

// ResolvePublicKey implements Resolver by dispatching on address.Domain().
func (r *SmartResolver) ResolvePublicKey(ctx context.Context, address uamaddress.Address) (string, error) {
	domain := address.Domain()
	switch {
	case domain == r.RelayDomain:
		key, err := r.Tier1.ResolvePublicKey(ctx, address)
		if err == nil {
			agentmetrics.ResolverTierHits.WithLabelValues("tier1").Inc()
		}
		return key, err
	case strings.Contains(domain, "."):
		key, err := r.Tier2.ResolvePublicKey(ctx, address)
		if err == nil {
			agentmetrics.ResolverTierHits.WithLabelValues("tier2").Inc()
		}
		return key, err
	default:
		if r.Tier3 == nil {
			return "", &uamerr.ResolutionError{Address: address.Full(), Reason: "no Tier-3 resolver configured for a dotless domain"}
		}
		key, err := r.Tier3.ResolvePublicKey(ctx, address)
		if err == nil {
			agentmetrics.ResolverTierHits.WithLabelValues("tier3").Inc()
		}
		return key, err
	}
}
