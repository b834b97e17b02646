package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/YouAM-Network/uam/internal/uamaddress"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

// Tier2Resolver looks an address up via DNS TXT at _uam.{domain}, falling
// back to the HTTPS well-known document when DNS has no answer.
type Tier2Resolver struct {
	HTTPClient  *http.Client
	LookupTXT   func(name string) ([]string, error) // overridable for tests
}

func (t *Tier2Resolver) client() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (t *Tier2Resolver) lookupTXT(name string) ([]string, error) {
	if t.LookupTXT != nil {
		return t.LookupTXT(name)
	}
	return net.LookupTXT(name)
}

// ResolvePublicKey implements Resolver via DNS TXT first, HTTPS well-known
// second.
func (t *Tier2Resolver) ResolvePublicKey(ctx context.Context, address uamaddress.Address) (string, error) {
	if key, err := t.resolveViaDNS(address); err == nil && key != "" {
		return key, nil
	}
	return t.resolveViaHTTPS(ctx, address)
}

func (t *Tier2Resolver) resolveViaDNS(address uamaddress.Address) (string, error) {
	records, err := t.lookupTXT("_uam." + address.Domain())
	if err != nil {
		return "", err
	}
	for _, record := range records {
		if len(record) < 6 || record[:6] != "v=uam1" {
			continue
		}
		tags := parseUAMTXTRecord(record)
		if key := extractPublicKeyTag(tags); key != "" {
			return key, nil
		}
	}
	return "", nil
}

// wellKnownDoc mirrors https://{domain}/.well-known/uam.json.
type wellKnownDoc struct {
	V      string `json:"v"`
	Agents map[string]struct {
		Key string `json:"key"`
	} `json:"agents"`
}

// resolveViaHTTPS fetches the well-known document over HTTPS. Before
// dialing it resolves the hostname and rejects any response whose
// addresses are private, loopback, or link-local: a malicious domain's DNS
// answer could otherwise be used to make this agent probe its own internal
// network under the guise of a key lookup.
func (t *Tier2Resolver) resolveViaHTTPS(ctx context.Context, address uamaddress.Address) (string, error) {
	domain := address.Domain()
	if !resolveHostPublic(domain) {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: "well-known host does not resolve to a public address"}
	}

	url := "https://" + domain + "/.well-known/uam.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: fmt.Sprintf("well-known fetch returned status %d", resp.StatusCode)}
	}

	var doc wellKnownDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decoding well-known document: %w", err)
	}

	entry, ok := doc.Agents[address.Agent()]
	if !ok || entry.Key == "" {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: "no matching agent in well-known document"}
	}
	return stripEd25519Prefix(entry.Key), nil
}

func stripEd25519Prefix(key string) string {
	const prefix = "ed25519:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}
