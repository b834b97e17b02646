package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/YouAM-Network/uam/internal/uamaddress"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

// Tier1Resolver looks up an address's public key directly against the
// relay it is registered with.
type Tier1Resolver struct {
	RelayURL   string
	Token      string
	HTTPClient *http.Client
}

func (t *Tier1Resolver) client() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// ResolvePublicKey performs GET {relay}/api/v1/agents/{address}/public-key.
func (t *Tier1Resolver) ResolvePublicKey(ctx context.Context, address uamaddress.Address) (string, error) {
	url := strings.TrimRight(t.RelayURL, "/") + "/api/v1/agents/" + address.Full() + "/public-key"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: "not registered with relay"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: fmt.Sprintf("relay returned status %d", resp.StatusCode)}
	}

	var body struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding public-key response: %w", err)
	}
	if body.PublicKey == "" {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: "relay response missing public_key"}
	}
	return body.PublicKey, nil
}
