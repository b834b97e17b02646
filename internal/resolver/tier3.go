package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/YouAM-Network/uam/internal/uamaddress"
	"github.com/YouAM-Network/uam/internal/uamcrypto"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

// registryABIJSON is the minimal view-function surface of the UAMNameRegistry
// contract this resolver reads from: `resolve` for the record itself and
// `available` for the name-availability check Tier3Resolver.Available makes. The
// contract's implementation is an external collaborator; this ABI is the
// whole of what the core needs to know about it.
const registryABIJSON = `[
	{
		"name": "resolve",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "name", "type": "string"}],
		"outputs": [
			{"name": "owner", "type": "address"},
			{"name": "publicKey", "type": "bytes"},
			{"name": "relayURL", "type": "string"},
			{"name": "expiry", "type": "uint256"}
		]
	},
	{
		"name": "available",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "name", "type": "string"}],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

// ContractCaller is the subset of ethclient.Client this resolver needs;
// satisfied by *ethclient.Client, narrowed for testability.
type ContractCaller = bind.ContractCaller

// RegistryRecord is the decoded return value of the registry's resolve().
type RegistryRecord struct {
	Owner     common.Address
	PublicKey []byte
	RelayURL  string
	Expiry    time.Time
}

type cachedRecord struct {
	record  RegistryRecord
	expires time.Time
}

const tier3CacheTTL = time.Hour

// Tier3Resolver reads agent records from the on-chain name registry,
// caching successful lookups for an hour keyed by agent name.
type Tier3Resolver struct {
	Contract *bind.BoundContract

	mu    sync.Mutex
	cache map[string]cachedRecord
}

// NewTier3Resolver binds to the registry contract at registryAddr using
// caller for view calls.
func NewTier3Resolver(registryAddr common.Address, caller bind.ContractCaller) (*Tier3Resolver, error) {
	parsedABI, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(registryAddr, parsedABI, caller, nil, nil)
	return &Tier3Resolver{Contract: contract, cache: make(map[string]cachedRecord)}, nil
}

// ResolvePublicKey implements Resolver against the on-chain registry's
// resolve(name) view function. Domain-less addresses (the Tier-3 case) use
// the agent's local part as the registry name.
func (t *Tier3Resolver) ResolvePublicKey(ctx context.Context, address uamaddress.Address) (string, error) {
	record, err := t.Resolve(ctx, address.Agent())
	if err != nil {
		return "", err
	}
	if len(record.PublicKey) == 0 {
		return "", &uamerr.ResolutionError{Address: address.Full(), Reason: "registry record has no public key"}
	}
	return uamcrypto.B64Encode(record.PublicKey), nil
}

// Resolve reads name's registry record, serving from the 1-hour cache when
// fresh.
func (t *Tier3Resolver) Resolve(ctx context.Context, name string) (RegistryRecord, error) {
	t.mu.Lock()
	if cached, ok := t.cache[name]; ok && time.Now().Before(cached.expires) {
		t.mu.Unlock()
		return cached.record, nil
	}
	t.mu.Unlock()

	var out []any
	if err := t.Contract.Call(&bind.CallOpts{Context: ctx}, &out, "resolve", name); err != nil {
		return RegistryRecord{}, &uamerr.ResolutionError{Address: name, Reason: "on-chain resolve call failed: " + err.Error()}
	}
	if len(out) != 4 {
		return RegistryRecord{}, &uamerr.ResolutionError{Address: name, Reason: "unexpected registry return arity"}
	}

	owner, _ := out[0].(common.Address)
	publicKey, _ := out[1].([]byte)
	relayURL, _ := out[2].(string)
	expiryBig := out[3]

	record := RegistryRecord{Owner: owner, PublicKey: publicKey, RelayURL: relayURL, Expiry: decodeExpiry(expiryBig)}

	if len(publicKey) == 0 {
		return RegistryRecord{}, &uamerr.ResolutionError{Address: name, Reason: "name not found in registry"}
	}

	t.mu.Lock()
	t.cache[name] = cachedRecord{record: record, expires: time.Now().Add(tier3CacheTTL)}
	t.mu.Unlock()

	return record, nil
}

// Available reports whether name is unclaimed in the registry.
func (t *Tier3Resolver) Available(ctx context.Context, name string) (bool, error) {
	var out []any
	if err := t.Contract.Call(&bind.CallOpts{Context: ctx}, &out, "available", name); err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, &uamerr.ResolutionError{Address: name, Reason: "unexpected availability return arity"}
	}
	available, _ := out[0].(bool)
	return available, nil
}

func decodeExpiry(v any) time.Time {
	type bigIntLike interface{ Int64() int64 }
	if b, ok := v.(bigIntLike); ok {
		return time.Unix(b.Int64(), 0).UTC()
	}
	return time.Time{}
}
