package chaintest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/devblac/xchain-relay/internal/keys"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HardhatKey is the first well-known development account.
const HardhatKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var errNoSigner = errors.New("no signer")

// Descriptor returns a valid descriptor whose addresses are derived from name.
func Descriptor(name string, id uint64) descriptor.Descriptor {
	addr := func(role string) string {
		return common.BytesToAddress(crypto.Keccak256([]byte(name + "/" + role))).Hex()
	}
	contracts := map[string]string{}
	for _, role := range descriptor.CoreRoles {
		contracts[role] = addr(role)
	}
	return descriptor.Descriptor{
		Name:        name,
		ChainID:     id,
		ProviderURL: fmt.Sprintf("http://127.0.0.1:%d", 8545+id%1000),
		Contracts:   contracts,
		Tokens:      map[string]string{"USDC": addr("USDC")},
		Keys: descriptor.Keys{
			Owner:     HardhatKey,
			Operator:  HardhatKey,
			Relayer:   HardhatKey,
			Admins:    []string{HardhatKey},
			Threshold: 1,
		},
	}
}

// Identities derives the identities of Descriptor.
func Identities(t testing.TB) keys.Identities {
	t.Helper()
	ids, err := keys.FromDescriptor(Descriptor("x", 1).Keys)
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	return ids
}
