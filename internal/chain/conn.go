package chain

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
)

// Conn is the connection handle to one chain. Wire encoding is the implementation's concern.
type Conn interface {
	// ChainID reports the identifier the node serves.
	ChainID(ctx context.Context) (uint64, error)
	// BlockNumber reports the current block height.
	BlockNumber(ctx context.Context) (uint64, error)
	// FilterCalls returns gateway calls emitted in blocks [from, to].
	FilterCalls(ctx context.Context, gateway common.Address, from, to uint64) ([]Event, error)
	// Submit sends msg and returns once the transaction is confirmed.
	Submit(ctx context.Context, signer *ecdsa.PrivateKey, msg Message) (common.Hash, error)
	// Deploy creates a contract and returns once it is mined.
	Deploy(ctx context.Context, signer *ecdsa.PrivateKey, spec ContractSpec) (common.Address, common.Hash, error)
}
