package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Lane selects which watermark a poll reads and a pass advances.
type Lane int

const (
	// LaneStandard relays every gateway call and tracks lastRelayedBlock.
	LaneStandard Lane = iota
	// LaneExpress relays token-carrying calls ahead of approval and tracks lastExpressedBlock.
	LaneExpress
)

func (l Lane) String() string {
	switch l {
	case LaneStandard:
		return "standard"
	case LaneExpress:
		return "express"
	default:
		return fmt.Sprintf("lane(%d)", int(l))
	}
}

func (l Lane) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Lane) UnmarshalText(b []byte) error {
	v, err := ParseLane(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLane is the inverse of String.
func ParseLane(s string) (Lane, error) {
	switch s {
	case "standard":
		return LaneStandard, nil
	case "express":
		return LaneExpress, nil
	default:
		return 0, fmt.Errorf("unknown lane %q", s)
	}
}

// Event is one outbound cross-chain call observed on a source gateway.
type Event struct {
	SourceChain        string
	DestinationChain   string
	DestinationAddress string
	Sender             common.Address
	PayloadHash        common.Hash
	Payload            []byte
	Symbol             string
	Amount             *big.Int
	BlockNumber        uint64
	LogIndex           uint
	TxHash             common.Hash
}

// WithToken reports whether the call carries a token transfer.
func (e Event) WithToken() bool { return e.Symbol != "" }

// ID identifies the event by transaction and log position.
func (e Event) ID() string { return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex) }

// Before orders events by source block, then intra-block index.
func (e Event) Before(o Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	return e.LogIndex < o.LogIndex
}

// CommandID is stable across re-deliveries of the same event.
func (e Event) CommandID() common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(e.LogIndex))
	return crypto.Keccak256Hash(e.TxHash.Bytes(), idx[:])
}

// Message is the call submitted to a destination contract.
type Message struct {
	CommandID     common.Hash
	SourceChain   string
	SourceAddress string
	Destination   common.Address
	Payload       []byte
	Symbol        string
	Amount        *big.Int
	Express       bool
}

// ContractSpec describes one contract creation.
type ContractSpec struct {
	Role     string
	ABI      abi.ABI
	Bytecode []byte
	Args     []any
}

// Deployment is the result of a contract creation.
type Deployment struct {
	Role    string
	Address common.Address
	TxHash  common.Hash
}
