// Package chaintest provides an in-memory chain connection for tests.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Conn is a scripted chain.Conn. Events are served by block range; every call is recorded.
type Conn struct {
	mu sync.Mutex

	id        uint64
	height    uint64
	events    []chain.Event
	heightErr error
	filterErr error

	// SubmitHook runs before a submission is recorded. A non-nil error fails it.
	SubmitHook func(ctx context.Context, msg chain.Message) error
	// DeployHook runs before a deployment is recorded. A non-nil error fails it.
	DeployHook func(spec chain.ContractSpec) error
	// FilterHook runs at the start of every FilterCalls.
	FilterHook func(ctx context.Context)

	filters   [][2]uint64
	submitted []chain.Message
	deployed  []chain.ContractSpec
	nonce     uint64
}

// NewConn returns a connection serving chain id at height.
func NewConn(id, height uint64) *Conn {
	return &Conn{id: id, height: height}
}

func (c *Conn) SetHeight(h uint64) {
	c.mu.Lock()
	c.height = h
	c.mu.Unlock()
}

// AddEvents makes events visible to FilterCalls.
func (c *Conn) AddEvents(evs ...chain.Event) {
	c.mu.Lock()
	c.events = append(c.events, evs...)
	c.mu.Unlock()
}

// FailHeight makes BlockNumber return err until cleared with nil.
func (c *Conn) FailHeight(err error) {
	c.mu.Lock()
	c.heightErr = err
	c.mu.Unlock()
}

// FailFilter makes FilterCalls return err until cleared with nil.
func (c *Conn) FailFilter(err error) {
	c.mu.Lock()
	c.filterErr = err
	c.mu.Unlock()
}

// Filters lists the [from, to] ranges queried so far.
func (c *Conn) Filters() [][2]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]uint64(nil), c.filters...)
}

// Submitted lists confirmed submissions in order.
func (c *Conn) Submitted() []chain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.Message(nil), c.submitted...)
}

// Deployed lists confirmed deployments in order.
func (c *Conn) Deployed() []chain.ContractSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.ContractSpec(nil), c.deployed...)
}

func (c *Conn) ChainID(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.id, nil
}

func (c *Conn) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heightErr != nil {
		return 0, c.heightErr
	}
	return c.height, nil
}

func (c *Conn) FilterCalls(ctx context.Context, gateway common.Address, from, to uint64) ([]chain.Event, error) {
	c.mu.Lock()
	hook := c.FilterHook
	c.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, [2]uint64{from, to})
	if c.filterErr != nil {
		return nil, c.filterErr
	}
	var out []chain.Event
	for _, ev := range c.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *Conn) Submit(ctx context.Context, signer *ecdsa.PrivateKey, msg chain.Message) (common.Hash, error) {
	if hook := c.SubmitHook; hook != nil {
		if err := hook(ctx, msg); err != nil {
			return common.Hash{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, msg)
	c.nonce++
	return crypto.Keccak256Hash(msg.CommandID.Bytes(), new(big.Int).SetUint64(c.nonce).Bytes()), nil
}

func (c *Conn) Deploy(ctx context.Context, signer *ecdsa.PrivateKey, spec chain.ContractSpec) (common.Address, common.Hash, error) {
	if hook := c.DeployHook; hook != nil {
		if err := hook(spec); err != nil {
			return common.Address{}, common.Hash{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return common.Address{}, common.Hash{}, err
	}
	if signer == nil {
		return common.Address{}, common.Hash{}, errNoSigner
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	from := crypto.PubkeyToAddress(signer.PublicKey)
	addr := crypto.CreateAddress(from, c.nonce)
	c.nonce++
	c.deployed = append(c.deployed, spec)
	return addr, crypto.Keccak256Hash(addr.Bytes()), nil
}
