package chain

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/devblac/xchain-relay/internal/keys"
)

// Registry holds the active chains of a process. It is filled at startup and
// read by the relay engine afterwards; iteration follows registration order.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Chain
	byID   map[uint64]*Chain
	order  []*Chain
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]*Chain{},
		byID:   map[uint64]*Chain{},
	}
}

// Register builds a chain from desc and conn and adds it.
func (r *Registry) Register(ctx context.Context, desc descriptor.Descriptor, ids keys.Identities, conn Conn) (*Chain, error) {
	r.mu.RLock()
	err := r.checkUnique(desc.Name, desc.ChainID)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, desc, ids, conn)
	if err != nil {
		return nil, err
	}
	if err := r.Add(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Add registers an existing chain.
func (r *Registry) Add(c *Chain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUnique(c.Name(), c.ChainID()); err != nil {
		return err
	}
	r.byName[c.Name()] = c
	r.byID[c.ChainID()] = c
	r.order = append(r.order, c)
	return nil
}

// Get looks a chain up by name.
func (r *Registry) Get(name string) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChain, "chain %q", name)
	}
	return c, nil
}

// All returns a snapshot of the chains in registration order.
func (r *Registry) All() []*Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Chain, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the number of registered chains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) checkUnique(name string, id uint64) error {
	if _, ok := r.byName[name]; ok {
		return errors.Wrapf(ErrDuplicateChain, "chain name %q", name)
	}
	if _, ok := r.byID[id]; ok {
		return errors.Wrapf(ErrDuplicateChain, "chain id %d", id)
	}
	return nil
}
