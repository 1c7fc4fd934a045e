package health

import (
	"context"
	"fmt"

	"github.com/devblac/xchain-relay/internal/chain"
)

// ChainChecker pings the connection of every registered chain.
type ChainChecker struct {
	registry *chain.Registry
}

// NewChainChecker creates a checker over the chains of reg.
func NewChainChecker(reg *chain.Registry) *ChainChecker {
	return &ChainChecker{registry: reg}
}

// Status reports the reachability of each chain by name.
func (c *ChainChecker) Status(ctx context.Context) map[string]error {
	out := map[string]error{}
	for _, ch := range c.registry.All() {
		_, err := ch.Height(ctx)
		out[ch.Name()] = err
	}
	return out
}

// Ping fails if any chain is unreachable.
func (c *ChainChecker) Ping(ctx context.Context) error {
	var lastErr error
	for _, ch := range c.registry.All() {
		if _, err := ch.Height(ctx); err != nil {
			lastErr = fmt.Errorf("chain %s: %w", ch.Name(), err)
		}
	}
	return lastErr
}
