package relay

import (
	"sort"

	"github.com/devblac/xchain-relay/internal/chain"
)

// batch is the per-lane set of events discovered in one pass, grouped by
// destination chain in order of first appearance.
type batch struct {
	order  []string
	groups map[string][]chain.Event
}

func newBatch(chains []*chain.Chain, polls map[string]chain.Poll) batch {
	b := batch{groups: map[string][]chain.Event{}}
	for _, c := range chains {
		p, ok := polls[c.Name()]
		if !ok {
			continue
		}
		for _, ev := range p.Events {
			if _, seen := b.groups[ev.DestinationChain]; !seen {
				b.order = append(b.order, ev.DestinationChain)
			}
			b.groups[ev.DestinationChain] = append(b.groups[ev.DestinationChain], ev)
		}
	}
	for _, dst := range b.order {
		g := b.groups[dst]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Before(g[j]) })
	}
	return b
}

func (b batch) size() int {
	n := 0
	for _, g := range b.groups {
		n += len(g)
	}
	return n
}
