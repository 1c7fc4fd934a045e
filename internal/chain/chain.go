package chain

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/devblac/xchain-relay/internal/keys"
	"github.com/ethereum/go-ethereum/common"
)

// Chain is the runtime context of one provisioned chain: its descriptor, live
// connection, signing identities and the relay watermarks. Cursors only move
// forward and are written by the relay pass alone.
type Chain struct {
	desc descriptor.Descriptor
	ids  keys.Identities
	conn Conn

	lastRelayed   atomic.Uint64
	lastExpressed atomic.Uint64
}

// Poll is the result of scanning one block range.
type Poll struct {
	Lane   Lane
	From   uint64
	// To is 0 when the poll failed before the chain height was known.
	To     uint64
	Events []Event
}

// New builds a chain and starts both watermarks at the connection's current height.
func New(ctx context.Context, desc descriptor.Descriptor, ids keys.Identities, conn Conn) (*Chain, error) {
	if conn == nil {
		return nil, errors.Newf("chain %s: nil connection", desc.Name)
	}
	height, err := conn.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "chain %s: current height", desc.Name)
	}
	c := &Chain{desc: desc, ids: ids, conn: conn}
	c.lastRelayed.Store(height)
	c.lastExpressed.Store(height)
	return c, nil
}

func (c *Chain) Name() string    { return c.desc.Name }
func (c *Chain) ChainID() uint64 { return c.desc.ChainID }

// Descriptor returns the descriptor the chain was built from.
func (c *Chain) Descriptor() descriptor.Descriptor { return c.desc }

// Info is the public view served by the info endpoint.
func (c *Chain) Info() descriptor.Info { return c.desc.Info() }

// Height queries the live block height.
func (c *Chain) Height(ctx context.Context) (uint64, error) {
	return c.conn.BlockNumber(ctx)
}

// Cursor returns the last block handled on lane.
func (c *Chain) Cursor(lane Lane) uint64 {
	return c.cursor(lane).Load()
}

// Advance moves the lane watermark to height. Lower heights are ignored.
func (c *Chain) Advance(lane Lane, height uint64) bool {
	cur := c.cursor(lane)
	if height <= cur.Load() {
		return false
	}
	cur.Store(height)
	return true
}

func (c *Chain) cursor(lane Lane) *atomic.Uint64 {
	if lane == LaneExpress {
		return &c.lastExpressed
	}
	return &c.lastRelayed
}

// PollNewEvents returns the gateway calls in (cursor, height] for lane, sorted by
// block and log index. It never moves the cursor; the caller advances it once
// every event has been forwarded.
func (c *Chain) PollNewEvents(ctx context.Context, lane Lane) (Poll, error) {
	cursor := c.Cursor(lane)
	p := Poll{Lane: lane, From: cursor + 1}

	gateway, ok := c.desc.Address(descriptor.RoleGateway)
	if !ok {
		return p, pollError(errors.New("no gateway address"), c.Name(), lane, p.From, p.To)
	}
	height, err := c.conn.BlockNumber(ctx)
	if err != nil {
		return p, pollError(err, c.Name(), lane, p.From, p.To)
	}
	if height <= cursor {
		p.To = cursor
		return p, nil
	}
	p.To = height

	calls, err := c.conn.FilterCalls(ctx, gateway, p.From, p.To)
	if err != nil {
		return p, pollError(err, c.Name(), lane, p.From, p.To)
	}
	for _, ev := range calls {
		if lane == LaneExpress && !ev.WithToken() {
			continue
		}
		ev.SourceChain = c.Name()
		p.Events = append(p.Events, ev)
	}
	sort.SliceStable(p.Events, func(i, j int) bool { return p.Events[i].Before(p.Events[j]) })
	return p, nil
}

// Forward submits ev to its destination contract on this chain, signed by the relayer.
func (c *Chain) Forward(ctx context.Context, ev Event, express bool) (common.Hash, error) {
	if !common.IsHexAddress(ev.DestinationAddress) {
		return common.Hash{}, forwardError(errors.Newf("invalid destination address %q", ev.DestinationAddress), c.Name(), ev)
	}
	msg := Message{
		CommandID:     ev.CommandID(),
		SourceChain:   ev.SourceChain,
		SourceAddress: ev.Sender.Hex(),
		Destination:   common.HexToAddress(ev.DestinationAddress),
		Payload:       ev.Payload,
		Symbol:        ev.Symbol,
		Amount:        ev.Amount,
		Express:       express,
	}
	tx, err := c.conn.Submit(ctx, c.ids.Relayer, msg)
	if err != nil {
		return common.Hash{}, forwardError(err, c.Name(), ev)
	}
	return tx, nil
}

// Deploy creates a contract signed by the owner. It is not idempotent: every
// call sends a new creation transaction.
func (c *Chain) Deploy(ctx context.Context, spec ContractSpec) (Deployment, error) {
	addr, tx, err := c.conn.Deploy(ctx, c.ids.Owner, spec)
	if err != nil {
		return Deployment{}, deploymentError(err, c.Name(), spec.Role)
	}
	return Deployment{Role: spec.Role, Address: addr, TxHash: tx}, nil
}
