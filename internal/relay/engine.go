// Package relay drives cross-chain delivery: a timer fires relay passes over
// every registered chain, with at most one pass in flight.
package relay

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// Engine schedules relay passes.
type Engine struct {
	registry    *chain.Registry
	interval    time.Duration
	callTimeout time.Duration
	express     bool
	reporter    Reporter
	log         *slog.Logger
	now         func() time.Time

	relaying atomic.Bool
	inflight sync.WaitGroup
	last     atomic.Pointer[Report]
}

// Option configures an Engine.
type Option func(*Engine)

func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithCallTimeout bounds each poll and forward call. A non-positive value disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithExpress runs the express lane ahead of the standard lane in every pass.
func WithExpress(on bool) Option {
	return func(e *Engine) { e.express = on }
}

func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = Reporters(r) }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New builds an engine over reg. The registry must be fully populated first.
func New(reg *chain.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:    reg,
		interval:    DefaultInterval,
		callTimeout: DefaultCallTimeout,
		reporter:    Reporters(),
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run fires a pass on every interval until ctx is cancelled, then waits for
// the in-flight pass to finish.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.interval)
	defer t.Stop()
	e.log.Info("relay engine started", "interval", e.interval, "chains", e.registry.Len(), "express", e.express)
	for {
		select {
		case <-ctx.Done():
			e.inflight.Wait()
			e.log.Info("relay engine stopped")
			return nil
		case <-t.C:
			e.Tick(ctx)
		}
	}
}

// Tick starts a pass in the background unless one is already running, in
// which case the tick is dropped. Cancelling ctx does not abort a started pass.
func (e *Engine) Tick(ctx context.Context) bool {
	if !e.relaying.CompareAndSwap(false, true) {
		e.log.Debug("relay pass in flight, tick dropped")
		e.skipped(ctx)
		return false
	}
	passCtx := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer e.relaying.Store(false)
		e.pass(passCtx)
	}()
	return true
}

// RunOnce runs one pass synchronously. It returns false without running if a
// pass is already in flight.
func (e *Engine) RunOnce(ctx context.Context) (Report, bool) {
	if !e.relaying.CompareAndSwap(false, true) {
		e.skipped(ctx)
		return Report{}, false
	}
	defer e.relaying.Store(false)
	return e.pass(ctx), true
}

// Relaying reports whether a pass is in flight.
func (e *Engine) Relaying() bool { return e.relaying.Load() }

// Wait blocks until background passes started by Tick have finished.
func (e *Engine) Wait() { e.inflight.Wait() }

// LastReport returns the most recent completed pass.
func (e *Engine) LastReport() (Report, bool) {
	r := e.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

func (e *Engine) pass(ctx context.Context) (rep Report) {
	rep = Report{ID: uuid.NewString(), Started: e.now()}
	defer func() {
		if r := recover(); r != nil {
			rep.fail(Failure{Kind: FailurePanic, Err: errors.Newf("relay pass panic: %v", r)})
			e.log.Error("relay pass panic", "relay_id", rep.ID, "panic", r, "stack", string(debug.Stack()))
		}
		rep.Duration = e.now().Sub(rep.Started)
		e.finish(ctx, rep)
	}()

	chains := e.registry.All()
	rep.Chains = len(chains)
	lanes := []chain.Lane{chain.LaneStandard}
	if e.express {
		lanes = []chain.Lane{chain.LaneExpress, chain.LaneStandard}
	}
	for _, lane := range lanes {
		e.relayLane(ctx, lane, chains, &rep)
	}
	return rep
}

// relayLane polls every chain, forwards the batch per destination and moves
// the watermark of each source whose events were all delivered.
func (e *Engine) relayLane(ctx context.Context, lane chain.Lane, chains []*chain.Chain, rep *Report) {
	polls := e.pollAll(ctx, lane, chains, rep)
	b := newBatch(chains, polls)
	rep.Discovered += b.size()

	held := map[string]bool{}
	for _, dst := range b.order {
		group := b.groups[dst]
		target, err := e.registry.Get(dst)
		if err != nil {
			for _, ev := range group {
				held[ev.SourceChain] = true
			}
			rep.Held += len(group)
			rep.fail(Failure{
				Kind:   FailureForward,
				Chain:  dst,
				Lane:   lane,
				Event:  group[0].ID(),
				Source: group[0].SourceChain,
				Err:    errors.Mark(err, chain.ErrForward),
			})
			continue
		}
		for i, ev := range group {
			if err := e.forward(ctx, target, ev, lane == chain.LaneExpress); err != nil {
				for _, rest := range group[i:] {
					held[rest.SourceChain] = true
				}
				rep.Held += len(group) - i
				rep.fail(Failure{Kind: FailureForward, Chain: dst, Lane: lane, Event: ev.ID(), Source: ev.SourceChain, Err: err})
				break
			}
			rep.Forwarded++
		}
	}

	for _, c := range chains {
		p, ok := polls[c.Name()]
		if !ok || held[c.Name()] {
			continue
		}
		from := c.Cursor(lane)
		if c.Advance(lane, p.To) {
			rep.Advanced = append(rep.Advanced, CursorAdvance{Chain: c.Name(), Lane: lane, From: from, To: p.To})
		}
	}
}

// pollAll queries every chain concurrently. Failed chains are absent from the result.
func (e *Engine) pollAll(ctx context.Context, lane chain.Lane, chains []*chain.Chain, rep *Report) map[string]chain.Poll {
	polls := make([]chain.Poll, len(chains))
	errs := make([]error, len(chains))
	var g errgroup.Group
	for i, c := range chains {
		g.Go(func() error {
			polls[i], errs[i] = e.poll(ctx, c, lane)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]chain.Poll, len(chains))
	for i, c := range chains {
		if errs[i] != nil {
			rep.fail(Failure{Kind: FailurePoll, Chain: c.Name(), Lane: lane, From: polls[i].From, To: polls[i].To, Err: errs[i]})
			continue
		}
		out[c.Name()] = polls[i]
	}
	return out
}

func (e *Engine) poll(ctx context.Context, c *chain.Chain, lane chain.Lane) (p chain.Poll, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("poll %s %s: panic: %v", c.Name(), lane, r), chain.ErrPoll)
		}
	}()
	cctx, cancel := e.callContext(ctx)
	defer cancel()
	return c.PollNewEvents(cctx, lane)
}

func (e *Engine) forward(ctx context.Context, dst *chain.Chain, ev chain.Event, express bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("forward %s to %s: panic: %v", ev.ID(), dst.Name(), r), chain.ErrForward)
		}
	}()
	cctx, cancel := e.callContext(ctx)
	defer cancel()
	tx, err := dst.Forward(cctx, ev, express)
	if err != nil {
		return err
	}
	e.log.Debug("event forwarded", "event", ev.ID(), "source", ev.SourceChain, "destination", dst.Name(), "tx", tx.Hex())
	return nil
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.callTimeout)
}

func (e *Engine) finish(ctx context.Context, rep Report) {
	e.last.Store(&rep)
	e.log.Info("relay pass complete",
		"relay_id", rep.ID,
		"chains", rep.Chains,
		"discovered", rep.Discovered,
		"forwarded", rep.Forwarded,
		"failed", len(rep.Failures),
		"duration", rep.Duration,
	)
	for _, f := range rep.Failures {
		e.log.Warn("relay failure", append([]any{"relay_id", rep.ID}, f.attrs()...)...)
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("reporter panic", "relay_id", rep.ID, "panic", r)
		}
	}()
	e.reporter.PassCompleted(ctx, rep)
}

func (e *Engine) skipped(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("reporter panic", "panic", r)
		}
	}()
	e.reporter.TickSkipped(ctx)
}
