package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	crdb "github.com/cockroachdb/errors"
	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/devblac/xchain-relay/internal/chain/chaintest"
	"github.com/ethereum/go-ethereum/common"
)

type recorder struct {
	mu      sync.Mutex
	reports []Report
	skipped int
}

func (r *recorder) PassCompleted(_ context.Context, rep Report) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

func (r *recorder) TickSkipped(context.Context) {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports), r.skipped
}

type fixture struct {
	reg   *chain.Registry
	conns map[string]*chaintest.Conn
}

func newFixture(t *testing.T, heights map[string]uint64, order ...string) *fixture {
	t.Helper()
	f := &fixture{reg: chain.NewRegistry(), conns: map[string]*chaintest.Conn{}}
	ids := chaintest.Identities(t)
	for i, name := range order {
		id := uint64(i + 1)
		conn := chaintest.NewConn(id, heights[name])
		if _, err := f.reg.Register(context.Background(), chaintest.Descriptor(name, id), ids, conn); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		f.conns[name] = conn
	}
	return f
}

func (f *fixture) chain(t *testing.T, name string) *chain.Chain {
	t.Helper()
	c, err := f.reg.Get(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return c
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEngine(f *fixture, rec *recorder, opts ...Option) *Engine {
	base := []Option{WithLogger(quietLogger()), WithReporter(rec), WithCallTimeout(time.Second)}
	return New(f.reg, append(base, opts...)...)
}

func event(block uint64, idx uint, dst string) chain.Event {
	return chain.Event{
		DestinationChain:   dst,
		DestinationAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		Sender:             common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		Payload:            []byte{byte(block), byte(idx)},
		BlockNumber:        block,
		LogIndex:           idx,
		TxHash:             common.BytesToHash([]byte{byte(block), byte(idx), byte(len(dst))}),
	}
}

func payloadOrder(msgs []chain.Message) [][2]byte {
	out := make([][2]byte, len(msgs))
	for i, m := range msgs {
		out[i] = [2]byte{m.Payload[0], m.Payload[1]}
	}
	return out
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.Relaying() {
		if time.Now().After(deadline) {
			t.Fatalf("pass did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPassForwardsAndAdvances(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 90, "B": 50}, "A", "B")
	f.conns["A"].SetHeight(100)
	f.conns["A"].AddEvents(event(98, 0, "B"))

	rec := &recorder{}
	e := newEngine(f, rec)
	rep, ran := e.RunOnce(context.Background())
	if !ran {
		t.Fatalf("pass did not run")
	}
	if !rep.OK() || rep.Discovered != 1 || rep.Forwarded != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if sent := f.conns["B"].Submitted(); len(sent) != 1 || sent[0].SourceChain != "A" {
		t.Fatalf("B submissions = %+v", sent)
	}
	if got := f.chain(t, "A").Cursor(chain.LaneStandard); got != 100 {
		t.Fatalf("A cursor = %d, want 100", got)
	}
	if got := f.chain(t, "B").Cursor(chain.LaneStandard); got != 50 {
		t.Fatalf("B cursor = %d, want 50", got)
	}
	if e.Relaying() {
		t.Fatalf("flag not cleared")
	}
	if n, _ := rec.counts(); n != 1 {
		t.Fatalf("reporter saw %d passes", n)
	}
	if last, ok := e.LastReport(); !ok || last.ID != rep.ID {
		t.Fatalf("last report not stored")
	}
}

func TestEmptyRangeAdvances(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 10, "B": 20}, "A", "B")
	f.conns["A"].SetHeight(15)
	f.conns["B"].SetHeight(27)

	rep, _ := newEngine(f, &recorder{}).RunOnce(context.Background())
	if rep.Discovered != 0 || len(rep.Advanced) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if f.chain(t, "A").Cursor(chain.LaneStandard) != 15 || f.chain(t, "B").Cursor(chain.LaneStandard) != 27 {
		t.Fatalf("empty ranges must advance cursors")
	}
}

func TestPollFailureIsolated(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 10, "B": 10}, "A", "B")
	f.conns["A"].SetHeight(20)
	f.conns["A"].AddEvents(event(12, 0, "B"))
	f.conns["A"].FailFilter(errors.New("connection refused"))
	f.conns["B"].SetHeight(30)

	e := newEngine(f, &recorder{})
	rep, _ := e.RunOnce(context.Background())
	if len(rep.Failures) != 1 || rep.Failures[0].Kind != FailurePoll || rep.Failures[0].Chain != "A" {
		t.Fatalf("unexpected failures %+v", rep.Failures)
	}
	if !crdb.Is(rep.Failures[0].Err, chain.ErrPoll) {
		t.Fatalf("failure not marked as poll error: %v", rep.Failures[0].Err)
	}
	if f.chain(t, "A").Cursor(chain.LaneStandard) != 10 {
		t.Fatalf("failed chain advanced")
	}
	if f.chain(t, "B").Cursor(chain.LaneStandard) != 30 {
		t.Fatalf("healthy chain did not advance")
	}

	f.conns["A"].FailFilter(nil)
	rep, _ = e.RunOnce(context.Background())
	if !rep.OK() || rep.Forwarded != 1 || f.chain(t, "A").Cursor(chain.LaneStandard) != 20 {
		t.Fatalf("recovery pass = %+v", rep)
	}
}

func TestPartialForwardFailureHoldsCursor(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 10, "B": 10}, "A", "B")
	f.conns["A"].SetHeight(20)
	f.conns["A"].AddEvents(event(13, 0, "B"), event(11, 0, "B"), event(12, 0, "B"))

	var failing atomic.Bool
	failing.Store(true)
	f.conns["B"].SubmitHook = func(_ context.Context, msg chain.Message) error {
		if failing.Load() && msg.Payload[0] == 12 {
			return errors.New("execution reverted")
		}
		return nil
	}

	e := newEngine(f, &recorder{})
	rep, _ := e.RunOnce(context.Background())
	if rep.Forwarded != 1 || rep.Held != 2 || len(rep.Failures) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if !crdb.Is(rep.Failures[0].Err, chain.ErrForward) {
		t.Fatalf("failure not marked as forward error: %v", rep.Failures[0].Err)
	}
	if got := payloadOrder(f.conns["B"].Submitted()); len(got) != 1 || got[0][0] != 11 {
		t.Fatalf("forwarded %v, want only block 11", got)
	}
	if f.chain(t, "A").Cursor(chain.LaneStandard) != 10 {
		t.Fatalf("cursor advanced past an unforwarded event")
	}

	failing.Store(false)
	rep, _ = e.RunOnce(context.Background())
	if !rep.OK() || rep.Forwarded != 3 {
		t.Fatalf("retry pass = %+v", rep)
	}
	got := payloadOrder(f.conns["B"].Submitted())
	want := [][2]byte{{11, 0}, {11, 0}, {12, 0}, {13, 0}}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
	if f.chain(t, "A").Cursor(chain.LaneStandard) != 20 {
		t.Fatalf("cursor did not advance after retry")
	}
}

func TestCausalOrderPerDestination(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0, "B": 0, "C": 0}, "A", "B", "C")
	f.conns["A"].SetHeight(10)
	f.conns["C"].SetHeight(10)
	f.conns["A"].AddEvents(event(7, 1, "B"), event(3, 0, "B"), event(7, 0, "C"))
	f.conns["C"].AddEvents(event(5, 2, "B"), event(7, 0, "B"), event(2, 0, "A"))

	rep, _ := newEngine(f, &recorder{}).RunOnce(context.Background())
	if !rep.OK() || rep.Forwarded != 6 {
		t.Fatalf("unexpected report %+v", rep)
	}
	toB := payloadOrder(f.conns["B"].Submitted())
	for i := 1; i < len(toB); i++ {
		prev, cur := toB[i-1], toB[i]
		if cur[0] < prev[0] || (cur[0] == prev[0] && cur[1] < prev[1]) {
			t.Fatalf("destination B received out of order: %v", toB)
		}
	}
	if len(toB) != 4 || len(f.conns["A"].Submitted()) != 1 || len(f.conns["C"].Submitted()) != 1 {
		t.Fatalf("unexpected fan-out B=%d A=%d C=%d", len(toB), len(f.conns["A"].Submitted()), len(f.conns["C"].Submitted()))
	}
}

func TestFailureOnOneDestinationDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0, "B": 0, "C": 0}, "A", "B", "C")
	f.conns["A"].SetHeight(10)
	f.conns["C"].SetHeight(10)
	f.conns["A"].AddEvents(event(4, 0, "B"))
	f.conns["C"].AddEvents(event(5, 0, "A"))
	f.conns["B"].SubmitHook = func(context.Context, chain.Message) error { return errors.New("nonce too low") }

	rep, _ := newEngine(f, &recorder{}).RunOnce(context.Background())
	if rep.Forwarded != 1 || len(rep.Failures) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if f.chain(t, "A").Cursor(chain.LaneStandard) != 0 {
		t.Fatalf("source of failed event advanced")
	}
	if f.chain(t, "C").Cursor(chain.LaneStandard) != 10 {
		t.Fatalf("independent source held back")
	}
}

func TestUnknownDestinationHoldsSource(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0, "B": 0}, "A", "B")
	f.conns["A"].SetHeight(5)
	f.conns["A"].AddEvents(event(3, 0, "Nowhere"))

	rep, _ := newEngine(f, &recorder{}).RunOnce(context.Background())
	if len(rep.Failures) != 1 || rep.Failures[0].Chain != "Nowhere" {
		t.Fatalf("unexpected failures %+v", rep.Failures)
	}
	err := rep.Failures[0].Err
	if !crdb.Is(err, chain.ErrUnknownChain) || !crdb.Is(err, chain.ErrForward) {
		t.Fatalf("unexpected error classification: %v", err)
	}
	if f.chain(t, "A").Cursor(chain.LaneStandard) != 0 {
		t.Fatalf("source advanced past undeliverable event")
	}
}

func TestTickSingleFlight(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0, "B": 0}, "A", "B")
	f.conns["A"].SetHeight(5)
	f.conns["A"].AddEvents(event(2, 0, "B"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.conns["B"].SubmitHook = func(context.Context, chain.Message) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	rec := &recorder{}
	e := newEngine(f, rec, WithCallTimeout(0))
	if !e.Tick(context.Background()) {
		t.Fatalf("first tick dropped")
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("pass never reached forward")
	}

	if e.Tick(context.Background()) {
		t.Fatalf("overlapping tick started a second pass")
	}
	if _, ran := e.RunOnce(context.Background()); ran {
		t.Fatalf("RunOnce ran while a pass was in flight")
	}
	if _, skipped := rec.counts(); skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}

	close(release)
	e.Wait()
	waitIdle(t, e)
	if passes, _ := rec.counts(); passes != 1 {
		t.Fatalf("passes = %d, want 1", passes)
	}
	if len(f.conns["B"].Submitted()) != 1 {
		t.Fatalf("event delivered more than once")
	}
}

func TestInFlightPassSurvivesCancel(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0, "B": 0}, "A", "B")
	f.conns["A"].SetHeight(5)
	f.conns["A"].AddEvents(event(2, 0, "B"))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.conns["B"].SubmitHook = func(ctx context.Context, _ chain.Message) error {
		close(entered)
		<-release
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := newEngine(f, &recorder{}, WithCallTimeout(0))
	e.Tick(ctx)
	<-entered
	cancel()
	close(release)
	e.Wait()

	if len(f.conns["B"].Submitted()) != 1 || f.chain(t, "A").Cursor(chain.LaneStandard) != 5 {
		t.Fatalf("cancelled context aborted the in-flight pass")
	}
}

func TestCallTimeoutIsForwardFailure(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0, "B": 0}, "A", "B")
	f.conns["A"].SetHeight(5)
	f.conns["A"].AddEvents(event(2, 0, "B"))
	f.conns["B"].SubmitHook = func(ctx context.Context, _ chain.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}

	rep, _ := newEngine(f, &recorder{}, WithCallTimeout(20*time.Millisecond)).RunOnce(context.Background())
	if len(rep.Failures) != 1 || !crdb.Is(rep.Failures[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline failure, got %+v", rep.Failures)
	}
	if f.chain(t, "A").Cursor(chain.LaneStandard) != 0 {
		t.Fatalf("timed out forward advanced cursor")
	}
}

func TestPanicsAreRecovered(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0, "B": 0}, "A", "B")
	f.conns["A"].SetHeight(5)
	f.conns["A"].AddEvents(event(2, 0, "B"))
	f.conns["B"].SetHeight(3)
	f.conns["B"].FilterHook = func(context.Context) { panic("decoder bug") }
	f.conns["B"].SubmitHook = func(context.Context, chain.Message) error { panic("signer bug") }

	rec := &recorder{}
	e := newEngine(f, rec)
	rep, _ := e.RunOnce(context.Background())
	if len(rep.Failures) != 2 {
		t.Fatalf("failures = %+v", rep.Failures)
	}
	if !crdb.Is(rep.Failures[0].Err, chain.ErrPoll) || !crdb.Is(rep.Failures[1].Err, chain.ErrForward) {
		t.Fatalf("panics not classified: %v / %v", rep.Failures[0].Err, rep.Failures[1].Err)
	}
	if e.Relaying() {
		t.Fatalf("flag stuck after panic")
	}

	f.conns["B"].FilterHook = nil
	f.conns["B"].SubmitHook = nil
	if rep, ran := e.RunOnce(context.Background()); !ran || !rep.OK() {
		t.Fatalf("engine did not recover: %+v", rep)
	}
}

type panicReporter struct{}

func (panicReporter) PassCompleted(context.Context, Report) { panic("sink bug") }
func (panicReporter) TickSkipped(context.Context)           { panic("sink bug") }

func TestReporterPanicDoesNotStickFlag(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0}, "A")
	rec := &recorder{}
	e := New(f.reg, WithLogger(quietLogger()), WithReporter(Reporters(panicReporter{}, rec)))
	e.RunOnce(context.Background())
	if e.Relaying() {
		t.Fatalf("flag stuck after reporter panic")
	}
	e.relaying.Store(true)
	e.Tick(context.Background())
	e.relaying.Store(false)

	passes, skipped := rec.counts()
	if passes != 1 || skipped != 1 {
		t.Fatalf("reporter after a panicking one saw %d passes and %d skipped ticks, want 1 and 1", passes, skipped)
	}
}

func TestExpressLane(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0, "B": 0}, "A", "B")
	f.conns["A"].SetHeight(9)
	token := event(4, 1, "B")
	token.Symbol = "USDC"
	f.conns["A"].AddEvents(event(4, 0, "B"), token)

	rep, _ := newEngine(f, &recorder{}, WithExpress(true)).RunOnce(context.Background())
	if !rep.OK() || rep.Forwarded != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
	sent := f.conns["B"].Submitted()
	if !sent[0].Express || sent[0].Symbol != "USDC" {
		t.Fatalf("express lane must run first with the express entry point: %+v", sent[0])
	}
	for _, m := range sent[1:] {
		if m.Express {
			t.Fatalf("standard lane used express entry point")
		}
	}
	a := f.chain(t, "A")
	if a.Cursor(chain.LaneExpress) != 9 || a.Cursor(chain.LaneStandard) != 9 {
		t.Fatalf("lanes did not advance")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, map[string]uint64{"A": 0}, "A")
	rec := &recorder{}
	e := newEngine(f, rec, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := rec.counts(); n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timer did not fire passes")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if e.Relaying() {
		t.Fatalf("pass still in flight after Run returned")
	}
}

func TestPollFailureAttrsWithoutHeight(t *testing.T) {
	attrs := Failure{Kind: FailurePoll, Chain: "A", Lane: chain.LaneStandard, From: 11, Message: "rpc down"}.attrs()
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == "to" {
			t.Fatalf("attrs report an upper bound before the height was known: %v", attrs)
		}
	}

	attrs = Failure{Kind: FailurePoll, Chain: "A", Lane: chain.LaneStandard, From: 11, To: 20, Message: "rpc down"}.attrs()
	var to any
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == "to" {
			to = attrs[i+1]
		}
	}
	if to != uint64(20) {
		t.Fatalf("to = %v, want 20", to)
	}
}
