package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/devblac/xchain-relay/internal/relay"
	"github.com/devblac/xchain-relay/internal/storage"
	"github.com/go-redis/redis/v8"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "sink.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type captureSender struct {
	mu   sync.Mutex
	got  []AlertPayload
	fail error
}

func (c *captureSender) Send(_ context.Context, p AlertPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, p)
	return nil
}

type counts struct{ sent, dropped int }

func (c *counts) AlertsSent()    { c.sent++ }
func (c *counts) AlertsDropped() { c.dropped++ }

func failedPass(id string) relay.Report {
	return relay.Report{
		ID: id,
		Failures: []relay.Failure{{
			Kind:    relay.FailurePoll,
			Chain:   "TestChainA",
			Lane:    chain.LaneStandard,
			From:    11,
			To:      20,
			Message: "connection refused",
		}},
	}
}

func TestAlerterDedupesRepeatedFailure(t *testing.T) {
	store := newTestStore(t)
	sender := &captureSender{}
	cnt := &counts{}
	a := NewAlerter(store, quiet(), Target{ID: "ops", Sender: sender, DedupeTTL: time.Minute}).WithCounter(cnt)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	ctx := context.Background()
	a.PassCompleted(ctx, failedPass("p1"))
	a.PassCompleted(ctx, failedPass("p2"))
	if len(sender.got) != 1 {
		t.Fatalf("delivered %d alerts, want 1", len(sender.got))
	}
	got := sender.got[0]
	if got.RelayID != "p1" || got.Chain != "TestChainA" || got.From != 11 || got.Error != "connection refused" {
		t.Fatalf("unexpected payload %+v", got)
	}

	now = now.Add(2 * time.Minute)
	a.PassCompleted(ctx, failedPass("p3"))
	if len(sender.got) != 2 {
		t.Fatalf("expected redelivery after the dedupe window")
	}
	if cnt.sent != 2 || cnt.dropped != 1 {
		t.Fatalf("counts = %+v", cnt)
	}
}

func TestAlerterRateLimitAndRecords(t *testing.T) {
	store := newTestStore(t)
	ok := &captureSender{}
	broken := &captureSender{fail: &StatusError{Code: 500}}
	a := NewAlerter(store, quiet(),
		Target{ID: "limited", Sender: ok, Limiter: NewTokenBucket(1, 0.001)},
		Target{ID: "broken", Sender: broken},
	)

	rep := relay.Report{ID: "p1", Failures: []relay.Failure{
		{Kind: relay.FailureForward, Chain: "B", Event: "0xaa:0", Message: "reverted"},
		{Kind: relay.FailureForward, Chain: "B", Event: "0xbb:0", Message: "reverted"},
	}}
	a.PassCompleted(context.Background(), rep)
	if len(ok.got) != 1 {
		t.Fatalf("rate limited sink delivered %d", len(ok.got))
	}
}

func TestAlerterWithoutStore(t *testing.T) {
	sender := &captureSender{}
	a := NewAlerter(nil, quiet(), Target{ID: "ops", Sender: sender, DedupeTTL: time.Minute})
	a.PassCompleted(context.Background(), failedPass("p1"))
	a.PassCompleted(context.Background(), failedPass("p2"))
	if len(sender.got) != 2 {
		t.Fatalf("without a store every failure is delivered, got %d", len(sender.got))
	}
	a.PassCompleted(context.Background(), relay.Report{ID: "ok"})
	if len(sender.got) != 2 {
		t.Fatalf("clean pass produced an alert")
	}
}

func TestFingerprintIgnoresPass(t *testing.T) {
	a, b := failedPass("x").Failures[0], failedPass("y").Failures[0]
	b.Message = "different wording"
	if fingerprint(a) != fingerprint(b) {
		t.Fatalf("fingerprint must not depend on pass or message")
	}
	b.Chain = "TestChainB"
	if fingerprint(a) == fingerprint(b) {
		t.Fatalf("fingerprint must depend on chain")
	}
}

func TestCheckpointer(t *testing.T) {
	store := newTestStore(t)
	cp := NewCheckpointer(store, quiet())
	ctx := context.Background()
	cp.PassCompleted(ctx, relay.Report{Advanced: []relay.CursorAdvance{
		{Chain: "A", Lane: chain.LaneExpress, From: 1, To: 9},
		{Chain: "A", Lane: chain.LaneStandard, From: 1, To: 10},
	}})
	h, ok, err := store.GetCursor(ctx, "A", "standard")
	if err != nil || !ok || h != 10 {
		t.Fatalf("standard cursor = %d ok=%v err=%v", h, ok, err)
	}
	h, ok, err = store.GetCursor(ctx, "A", "express")
	if err != nil || !ok || h != 9 {
		t.Fatalf("express cursor = %d ok=%v err=%v", h, ok, err)
	}
}

type fakeRedis struct {
	published map[string][]string
	lists     map[string][]string
	counters  map[string]int64
	fail      error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: map[string][]string{}, lists: map[string][]string{}, counters: map[string]int64{}}
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.fail != nil {
		return redis.NewIntResult(0, f.fail)
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		f.lists[key] = append([]string{string(v.([]byte))}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LTrim(_ context.Context, key string, start, stop int64) *redis.StatusCmd {
	l := f.lists[key]
	if int64(len(l)) > stop+1 {
		f.lists[key] = l[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.counters[key]++
	return redis.NewIntResult(f.counters[key], nil)
}

func TestPublisher(t *testing.T) {
	fr := newFakeRedis()
	p := newPublisher(fr, "relay", quiet())
	p.history = 2
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		p.PassCompleted(ctx, relay.Report{ID: id, Forwarded: 1})
	}
	p.TickSkipped(ctx)

	if len(fr.published["relay"]) != 3 {
		t.Fatalf("published %d reports", len(fr.published["relay"]))
	}
	var rep relay.Report
	if err := json.Unmarshal([]byte(fr.published["relay"][0]), &rep); err != nil || rep.ID != "p1" {
		t.Fatalf("decode report: %v %+v", err, rep)
	}
	hist := fr.lists["relay:history"]
	if len(hist) != 2 || !contains(hist[0], `"p3"`) {
		t.Fatalf("history = %v", hist)
	}
	if fr.counters["relay:skipped"] != 1 {
		t.Fatalf("skipped counter = %d", fr.counters["relay:skipped"])
	}

	fr.fail = errors.New("connection reset")
	p.PassCompleted(ctx, relay.Report{ID: "p4"})
	if len(fr.lists["relay:history"]) != 2 {
		t.Fatalf("history written after publish failure")
	}
}

func TestNewPublisherRejectsBadURL(t *testing.T) {
	if _, err := NewPublisher("not a url", "", nil); err == nil {
		t.Fatalf("expected invalid url to fail")
	}
}
