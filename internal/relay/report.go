package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/xchain-relay/internal/chain"
)

// FailureKind classifies a recovered failure inside a pass.
type FailureKind string

const (
	FailurePoll    FailureKind = "poll"
	FailureForward FailureKind = "forward"
	FailurePanic   FailureKind = "panic"
)

// Failure is one error recovered during a pass. Chain is the source chain for
// poll failures and the destination chain for forward failures.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Chain   string      `json:"chain,omitempty"`
	Lane    chain.Lane  `json:"lane"`
	From    uint64      `json:"from,omitempty"`
	To      uint64      `json:"to,omitempty"`
	Event   string      `json:"event,omitempty"`
	Source  string      `json:"source,omitempty"`
	Message string      `json:"error"`
	Err     error       `json:"-"`
}

// CursorAdvance records a watermark moved by a pass.
type CursorAdvance struct {
	Chain string     `json:"chain"`
	Lane  chain.Lane `json:"lane"`
	From  uint64     `json:"from"`
	To    uint64     `json:"to"`
}

// Report summarises one relay pass.
type Report struct {
	ID         string          `json:"id"`
	Started    time.Time       `json:"started"`
	Duration   time.Duration   `json:"duration"`
	Chains     int             `json:"chains"`
	Discovered int             `json:"discovered"`
	Forwarded  int             `json:"forwarded"`
	Held       int             `json:"held"`
	Failures   []Failure       `json:"failures,omitempty"`
	Advanced   []CursorAdvance `json:"advanced,omitempty"`
}

// OK reports whether the pass recovered no failures.
func (r Report) OK() bool { return len(r.Failures) == 0 }

func (r *Report) fail(f Failure) {
	if f.Err != nil && f.Message == "" {
		f.Message = f.Err.Error()
	}
	r.Failures = append(r.Failures, f)
}

// Reporter observes pass outcomes. Implementations must not block for long;
// the single-flight flag stays set until PassCompleted returns.
type Reporter interface {
	PassCompleted(ctx context.Context, r Report)
	TickSkipped(ctx context.Context)
}

type multiReporter []Reporter

// Reporters fans out to every non-nil reporter in order. A panicking reporter
// is logged and skipped; the ones after it still run.
func Reporters(rs ...Reporter) Reporter {
	out := make(multiReporter, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiReporter) PassCompleted(ctx context.Context, r Report) {
	for _, rep := range m {
		guard(rep, func() { rep.PassCompleted(ctx, r) })
	}
}

func (m multiReporter) TickSkipped(ctx context.Context) {
	for _, rep := range m {
		guard(rep, func() { rep.TickSkipped(ctx) })
	}
}

func guard(rep Reporter, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("reporter panic", "reporter", fmt.Sprintf("%T", rep), "panic", r)
		}
	}()
	fn()
}

func (f Failure) attrs() []any {
	attrs := []any{"kind", string(f.Kind), "lane", f.Lane.String()}
	if f.Chain != "" {
		attrs = append(attrs, "chain", f.Chain)
	}
	if f.Kind == FailurePoll {
		attrs = append(attrs, "from", f.From)
		if f.To >= f.From {
			attrs = append(attrs, "to", f.To)
		}
	}
	if f.Event != "" {
		attrs = append(attrs, "event", f.Event, "source", f.Source)
	}
	return append(attrs, slog.String("error", f.Message))
}
