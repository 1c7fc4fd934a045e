package sink

import (
	"context"
	"log/slog"

	"github.com/devblac/xchain-relay/internal/relay"
	"github.com/devblac/xchain-relay/internal/storage"
)

// Checkpointer persists every cursor advance so the state command can show
// how far each chain has been relayed.
type Checkpointer struct {
	store *storage.Store
	log   *slog.Logger
}

var _ relay.Reporter = (*Checkpointer)(nil)

func NewCheckpointer(store *storage.Store, log *slog.Logger) *Checkpointer {
	if log == nil {
		log = slog.Default()
	}
	return &Checkpointer{store: store, log: log}
}

func (c *Checkpointer) PassCompleted(ctx context.Context, rep relay.Report) {
	for _, adv := range rep.Advanced {
		if err := c.store.UpsertCursor(ctx, adv.Chain, adv.Lane.String(), adv.To); err != nil {
			c.log.Error("checkpoint cursor", "chain", adv.Chain, "lane", adv.Lane.String(), "height", adv.To, "error", err)
		}
	}
}

func (c *Checkpointer) TickSkipped(context.Context) {}
