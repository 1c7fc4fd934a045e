package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/devblac/xchain-relay/internal/chain/evm"
	"github.com/devblac/xchain-relay/internal/config"
	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/devblac/xchain-relay/internal/front"
	"github.com/devblac/xchain-relay/internal/health"
	"github.com/devblac/xchain-relay/internal/keys"
	"github.com/devblac/xchain-relay/internal/metrics"
	"github.com/devblac/xchain-relay/internal/relay"
	"github.com/devblac/xchain-relay/internal/sink"
	"github.com/devblac/xchain-relay/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagDescriptors []string
	flagPort        int
	flagOnce        bool
	flagHealth      string
	flagMetrics     string
)

func init() {
	serveCmd.Flags().StringSliceVar(&flagDescriptors, "descriptor", nil, "Descriptor file to load (repeatable; default: every configured chain)")
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "Info port of the first chain; later chains use the following ports")
	serveCmd.Flags().BoolVar(&flagOnce, "once", false, "Run one relay pass and exit")
	serveCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	serveCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load descriptors, serve chain info and relay calls between chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := serveConfig(cmd)
		if err != nil {
			return err
		}
		log, closer, err := openLogger(cfg.Global)
		if err != nil {
			return err
		}
		defer closer.Close()

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		targets, err := serveTargets(cfg)
		if err != nil {
			return err
		}
		reg := chain.NewRegistry()
		for _, t := range targets {
			conn, err := loadChain(ctx, reg, t.path)
			if err != nil {
				return err
			}
			defer conn.Close()
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		reporters := []relay.Reporter{sink.NewCheckpointer(store, log)}
		if mtr != nil {
			reporters = append(reporters, mtr)
		}
		if len(cfg.Sinks) > 0 {
			alerter, err := buildAlerter(cfg.Sinks, store, log)
			if err != nil {
				return err
			}
			if mtr != nil {
				alerter.WithCounter(mtr)
			}
			reporters = append(reporters, alerter)
		}
		if cfg.Global.RedisURL != "" {
			pub, err := sink.NewPublisher(cfg.Global.RedisURL, cfg.Global.RedisChannel, log)
			if err != nil {
				return err
			}
			defer pub.Close()
			reporters = append(reporters, pub)
		}

		eng := relay.New(reg,
			relay.WithInterval(cfg.Global.RelayInterval),
			relay.WithCallTimeout(cfg.Global.CallTimeout),
			relay.WithExpress(cfg.Global.Express),
			relay.WithReporter(relay.Reporters(reporters...)),
			relay.WithLogger(log),
		)

		if flagOnce {
			rep, _ := eng.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "pass %s: %d discovered, %d forwarded, %d held, %d failures\n",
				rep.ID, rep.Discovered, rep.Forwarded, rep.Held, len(rep.Failures))
			if !rep.OK() {
				return fmt.Errorf("pass %s finished with %d failure(s)", rep.ID, len(rep.Failures))
			}
			return nil
		}

		var servers []*http.Server
		for _, t := range targets {
			c, err := reg.Get(t.name)
			if err != nil {
				return err
			}
			addr := fmt.Sprintf(":%d", t.port)
			servers = append(servers, front.Serve(addr, front.Handler(reg, c.Name(), eng, log), log))
			log.Info("chain info listening", "chain", c.Name(), "chain_id", c.ChainID(), "addr", addr)
		}
		if flagHealth != "" {
			chk := health.NewChainChecker(reg)
			servers = append(servers, health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: chk.Ping,
				Chains:  chk.Status,
			}))
			log.Info("health check enabled", "addr", flagHealth)
		}
		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			servers = append(servers, front.Serve(flagMetrics, mux, log))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range servers {
				if err := front.Shutdown(shutdownCtx, srv); err != nil {
					log.Warn("http shutdown", "addr", srv.Addr, "error", err)
				}
			}
		}()

		return eng.Run(ctx)
	},
}

type serveTarget struct {
	name string
	path string
	port int
}

// serveConfig loads the config file. With explicit descriptors a missing
// config file falls back to defaults.
func serveConfig(cmd *cobra.Command) (*config.Config, error) {
	if len(flagDescriptors) > 0 && !cmd.Flags().Changed("config") {
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			return config.Default()
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serveTargets(cfg *config.Config) ([]serveTarget, error) {
	var out []serveTarget
	if len(flagDescriptors) > 0 {
		for i, path := range flagDescriptors {
			desc, err := descriptor.Read(path)
			if err != nil {
				return nil, err
			}
			port := 8500 + i
			if ch, ok := cfg.Chain(desc.Name); ok {
				port = ch.Port
			}
			out = append(out, serveTarget{name: desc.Name, path: path, port: port})
		}
	} else {
		for _, ch := range cfg.Chains {
			out = append(out, serveTarget{name: ch.Name, path: ch.Descriptor, port: ch.Port})
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no chains to serve: configure chains or pass --descriptor")
	}
	if flagPort > 0 {
		for i := range out {
			out[i].port = flagPort + i
		}
	}
	return out, nil
}

// loadChain rehydrates a chain from its descriptor and registers it. The node
// must serve the chain id the descriptor was written for.
func loadChain(ctx context.Context, reg *chain.Registry, path string) (*evm.Conn, error) {
	desc, err := descriptor.Read(path)
	if err != nil {
		return nil, err
	}
	ids, err := keys.FromDescriptor(desc.Keys)
	if err != nil {
		return nil, fmt.Errorf("descriptor %s keys: %w", path, err)
	}
	conn, err := evm.Dial(ctx, desc.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", desc.Name, err)
	}
	id, err := conn.ChainID(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("chain %s: chain id: %w", desc.Name, err)
	}
	if id != desc.ChainID {
		conn.Close()
		return nil, fmt.Errorf("chain %s: node serves chain id %d, descriptor says %d", desc.Name, id, desc.ChainID)
	}
	if _, err := reg.Register(ctx, desc, ids, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func buildAlerter(sinks []config.Sink, store *storage.Store, log *slog.Logger) (*sink.Alerter, error) {
	var targets []sink.Target
	for _, s := range sinks {
		var (
			sender sink.Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = sink.NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = sink.NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = sink.NewWebhookSender(s.URL, s.Method, s.Template, nil)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		t := sink.Target{ID: s.ID, Sender: sender, DedupeTTL: s.DedupeTTL}
		if s.Rate > 0 {
			burst := float64(s.Burst)
			if burst < 1 {
				burst = 1
			}
			t.Limiter = sink.NewTokenBucket(burst, s.Rate)
		}
		targets = append(targets, t)
	}
	return sink.NewAlerter(store, log, targets...), nil
}
