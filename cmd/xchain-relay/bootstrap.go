package main

import (
	"context"
	"fmt"

	"github.com/devblac/xchain-relay/internal/bootstrap"
	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/devblac/xchain-relay/internal/chain/evm"
	"github.com/devblac/xchain-relay/internal/config"
	"github.com/devblac/xchain-relay/internal/storage"
	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap [chain-name...]",
	Short: "Deploy core contracts and tokens, then write chain descriptors",
	Long: `Deploys the constant-address deployer, the create3 deployer, the gateway,
the gas service and the configured tokens on each named chain (all chains when
none are named) and writes its descriptor. A failed run is not resumed: running
it again deploys every contract again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, closer, err := openLogger(cfg.Global)
		if err != nil {
			return err
		}
		defer closer.Close()

		targets, err := selectChains(cfg, args)
		if err != nil {
			return err
		}

		artifacts, err := evm.LoadArtifacts(cfg.Global.ArtifactsDir)
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		b := bootstrap.New(dialEVM, artifacts,
			bootstrap.WithRecorder(store),
			bootstrap.WithLogger(log),
		)
		out := cmd.OutOrStdout()
		for _, ch := range targets {
			desc, err := b.Run(ctx, ch)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "- chain %s (%d): gateway %s, descriptor %s\n",
				desc.Name, desc.ChainID, desc.Contracts["gateway"], ch.Descriptor)
		}
		return nil
	},
}

func dialEVM(ctx context.Context, url string) (chain.Conn, error) {
	conn, err := evm.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func selectChains(cfg *config.Config, names []string) ([]config.ChainConfig, error) {
	if len(names) == 0 {
		return cfg.Chains, nil
	}
	out := make([]config.ChainConfig, 0, len(names))
	for _, name := range names {
		ch, ok := cfg.Chain(name)
		if !ok {
			return nil, fmt.Errorf("chain %q is not configured", name)
		}
		out = append(out, ch)
	}
	return out, nil
}
