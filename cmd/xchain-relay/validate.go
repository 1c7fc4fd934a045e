package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/devblac/xchain-relay/internal/config"
	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"github.com/ybbus/jsonrpc"
)

const defaultHTTPTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, ping RPC endpoints and check descriptors",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d chains)\n", cfg.Version, len(cfg.Chains))

		client := &http.Client{Timeout: defaultHTTPTimeout}
		failures := 0
		for _, ch := range cfg.Chains {
			if err := validateChain(out, client, ch); err != nil {
				failures++
				fmt.Fprintf(out, "- chain %s: ERROR %v\n", ch.Name, err)
			}
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d chain(s) failed", failures)
		}
		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func validateChain(out io.Writer, client *http.Client, ch config.ChainConfig) error {
	id, err := pingEVM(client, ch.RPCURL)
	if err != nil {
		return err
	}
	if id != ch.ChainID {
		return fmt.Errorf("node serves chainId %d, configured %d", id, ch.ChainID)
	}
	fmt.Fprintf(out, "- chain %s: chainId %d OK\n", ch.Name, id)

	desc, err := descriptor.Read(ch.Descriptor)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(out, "  descriptor %s: not bootstrapped yet\n", ch.Descriptor)
		return nil
	}
	if err != nil {
		return err
	}
	if desc.Name != ch.Name || desc.ChainID != ch.ChainID {
		return fmt.Errorf("descriptor %s is for %s (%d)", ch.Descriptor, desc.Name, desc.ChainID)
	}
	fmt.Fprintf(out, "  descriptor %s: OK (%d contracts, %d tokens)\n", ch.Descriptor, len(desc.Contracts), len(desc.Tokens))
	return nil
}

func pingEVM(client *http.Client, url string) (uint64, error) {
	rpc := jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: client})
	resp, err := rpc.Call("eth_chainId")
	if err != nil {
		return 0, fmt.Errorf("call eth_chainId: %w", err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("rpc error: %s", resp.Error.Message)
	}
	raw, err := resp.GetString()
	if err != nil {
		return 0, fmt.Errorf("decode chainId: %w", err)
	}
	if raw == "" {
		return 0, errors.New("empty chainId result")
	}
	return hexutil.DecodeUint64(raw)
}
