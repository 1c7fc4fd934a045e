package main

import (
	"encoding/json"
	"fmt"

	"github.com/devblac/xchain-relay/internal/config"
	"github.com/devblac/xchain-relay/internal/storage"
	"github.com/spf13/cobra"
)

var flagStateJSON bool

func init() {
	stateCmd.Flags().BoolVar(&flagStateJSON, "json", false, "Print JSON instead of text")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show checkpointed relay cursors and recorded deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		cursors, err := store.ListCursors(ctx)
		if err != nil {
			return err
		}
		deployments, err := store.ListDeployments(ctx, "")
		if err != nil {
			return err
		}

		if flagStateJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Cursors     []storage.Cursor     `json:"cursors"`
				Deployments []storage.Deployment `json:"deployments"`
			}{cursors, deployments})
		}

		fmt.Fprintln(out, "cursors:")
		if len(cursors) == 0 {
			fmt.Fprintln(out, "  (none)")
		}
		for _, c := range cursors {
			fmt.Fprintf(out, "  %s %-8s %d  (updated %s)\n", c.Chain, c.Lane, c.Height, c.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintln(out, "deployments:")
		if len(deployments) == 0 {
			fmt.Fprintln(out, "  (none)")
		}
		for _, d := range deployments {
			fmt.Fprintf(out, "  %s %-22s %s  tx %s\n", d.Chain, d.Role, d.Address, d.TxHash)
		}
		return nil
	},
}
