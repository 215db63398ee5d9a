package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/registry-fetcher/internal/app"
	"github.com/JakeFAU/registry-fetcher/internal/lookup"
)

// newLookupCmd creates the 'lookup' subcommand: one lookup, printed as JSON.
func newLookupCmd(opts *rootOptions) *cobra.Command {
	var req lookup.Request
	cmd := &cobra.Command{
		Use:   "lookup KEY",
		Short: "Look up one entity and print the result as JSON",
		Long: `Runs a single lookup through the same cache, freshness policy and browser
pipeline as the service. The response is written to stdout; the exit status is
non-zero when the lookup did not succeed.`,
		Example:     "  registry-fetcher lookup 556631-3788 --people",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{needsApp: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Key = args[0]
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				resp := a.Lookup().Lookup(ctx, req)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(resp); err != nil {
					return fmt.Errorf("write response: %w", err)
				}
				return resp.Err()
			})
		},
	}
	cmd.Flags().BoolVar(&req.IncludePeople, "people", false, "also collect board and management people")
	cmd.Flags().BoolVar(&req.ForceRefresh, "refresh", false, "bypass the cache and fetch live")
	return cmd
}
