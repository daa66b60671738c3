package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const opsLong = `Runs against the configured database and exits. DuckDB allows a single
process per database file, so stop the server first or use the matching
/api/admin endpoint instead.`

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process the pending queue until it is empty",
	Long:  opsLong,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) (any, error) {
		return a.worker.DrainNow(ctx)
	}),
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire upload sessions and remove orphaned temp files",
	Long:  opsLong,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) (any, error) {
		return a.janitor.Sweep(ctx)
	}),
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Return documents stuck in processing to the queue",
	Long:  opsLong,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) (any, error) {
		n, err := a.worker.Reclaim(ctx)
		return map[string]int{"reclaimed": n}, err
	}),
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue every failed document",
	Long:  opsLong,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) (any, error) {
		n, err := a.worker.RetryFailed(ctx)
		return map[string]int{"requeued": n}, err
	}),
}

var tokenCmd = &cobra.Command{
	Use:   "token <owner>",
	Short: "Mint a bearer token for an owner",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) (any, error) {
		token, err := a.auth.Mint(args[0], time.Now())
		if err != nil {
			return nil, err
		}
		return map[string]string{"owner": args[0], "token": token}, nil
	}),
}

func init() {
	rootCmd.AddCommand(drainCmd, sweepCmd, reclaimCmd, retryCmd, tokenCmd)
}

type opFunc func(ctx context.Context, a *app, cmd *cobra.Command, args []string) (any, error)

// withApp wires the services, runs op and prints its result as JSON.
func withApp(op opFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := op(ctx, a, cmd, args)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
}
