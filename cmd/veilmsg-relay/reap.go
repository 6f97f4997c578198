package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type reapOptions struct {
	config string
}

// commandReap runs a single garbage-collection pass and exits, for
// deployments that prefer driving cleanup from an external cron job
// instead of (or alongside) the in-process ticker commandServe starts.
func commandReap() *cobra.Command {
	options := reapOptions{}

	cmd := &cobra.Command{
		Use:     "reap [flags] [config file]",
		Short:   "Run one garbage-collection pass and exit",
		Example: "veilmsg-relay reap config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runReap(options)
		},
	}
	return cmd
}

func runReap(options reapOptions) error {
	c, err := loadConfig(options.config)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	logrusLogger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	ctx := context.Background()
	store, err := c.OpenStorage(ctx, logrusLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer store.Close()

	result, err := store.GarbageCollect(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reap: %v", err)
	}
	fmt.Fprintf(os.Stdout, "removed %d messages, %d revoked tokens\n", result.Messages, result.RevokedTokens)
	return nil
}
