package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local file cache",
	}
	cmd.AddCommand(newCachePruneCmd())
	cmd.AddCommand(newCacheClearCmd())
	cmd.AddCommand(newCacheForgetCmd())
	return cmd
}

func newCachePruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached files older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, a *app) error {
				n, err := a.store.PruneFiles(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d cached file(s).\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "maximum age of cached files to keep")
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, a *app) error {
				n, err := a.store.ClearFiles(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cached file(s).\n", n)
				return nil
			})
		},
	}
}

func newCacheForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <project-id>",
		Short: "Delete the cached files of one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, a *app) error {
				n, err := a.store.DeleteProjectFiles(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Forgot %d cached file(s) of %s.\n", n, args[0])
				return nil
			})
		},
	}
}

func withCache(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	return withApp(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
		if a.store == nil {
			return errors.New("file cache is disabled (CACHE_DB_PATH is empty)")
		}
		return fn(ctx, a)
	})
}
