package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newProjectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List your projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjects(cmd)
		},
	}
}

func runProjects(cmd *cobra.Command) error {
	return withApp(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
		projects, err := a.client.Projects(ctx)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects yet.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tUPDATED\tPROMPT")
		for _, p := range projects {
			updated := "-"
			if !p.UpdatedAt.IsZero() {
				updated = p.UpdatedAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Status, updated, truncate(p.Prompt, 60))
		}
		return tw.Flush()
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
