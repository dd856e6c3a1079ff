package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/appbuilder/internal/session"
	"github.com/spf13/cobra"
)

func newGenerateCmd() *cobra.Command {
	var followOutput bool

	cmd := &cobra.Command{
		Use:   "generate <prompt...>",
		Short: "Start a new project from a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, strings.Join(args, " "), followOutput)
		},
	}

	cmd.Flags().BoolVarP(&followOutput, "follow", "f", true, "stream progress until the generation finishes")
	return cmd
}

func runGenerate(cmd *cobra.Command, prompt string, followOutput bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
		p := newPrinter(cmd.OutOrStdout())
		if err := a.session.Generate(ctx, prompt); err != nil {
			if snap, snapErr := a.session.Snapshot(ctx); snapErr == nil {
				p.render(snap)
			}
			return err
		}
		if !followOutput {
			snap, err := a.session.Snapshot(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project: %s (%s)\n", snap.ProjectID, snap.ProjectStatus)
			return nil
		}
		snap, err := follow(ctx, a.session, p)
		if err != nil {
			return err
		}
		p.files(snap)
		if snap.ProjectID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "project: %s (%s)\n", snap.ProjectID, snap.ProjectStatus)
		}
		return nil
	})
}

func newResumeCmd() *cobra.Command {
	var followOutput bool

	cmd := &cobra.Command{
		Use:   "resume [project-id]",
		Short: "Load an existing project and print its conversation",
		Long:  "Loads a project by id, or the most recently opened project when no id is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return runResume(cmd, id, followOutput)
		},
	}

	cmd.Flags().BoolVarP(&followOutput, "follow", "f", true, "keep streaming while the project is still generating")
	return cmd
}

func runResume(cmd *cobra.Command, projectID string, followOutput bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
		id, err := a.resolveProject(ctx, projectID)
		if err != nil {
			return err
		}
		if err := a.session.LoadProject(ctx, id); err != nil {
			return err
		}

		p := newPrinter(cmd.OutOrStdout())
		snap, err := a.session.Snapshot(ctx)
		if err != nil {
			return err
		}
		p.render(snap)
		if followOutput && snap.IsGenerating {
			if snap, err = follow(ctx, a.session, p); err != nil {
				return err
			}
		}
		p.files(snap)
		fmt.Fprintf(cmd.OutOrStdout(), "project: %s (%s)\n", snap.ProjectID, snap.ProjectStatus)
		return nil
	})
}

func (a *app) resolveProject(ctx context.Context, projectID string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	if a.store == nil {
		return "", errors.New("no project id given and the file cache is disabled")
	}
	id, err := a.store.LastProject(ctx)
	if err != nil {
		return "", fmt.Errorf("read last project: %w", err)
	}
	if id == "" {
		return "", errors.New("no project id given and no project was opened before")
	}
	return id, nil
}

func newChatCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session: each line is a prompt",
		Long: `Reads prompts from stdin. The first prompt creates a project and later
prompts are follow-ups. Commands: /new, /open <id>, /files, /show <path>, /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, projectID)
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "p", "", "resume this project before reading prompts")
	return cmd
}

func runChat(cmd *cobra.Command, projectID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()
		p := newPrinter(out)
		if projectID != "" {
			if err := a.session.LoadProject(ctx, projectID); err != nil {
				return err
			}
			if _, err := follow(ctx, a.session, p); err != nil {
				return err
			}
		}

		scanner := bufio.NewScanner(cmd.InOrStdin())
		fmt.Fprint(out, "> ")
		for scanner.Scan() {
			quit, err := a.chatLine(ctx, p, strings.TrimSpace(scanner.Text()))
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			fmt.Fprint(out, "> ")
		}
		return scanner.Err()
	})
}

func (a *app) chatLine(ctx context.Context, p *printer, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/new":
		if err := a.session.ResetForNewChat(ctx); err != nil {
			return false, err
		}
		p.lastLog = ""
		fmt.Fprintln(p.out, "started a new chat")
		return false, nil
	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <project-id>")
		}
		if err := a.session.LoadProject(ctx, arg); err != nil {
			return false, err
		}
		_, err := follow(ctx, a.session, p)
		return false, err
	case "/files":
		snap, err := a.session.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		p.files(snap)
		return false, nil
	case "/show":
		content, ok := a.session.FileContent(arg)
		if !ok {
			return false, fmt.Errorf("%s is not cached", arg)
		}
		fmt.Fprintln(p.out, content)
		return false, a.session.SelectFile(ctx, arg)
	}

	if err := a.session.Submit(ctx, line); err != nil {
		if errors.Is(err, session.ErrEmptyPrompt) {
			return false, nil
		}
		if snap, snapErr := a.session.Snapshot(ctx); snapErr == nil {
			p.render(snap)
		}
		return false, err
	}
	_, err := follow(ctx, a.session, p)
	return false, err
}
