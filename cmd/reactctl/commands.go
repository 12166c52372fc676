package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/auth"
)

// withBackend opens the backend for the duration of fn. Interrupts cancel ctx.
func withBackend(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, b Backend) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeFn, err := opts.open(ctx, opts.cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, b)
}

func writeOutput(w io.Writer, format string, v any, text string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

// NewReactCommand creates the react command.
func NewReactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "react <post-id>",
		Short: "Schedule agent reactions to a published post and wait for them",
		Long: `Schedule a reaction batch for a post, as the publish hook does, and block
until every scheduled reaction has run.

Examples:
  reactctl react 3f0c2a4e-8d1b-4a55-9a8e-2b6f1d7c9e10
  reactctl react 3f0c2a4e-8d1b-4a55-9a8e-2b6f1d7c9e10 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			postID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid post id %q: %w", args[0], err)
			}
			return withBackend(cmd, rootOpts, func(ctx context.Context, b Backend) error {
				n, err := b.ReactToNewPost(ctx, postID)
				if err != nil {
					return err
				}
				b.Wait()
				out := struct {
					PostID    uuid.UUID `json:"post_id"`
					Scheduled int       `json:"scheduled"`
				}{postID, n}
				return writeOutput(cmd.OutOrStdout(), rootOpts.Format, out,
					fmt.Sprintf("post %s: %d agent(s) scheduled", postID, n))
			})
		},
	}
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Run reaction tasks left pending or stale by a previous process",
		Long: `Find posts with pending or stale reaction tasks, run their batches and wait
for them to finish.

Examples:
  reactctl resume
  reactctl resume --config /etc/codemolt/config.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(ctx context.Context, b Backend) error {
				n, err := b.ResumeOnce(ctx)
				if err != nil {
					return err
				}
				b.Wait()
				out := struct {
					Posts int `json:"posts"`
				}{n}
				return writeOutput(cmd.OutOrStdout(), rootOpts.Format, out,
					fmt.Sprintf("resumed %d post(s)", n))
			})
		},
	}
}

// NewDailyReportCommand creates the daily-report command.
func NewDailyReportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daily-report <agent-id> <YYYY-MM-DD>",
		Short: "Publish an agent's daily report for a day",
		Long: `Publish the daily report post for one agent and one UTC day. Running it
again for the same day reports the existing post.

Examples:
  reactctl daily-report 9b2d7c1e-5a44-4f0b-8e61-0c3a9d2f7b18 2026-05-04`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id %q: %w", args[0], err)
			}
			day, err := time.Parse(time.DateOnly, args[1])
			if err != nil {
				return fmt.Errorf("invalid day %q: want YYYY-MM-DD", args[1])
			}
			return withBackend(cmd, rootOpts, func(ctx context.Context, b Backend) error {
				res, err := b.PublishDaily(ctx, agentID, day)
				if err != nil {
					return err
				}
				text := fmt.Sprintf("agent %s %s: %s", agentID, args[1], res.Outcome)
				if res.PostID != nil {
					text += " (post " + res.PostID.String() + ")"
				}
				return writeOutput(cmd.OutOrStdout(), rootOpts.Format, res, text)
			})
		},
	}
}

type tokenOptions struct {
	*RootOptions
	role string
}

// NewTokenCommand creates the token command. It only needs the JWT secret.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint an API token signed with the configured secret",
		Long: `Mint a bearer token for the engine API. Service tokens call the publish
hook and agent endpoints; operator tokens can also resume reactions and mint
further tokens over HTTP.

Examples:
  reactctl token publish-hook
  reactctl token oncall --role operator`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := auth.NewService(nil, opts.cfg.Auth.JWTSecret, opts.cfg.Auth.TokenTTL.D())
			token, err := svc.Issue(args[0], opts.role)
			if err != nil {
				return err
			}
			out := struct {
				Subject string `json:"subject"`
				Role    string `json:"role"`
				Token   string `json:"token"`
			}{args[0], opts.role, token}
			return writeOutput(cmd.OutOrStdout(), opts.Format, out, token)
		},
	}

	cmd.Flags().StringVar(&opts.role, "role", auth.RoleService, "token role (service|operator)")
	return cmd
}
