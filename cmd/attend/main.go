// Command attend runs the attendance server and its operator utilities.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"attend/cmd/internal/app"
	"attend/cmd/internal/attendance"
	"attend/cmd/internal/auth"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "attend",
		Short:         "QR attendance sessions with live check-in dashboards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newTokenCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Serve(commandContext(cmd))
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := app.LoadConfig(ctx)
			if err != nil {
				return err
			}
			verb := app.MigrateUp
			if len(args) == 1 {
				verb = app.MigrateCommand(args[0])
			}
			return app.Migrate(ctx, cfg.DatabaseURL, verb, app.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat))
		},
	}
}

func newExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write a session's attendance CSV to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := app.LoadConfig(ctx)
			if err != nil {
				return err
			}
			// Logs go to stderr so stdout stays pure CSV.
			log := app.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			svc, closeFn, err := app.OpenService(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeFn()

			id := args[0]
			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				if output == "auto" {
					sess, err := svc.GetSession(ctx, id)
					if err != nil {
						return err
					}
					output = attendance.ExportFilename(sess, time.Now())
				}
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			bw := bufio.NewWriter(w)
			if err := svc.ExportCheckIns(ctx, id, bw); err != nil {
				return err
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", `Destination file; "auto" names it <slug>-attendance-<date>.csv`)
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Operator credential helpers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newTokenHashKeyCommand())
	cmd.AddCommand(newTokenIssueCommand())
	return cmd
}

func newTokenHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key",
		Short: "Read an operator key from stdin and print its bcrypt hash for ATTEND_OPERATOR_KEY_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			hash, err := auth.HashOperatorKey(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newTokenIssueCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT with ATTEND_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(commandContext(cmd))
			if err != nil {
				return err
			}
			a, err := auth.New(cfg.Auth)
			if err != nil {
				return err
			}
			tok, err := a.Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (operator or attendee id)")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
