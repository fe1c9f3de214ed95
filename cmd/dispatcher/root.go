package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"calldispatch/internal/app"
	"calldispatch/internal/auth"
	"calldispatch/internal/config"
	"calldispatch/internal/rbac"
	"calldispatch/pkg/logger"

	"github.com/spf13/cobra"
)

// commandContext loads configuration once and builds the app on demand.
type commandContext struct {
	cfg *config.Config
	log *slog.Logger
	app *app.App
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	if c.cfg != nil {
		return *c.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	c.cfg = &cfg
	if c.log == nil {
		// stdout carries command output.
		c.log = logger.NewWithWriter(os.Stderr, cfg.App.Env)
	}
	return cfg, nil
}

func (c *commandContext) ensureApp(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, c.log)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *commandContext) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Outbound call dispatch worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newOnceCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))
	rootCmd.AddCommand(newProvidersCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	return rootCmd
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run dispatch, reconciliation and health probes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context())
			if err != nil {
				return err
			}
			if !a.Config.UsesPostgres() {
				a.Log.Warn("memory backend: this worker does not share a queue with the API")
			}
			a.StartBackground(cmd.Context())
			<-cmd.Context().Done()
			a.Log.Info("shutdown initiated")
			a.StopBackground()
			return nil
		},
	}
}

func newOnceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single dispatch cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context())
			if err != nil {
				return err
			}
			rep, err := a.Scheduler.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, rep)
		},
	}
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild provider slot counts from open assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context())
			if err != nil {
				return err
			}
			rep, err := a.Scheduler.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, rep)
		},
	}
}

func newProvidersCommand(ctx *commandContext) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show provider availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.ensureApp(cmd.Context())
			if err != nil {
				return err
			}
			if probe {
				if _, err := a.Health.CheckOnce(cmd.Context()); err != nil {
					return err
				}
			}
			avail, err := a.Registry.Availability(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, avail)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Probe every provider before reporting")
	return cmd
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var userID, role string
	var now string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access and refresh token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			if !rbac.IsKnownRole(role) {
				return fmt.Errorf("--role must be user, operator or super_admin, got %q", role)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			issuedAt := time.Now()
			if now != "" {
				if issuedAt, err = time.Parse(time.RFC3339, now); err != nil {
					return fmt.Errorf("--issued-at must be RFC 3339: %w", err)
				}
			}
			pair, err := m.IssuePair(issuedAt, userID, role)
			if err != nil {
				return err
			}
			return writeJSON(cmd, pair)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to embed in the token")
	cmd.Flags().StringVar(&role, "role", rbac.RoleUser, "Role to embed in the token")
	cmd.Flags().StringVar(&now, "issued-at", "", "Issue time (RFC 3339); defaults to now")
	return cmd
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
