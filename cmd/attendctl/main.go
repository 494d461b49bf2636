// Package main provides attendctl, the operator CLI for classattend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/notify"
	"classattend/internal/stats"
	"classattend/internal/store"
)

func main() {
	config.LoadDotEnv()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "attendctl",
		Short:        "Operate on classattend documents",
		SilenceUsage: true,
	}
	root.AddCommand(newStatsCmd(), newResetCmd(), newTokenCmd(), newMigrateCmd())
	return root
}

// openGateway connects to the configured store and notifier. The returned
// func releases both.
func openGateway(ctx context.Context, cfg config.App) (*store.Gateway, func(), error) {
	backend, err := store.OpenBackend(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	notifier, err := notify.New(cfg.NotifyBackend, cfg.RedisAddr)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	rdb, _ := notifier.(*notify.Redis)
	closeFn := func() {
		_ = rdb.Close()
		_ = backend.Close()
	}
	return store.NewGateway(backend, notifier), closeFn, nil
}

func loadConfig() (config.App, error) {
	cfg := config.Load()
	return cfg, cfg.Validate()
}

func newStatsCmd() *cobra.Command {
	var userID string
	var target int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print a user's attendance statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("target") {
				target = cfg.TargetPercent
			}
			if !stats.ValidTarget(target) {
				return fmt.Errorf("target must be between 1 and 99, got %d", target)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			gw, closeFn, err := openGateway(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			doc, err := gw.Get(ctx, userID)
			if errors.Is(err, attendance.ErrNotFound) {
				return fmt.Errorf("user %s has no attendance document", userID)
			}
			if err != nil {
				return err
			}
			return stats.Render(cmd.OutOrStdout(), stats.Compute(doc, target))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().IntVar(&target, "target", stats.DefaultTarget, "Target attendance percentage")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newResetCmd() *cobra.Command {
	var userID string
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a user's timetable, subjects and attendance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes all of the user's data; pass --yes to confirm")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			gw, closeFn, err := openGateway(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			doc, err := gw.Get(ctx, userID)
			if errors.Is(err, attendance.ErrNotFound) {
				return fmt.Errorf("user %s has no attendance document", userID)
			}
			if err != nil {
				return err
			}
			doc.Reset()
			doc.Revision++
			if err := gw.Put(ctx, userID, doc); err != nil {
				return fmt.Errorf("save: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s (revision %d)\n", userID, doc.Revision)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var id auth.Identity
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed identity token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.AccessTTL
			}
			token, exp, err := auth.Issue(id, cfg.JWTIssuer, cfg.JWTSigningKey, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&id.UserID, "user", "", "User id (token subject)")
	f.StringVar(&id.Name, "name", "", "Display name")
	f.StringVar(&id.Email, "email", "", "Email address")
	f.StringVar(&id.PhotoURL, "photo", "", "Photo URL")
	f.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the document table in the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			backend, err := store.OpenBackend(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.SQLitePath)
			if err != nil {
				return err
			}
			defer backend.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s store ready\n", cfg.StoreBackend)
			return nil
		},
	}
}
