package main

import (
	"errors"
	"fmt"
	"time"

	"security-core/internal/app"
	"security-core/internal/audit"
	"security-core/internal/auth"
	"security-core/internal/config"
	"security-core/internal/rbac"
	"security-core/internal/retention"

	"github.com/spf13/cobra"
)

func newMigrateCmd(e env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := e.migrate(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newCleanupCmd(e env) *cobra.Command {
	var (
		tenants    []string
		maxAgeDays int
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete aged security data for one or more tenants",
		Long: `Deletes resolved events, investigated false positives and stale
rate-limit counters older than --max-age-days, and audit entries older than
max(3 x max-age-days, 90) days. Meant to be run by an external scheduler.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, func(cfg config.Config, a *app.App) error {
				days := maxAgeDays
				if days == 0 {
					days = cfg.Retention.MaxAgeDays
				}
				var (
					results []retention.Result
					errs    []error
				)
				for _, tenant := range tenants {
					res, err := a.Retention.Run(cmd.Context(), tenant, retention.Policy{MaxAgeDays: days})
					if err != nil {
						errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
					}
					if res.Tenant != "" {
						results = append(results, res)
					}
				}
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "tenant schema to clean (repeatable)")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "retention window in days (default from RETENTION_MAX_AGE_DAYS)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

var errTampered = errors.New("audit entries failed verification")

func newVerifyAuditCmd(e env) *cobra.Command {
	var (
		tenants  []string
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "Recompute audit checksums and report tampered entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := auditWindow(from, to)
			if err != nil {
				return err
			}
			return e.withApp(cmd, func(_ config.Config, a *app.App) error {
				reports := make([]audit.VerifyReport, 0, len(tenants))
				tampered := 0
				for _, tenant := range tenants {
					rep, err := a.Audit.VerifyAll(cmd.Context(), tenant, f)
					if err != nil {
						return fmt.Errorf("tenant %s: %w", tenant, err)
					}
					tampered += len(rep.Tampered)
					reports = append(reports, rep)
				}
				if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
				if tampered > 0 {
					return fmt.Errorf("%w: %d", errTampered, tampered)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "tenant schema to verify (repeatable)")
	cmd.Flags().StringVar(&from, "from", "", "only entries created at or after this RFC3339 time")
	cmd.Flags().StringVar(&to, "to", "", "only entries created before this RFC3339 time")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func auditWindow(from, to string) (audit.Filter, error) {
	var f audit.Filter
	var err error
	if from != "" {
		if f.From, err = time.Parse(time.RFC3339, from); err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if f.To, err = time.Parse(time.RFC3339, to); err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
	}
	return f, nil
}

// newTokenCmd issues an access token for a service account, typically the
// auth service that reports login signals.
func newTokenCmd(e env) *cobra.Command {
	var id auth.Identity
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			if id.Username == "" {
				id.Username = id.UserID
			}
			pair, err := m.IssuePair(time.Now(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pair)
		},
	}
	cmd.Flags().StringVar(&id.TenantSchema, "tenant", "", "tenant schema")
	cmd.Flags().StringVar(&id.UserID, "user-id", "auth-service", "subject user id")
	cmd.Flags().StringVar(&id.Username, "username", "", "subject username (defaults to user id)")
	cmd.Flags().StringVar(&id.Role, "role", rbac.RoleAuthService, "role claim")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
