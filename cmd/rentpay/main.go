package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/api"
	"github.com/sambitmohanty1/rentpay/internal/config"
	"github.com/sambitmohanty1/rentpay/internal/services"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "rentpay",
		Short:   "Rent payment lifecycle and reconciliation engine",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recurringCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			// migrations run when the graph builds the database, so it has to
			// be requested here
			var (
				db     *gorm.DB
				logger *zap.Logger
			)
			return runWith(cmd.Context(), func() error {
				logger.Info("Database migrations applied", zap.String("dialect", db.Dialector.Name()))
				return nil
			}, &db, &logger)
		},
	}
}

func recurringCmd() *cobra.Command {
	var (
		month   string
		overdue bool
	)
	cmd := &cobra.Command{
		Use:   "recurring",
		Short: "Generate the month's rent payments",
		Long: `Generate one pending bank-transfer payment per active lease for the month.
Re-running for the same month creates nothing new.

With --notify-overdue, tenants whose recurring payments are still pending
after the configured grace period are notified instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				svc    *services.RecurringService
				cfg    *config.Config
				logger *zap.Logger
			)
			return runWith(cmd.Context(), func() error {
				ctx := cmd.Context()
				if overdue {
					n, err := svc.NotifyOverdue(ctx, time.Now().UTC(), cfg.Billing.OverdueGrace)
					if err != nil {
						return err
					}
					logger.Info("Overdue notifications sent", zap.Int("count", n))
					return nil
				}

				billingMonth := time.Now().UTC()
				if month != "" {
					parsed, err := time.Parse("2006-01", month)
					if err != nil {
						return fmt.Errorf("--month must be YYYY-MM: %w", err)
					}
					billingMonth = parsed
				}
				result, err := svc.GenerateForMonth(ctx, billingMonth)
				if result != nil {
					if perr := printJSON(map[string]interface{}{"month": result.Month.Format("2006-01"), "created": result.Created, "skipped": result.Skipped}); perr != nil {
						return perr
					}
				}
				return err
			}, &svc, &cfg, &logger)
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "billing month as YYYY-MM (default current month)")
	cmd.Flags().BoolVar(&overdue, "notify-overdue", false, "notify tenants with overdue recurring payments")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "reconcile-statement",
		Short: "Match a bank statement CSV against pending payments",
		Long: `Reads a CSV with the columns reference,amount,date (YYYY-MM-DD) and
completes the pending payment carrying each reference.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			var svc *services.ReconciliationService
			return runWith(cmd.Context(), func() error {
				result, err := svc.ImportStatement(cmd.Context(), f)
				if result != nil {
					if perr := printJSON(result); perr != nil {
						return perr
					}
				}
				return err
			}, &svc)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "statement CSV")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func reportCmd() *cobra.Command {
	var from, to, out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export payment totals as an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			var period services.Period
			var err error
			if from != "" {
				if period.From, err = time.Parse("2006-01-02", from); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if to != "" {
				if period.To, err = time.Parse("2006-01-02", to); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}

			var svc *services.ReportService
			return runWith(cmd.Context(), func() error {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := svc.ExportXLSX(cmd.Context(), access.System, period, f); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			}, &svc)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVarP(&out, "out", "o", "payments.xlsx", "output file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		role        string
		tenantID    string
		propertyIDs []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Issue a caller token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret must be set")
			}
			tok, err := api.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, args[0], access.Role(role), tenantID, propertyIDs, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(access.RoleTenant), "admin, owner or tenant")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id for tenant callers")
	cmd.Flags().StringSliceVar(&propertyIDs, "property", nil, "owned property ids for owner callers")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
