package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/371-Minds/credvault/internal/store"
	"github.com/371-Minds/credvault/internal/templates"
	"github.com/371-Minds/credvault/internal/vault"
)

var (
	expiringDays   int
	snapshotsLimit int
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the encryption engine round-trips data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		d, err := buildDeps(cmd.Context(), cfg, logger, false)
		if err != nil {
			return err
		}
		defer d.close()

		healthy := d.vault.HealthCheck(cmd.Context())
		result := map[string]any{"healthy": healthy, "version": version}
		if err := render(cmd.Context(), cmd.OutOrStdout(), currentOutput(), result, func(w io.Writer) error {
			status := "healthy"
			if !healthy {
				status = "UNHEALTHY"
			}
			_, err := fmt.Fprintf(w, "vault %s (credvault %s)\n", status, version)
			return err
		}); err != nil {
			return err
		}
		if !healthy {
			return fmt.Errorf("vault health check failed")
		}
		return nil
	},
}

var expiringCmd = &cobra.Command{
	Use:   "expiring",
	Short: "List credentials expiring within a number of days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if expiringDays < 0 {
			return fmt.Errorf("--days must not be negative")
		}
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		d, err := buildDeps(cmd.Context(), cfg, logger, true)
		if err != nil {
			return err
		}
		defer d.close()

		due := d.vault.CheckExpiring(cmd.Context(), expiringDays)
		return render(cmd.Context(), cmd.OutOrStdout(), currentOutput(), due, func(w io.Writer) error {
			return writeExpiring(w, due, expiringDays)
		})
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Show the effective credential template catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		reg, err := buildTemplates(cfg)
		if err != nil {
			return err
		}
		return render(cmd.Context(), cmd.OutOrStdout(), currentOutput(), reg.All(), func(w io.Writer) error {
			return writeTemplates(w, reg)
		})
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List saved vault snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		if cfg.dsn() == "" {
			return fmt.Errorf("no database configured (set db_path or CREDVAULT_DB_PATH)")
		}
		if err := cfg.ensureDBDir(); err != nil {
			return err
		}
		st, err := store.NewLibSQLStore(cfg.dsn())
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		history, err := st.History(cmd.Context(), snapshotsLimit)
		if err != nil {
			return err
		}
		return render(cmd.Context(), cmd.OutOrStdout(), currentOutput(), history, func(w io.Writer) error {
			return writeSnapshots(w, history)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the credvault version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return render(cmd.Context(), cmd.OutOrStdout(), currentOutput(), map[string]string{"version": version}, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, version)
			return err
		})
	},
}

func init() {
	expiringCmd.Flags().IntVar(&expiringDays, "days", vault.ExpiringSoonDays, "look-ahead window in days")
	snapshotsCmd.Flags().IntVar(&snapshotsLimit, "limit", 20, "maximum snapshots to show (0 for all)")
}

func writeExpiring(w io.Writer, due []vault.Expiring, days int) error {
	if len(due) == 0 {
		_, err := fmt.Fprintf(w, "No credentials expire within %d days.\n", days)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tCREATED BY\tEXPIRES\tDAYS")
	for _, e := range due {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			e.ID, e.Name, e.Type, e.CreatedBy, e.ExpiresAt.Format("2006-01-02"), e.DaysUntilExpiry)
	}
	return tw.Flush()
}

func writeTemplates(w io.Writer, reg *templates.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tREQUIRED FIELDS\tROTATION DAYS\tTAGS")
	for _, name := range reg.Types() {
		t, _ := reg.Lookup(name)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			name, strings.Join(t.RequiredFields, ","), reg.RotationDays(name, 0), strings.Join(t.DefaultTags, ","))
	}
	return tw.Flush()
}

func writeSnapshots(w io.Writer, history []*store.SnapshotInfo) error {
	if len(history) == 0 {
		_, err := fmt.Fprintln(w, "No snapshots saved.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSAVED\tCREDENTIALS\tGRANTS\tAUDIT ENTRIES")
	for _, s := range history {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.SavedAt.Format("2006-01-02 15:04:05"), s.Credentials, s.Grants, s.AuditEntries)
	}
	return tw.Flush()
}
