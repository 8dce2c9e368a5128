package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrator"
)

// fleetSummary is the machine readable output of a fleet run.
type fleetSummary struct {
	Total   int                  `json:"total" yaml:"total"`
	Failed  []string             `json:"failed" yaml:"failed"`
	Results migrator.FleetResult `json:"results" yaml:"results"`
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate [schema]",
		Short: "Apply pending migrations to one schema or to every active tenant schema",
		Long: `Apply pending migrations. Without a schema every active tenant schema is
migrated independently; a failure in one schema does not stop the others.

Examples:
  tenantctl migrate
  tenantctl migrate tenant_acme
  tenantctl migrate --status tenant_acme`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status {
				if len(args) != 1 {
					return fmt.Errorf("--status requires a schema")
				}
				return o.withBackend(cmd, func(ctx context.Context, b Backend) error {
					return migrationStatus(ctx, o, cmd.OutOrStdout(), b, args[0])
				})
			}
			return o.withBackend(cmd, func(ctx context.Context, b Backend) error {
				if len(args) == 1 {
					return migrateOne(ctx, o, cmd.OutOrStdout(), b, args[0])
				}
				return migrateFleet(ctx, o, cmd.OutOrStdout(), b)
			})
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "Report applied and pending migrations without applying them")
	return cmd
}

func migrationStatus(ctx context.Context, o *rootOptions, w io.Writer, b Backend, schema string) error {
	st, err := b.MigrationStatus(ctx, schema)
	if err != nil {
		return err
	}
	return o.render(w, st, func(w io.Writer) {
		fmt.Fprintf(w, "Schema:   %s\n", st.Schema)
		fmt.Fprintf(w, "Applied:  %s\n", joinInts(st.Applied))
		pending := make([]string, 0, len(st.Pending))
		for _, m := range st.Pending {
			pending = append(pending, fmt.Sprintf("%04d %s", m.Version, m.Description))
		}
		if len(pending) == 0 {
			fmt.Fprintln(w, "Pending:  none")
		} else {
			fmt.Fprintf(w, "Pending:  %s\n", strings.Join(pending, ", "))
		}
		fmt.Fprintf(w, "Up to date: %t\n", st.UpToDate)
	})
}

func migrateOne(ctx context.Context, o *rootOptions, w io.Writer, b Backend, schema string) error {
	res, err := b.MigrateOne(ctx, schema)
	if err != nil {
		return err
	}
	if err := o.render(w, res, func(w io.Writer) {
		printResult(w, res)
	}); err != nil {
		return err
	}
	if !res.Succeeded {
		return fmt.Errorf("migration of %s failed", schema)
	}
	return nil
}

func migrateFleet(ctx context.Context, o *rootOptions, w io.Writer, b Backend) error {
	fleet, err := b.MigrateFleet(ctx)
	if err != nil {
		return err
	}
	failed := fleet.Failed()
	if failed == nil {
		failed = []string{}
	}
	summary := &fleetSummary{Total: len(fleet), Failed: failed, Results: fleet}
	if err := o.render(w, summary, func(w io.Writer) {
		for _, schema := range fleet.Schemas() {
			printResult(w, fleet[schema])
		}
		fmt.Fprintf(w, "%d schemas, %d failed\n", len(fleet), len(failed))
	}); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d schemas failed to migrate: %s", len(failed), len(fleet), strings.Join(failed, ", "))
	}
	return nil
}

func printResult(w io.Writer, r *migrator.Result) {
	if r.Succeeded {
		applied := "up to date"
		if len(r.Applied) > 0 {
			applied = "applied " + joinInts(r.Applied)
		}
		fmt.Fprintf(w, "OK      %s: %s (%s)\n", r.Schema, applied, r.Duration.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "FAILED  %s: %s\n", r.Schema, r.Reason)
}

func joinInts(v []int) string {
	if len(v) == 0 {
		return "none"
	}
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = fmt.Sprint(n)
	}
	return strings.Join(s, ", ")
}
