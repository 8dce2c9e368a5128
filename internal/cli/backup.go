package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tansive/tenantsrv/internal/tenantsrv/archiver"
	"github.com/tansive/tenantsrv/pkg/types"
)

func newBackupCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <tenant-id>",
		Short: "Export a tenant schema to the backup directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withBackend(cmd, func(ctx context.Context, b Backend) error {
				path, err := b.Backup(ctx, types.TenantId(args[0]))
				if err != nil {
					return err
				}
				return o.render(cmd.OutOrStdout(), map[string]string{"artifact": path}, func(w io.Writer) {
					fmt.Fprintf(w, "backup written to %s\n", path)
				})
			})
		},
	}
}

func newBackupsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List and prune backup artifacts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backup manifests, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withBackend(cmd, func(ctx context.Context, b Backend) error {
				manifests, err := b.ListBackups()
				if err != nil {
					return err
				}
				return o.render(cmd.OutOrStdout(), manifests, func(w io.Writer) {
					printManifests(w, manifests)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete backups older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withBackend(cmd, func(ctx context.Context, b Backend) error {
				report, err := b.SweepBackups(ctx)
				if report != nil {
					if rerr := o.render(cmd.OutOrStdout(), report, func(w io.Writer) {
						for _, p := range report.Deleted {
							fmt.Fprintf(w, "deleted %s\n", p)
						}
						fmt.Fprintf(w, "scanned %d, kept %d, deleted %d (cutoff %s)\n",
							report.Scanned, report.Kept, len(report.Deleted), humanize.Time(report.Cutoff))
					}); rerr != nil {
						return rerr
					}
				}
				return err
			})
		},
	})
	return cmd
}

func printManifests(w io.Writer, manifests []archiver.Manifest) {
	if len(manifests) == 0 {
		fmt.Fprintln(w, "no backups")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tSCHEMA\tCOMPANY\tSIZE\tCREATED\tRETAIN UNTIL\tARTIFACT")
	for _, m := range manifests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.TenantID, m.SchemaName, m.CompanyName,
			humanize.Bytes(uint64(m.ArtifactSize)),
			humanize.Time(m.CreatedAt),
			m.RetainUntil.Format("2006-01-02"),
			m.ArtifactPath)
	}
	tw.Flush()
}
