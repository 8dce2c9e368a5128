package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tansive/tenantsrv/pkg/types"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var title = cases.Title(language.English)

func newTenantsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect the tenant directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all tenants, including deleted ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withBackend(cmd, func(ctx context.Context, b Backend) error {
				tenants, err := b.ListTenants(ctx)
				if err != nil {
					return err
				}
				return o.render(cmd.OutOrStdout(), tenants, func(w io.Writer) {
					printTenants(w, tenants)
				})
			})
		},
	})
	return cmd
}

func printTenants(w io.Writer, tenants []*types.Tenant) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBDOMAIN\tSCHEMA\tCOMPANY\tSTATUS\tCREATED")
	for _, t := range tenants {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Subdomain, t.SchemaName, t.CompanyName, title.String(string(t.Status)), humanize.Time(t.CreatedAt))
	}
	tw.Flush()
}
