package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type provisionOutput struct {
	Schema string `json:"schema" yaml:"schema"`
	State  string `json:"state" yaml:"state"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newProvisionCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <schema>",
		Short: "Create a tenant schema, apply all migrations and seed reference data",
		Long: `Provision a tenant schema. Every step is idempotent, so a failed run can be
repeated and continues where the previous one stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withBackend(cmd, func(ctx context.Context, b Backend) error {
				state, perr := b.ProvisionSchema(ctx, args[0])
				out := &provisionOutput{Schema: args[0], State: state.String()}
				if perr != nil {
					out.Error = perr.Error()
				}
				if err := o.render(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %s\n", out.Schema, out.State)
				}); err != nil {
					return err
				}
				if perr != nil {
					return perr
				}
				return nil
			})
		},
	}
}
