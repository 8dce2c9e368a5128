package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tansive/tenantsrv/internal/tenantsrv/config"
	"gopkg.in/yaml.v3"
)

const Version = "v0.1.0"

type rootOptions struct {
	configFile string
	jsonOutput bool
	yamlOutput bool

	open Opener
}

// NewRootCmd builds the tenantctl command tree. open is called by commands
// that need the database.
func NewRootCmd(open Opener) *cobra.Command {
	o := &rootOptions{open: open}
	cmd := &cobra.Command{
		Use:   "tenantctl",
		Short: "tenantctl manages tenant schemas of the tenant service",
		Long: `tenantctl is the operator tool of the tenant service. It migrates tenant
schemas, provisions new ones, and takes and prunes pre-deletion backups.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if o.jsonOutput && o.yamlOutput {
				return errors.New("--json and --yaml are mutually exclusive")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&o.configFile, "config", config.DefaultConfigFile, "Path to the service config file")
	cmd.PersistentFlags().BoolVarP(&o.jsonOutput, "json", "j", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&o.yamlOutput, "yaml", "y", false, "Output in YAML format")

	cmd.AddCommand(
		newVersionCmd(o),
		newTenantsCmd(o),
		newMigrateCmd(o),
		newProvisionCmd(o),
		newBackupCmd(o),
		newBackupsCmd(o),
	)
	return cmd
}

// Execute runs tenantctl and exits with status 1 on any failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd := NewRootCmd(OpenApp)
	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (o *rootOptions) withBackend(cmd *cobra.Command, fn func(ctx context.Context, b Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := o.open(ctx, o.configFile)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

// render writes v as JSON or YAML when requested, otherwise calls text.
func (o *rootOptions) render(w io.Writer, v any, text func(w io.Writer)) error {
	switch {
	case o.jsonOutput:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON output: %v", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case o.yamlOutput:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to format YAML output: %v", err)
		}
		return enc.Close()
	}
	text(w)
	return nil
}

func newVersionCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tenantctl",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.render(cmd.OutOrStdout(), map[string]string{"version": Version}, func(w io.Writer) {
				fmt.Fprintln(w, "tenantctl "+Version)
			})
		},
	}
}
