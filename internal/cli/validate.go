package cli

import (
	"fmt"

	"github.com/privacydam/deploy/internal/topology"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the settings and credentials",
	Long: `Checks that the settings file matches its schema, that the credentials
source is readable and complete, and that the user-data files exist.
Nothing in the account is looked up.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Checking %s... ", configPath)
	p, err := newProvider(ctx)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintln(out, "OK")

	fmt.Fprintf(out, "Checking %s... ", credentialsPath)
	in, err := topology.Load(ctx, sources(p))
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintln(out, "OK")

	fmt.Fprintf(out, "\nConfiguration is valid for %s in %s.\n", in.Settings.VPC.ID, in.Settings.Region)
	return nil
}
