package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Print the assembled deployment as JSON",
	Long: `Loads the settings and credentials, looks up the VPC, machine image and
container image, and prints every declared resource and output without
changing anything.`,
	Args: cobra.NoArgs,
	RunE: runSynth,
}

func runSynth(cmd *cobra.Command, args []string) error {
	cfg, _, err := synthesize(cmd.Context())
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deployment: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
