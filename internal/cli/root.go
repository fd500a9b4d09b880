// Package cli implements the privacydam command line.
package cli

import (
	"context"

	"github.com/privacydam/deploy/internal/logging"
	"github.com/spf13/cobra"
)

const (
	defaultConfig      = "privacydam.yaml"
	defaultCredentials = "credentials.yaml"
	defaultState       = ".privacydam/state.json"
)

var (
	configPath      string
	credentialsPath string
	statePath       string
	logLevel        string
	awsProfile      string
	noColor         bool
)

var rootCmd = &cobra.Command{
	Use:   "privacydam",
	Short: "Deploy the privacyDAM service stack to AWS",
	Long: `privacydam assembles the privacyDAM deployment (network endpoints, security
groups, queue, bucket, management server, archiving function, schedule,
container service and load balancer) from a settings file and converges
it in an existing VPC.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", defaultConfig, "Settings file (.yaml, .json or .pkl)")
	flags.StringVar(&credentialsPath, "credentials", defaultCredentials, "Database credentials: a file, secretsmanager://<id> or ssm://<name>")
	flags.StringVar(&statePath, "state", defaultState, "State location: a local path or s3://bucket/key")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&awsProfile, "profile", "", "AWS shared config profile")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored plan output")

	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(outputsCmd)
	rootCmd.AddCommand(versionCmd)
}
