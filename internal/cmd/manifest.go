package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	schemasassets "github.com/3leaps/keyscan/internal/assets/schemas"
	"github.com/3leaps/keyscan/internal/observability"
	"github.com/3leaps/keyscan/pkg/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Work with job manifests",
}

var manifestSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the job manifest JSON schema",
	Long: `Print the job manifest JSON schema.

Save it and point a manifest's $schema at the file for editor completion:

  keyscan manifest schema > job-manifest.schema.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := cmd.OutOrStdout().Write(schemasassets.JobManifestSchema)
		return err
	},
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a job manifest without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifestValidate,
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestSchemaCmd)
	manifestCmd.AddCommand(manifestValidateCmd)
}

func runManifestValidate(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return exitError(ExitUsage, "Invalid manifest", err)
	}

	cfg := m.JobConfig()
	observability.CLILogger.Debug("Manifest valid",
		zap.String("path", args[0]),
		zap.String("input", cfg.Input),
		zap.String("api", cfg.API))

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%s: valid\n", args[0])
	_, _ = fmt.Fprintf(out, "  input: %s\n", cfg.Input)
	_, _ = fmt.Fprintf(out, "  api:   %s\n", cfg.API)
	_, _ = fmt.Fprintf(out, "  delay: %s\n", cfg.Delay)
	if cfg.OutputPath != "" {
		_, _ = fmt.Fprintf(out, "  output: %s\n", cfg.OutputPath)
	}
	return nil
}
