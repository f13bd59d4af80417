package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/keyscan/pkg/balance"
)

var apisJSON bool

var apisCmd = &cobra.Command{
	Use:   "apis",
	Short: "List balance services and selection modes",
	Long: `List the values accepted by --api.

"auto" tries each service in order until one answers, "rotate" spreads
lookups across services round-robin, and a service name uses only that
service.`,
	RunE: runAPIs,
}

func init() {
	rootCmd.AddCommand(apisCmd)
	apisCmd.Flags().BoolVar(&apisJSON, "json", false, "Output as JSON")
}

func runAPIs(cmd *cobra.Command, _ []string) error {
	opts := balance.APIOptions()
	out := cmd.OutOrStdout()

	if apisJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(opts)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VALUE\tNAME\tDESCRIPTION")
	for _, o := range opts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Value, o.Name, o.Description)
	}
	return tw.Flush()
}
