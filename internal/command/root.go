// Package command is the printctl operator CLI
package command

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const AppName = "printctl"

const defaultServerURL = "http://localhost:12212"

// NewRootCmd builds the command tree
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "printctl - submit and inspect print jobs",
		Long:          "printctl encodes receipt documents, submits them to the dispatcher and reads the job ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	server := defaultServerURL
	if env := os.Getenv("PRINTBRIDGE_SERVER_URL"); env != "" {
		server = env
	}

	cmd.PersistentFlags().StringP("server", "s", server, "dispatcher URL")
	cmd.PersistentFlags().String("token", os.Getenv("PRINTBRIDGE_TOKEN"), "bearer token")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewSubmitCmd(),
		NewEncodeCmd(),
		NewConvertCmd(),
		NewJobsCmd(),
		NewJobCmd(),
		NewBridgesCmd(),
	)

	return cmd
}

func clientFrom(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return newAPIClient(server, token)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCommandError(cmd *cobra.Command, err error) error {
	if jsonOutput(cmd) {
		writeJSON(cmd, map[string]string{"error": err.Error()})
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	return err
}
