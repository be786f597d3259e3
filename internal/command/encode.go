package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thereceipt/print-bridge/internal/printer"
)

// NewEncodeCmd creates the encode command
func NewEncodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode <document.json | --compose <lines...>>",
		Short: "Encode a document into a printer command buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument(cmd, args)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			data, err := encodeDocument(cmd, doc)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			output, _ := cmd.Flags().GetString("output")
			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", len(data), output)
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	cmd.Flags().Bool("compose", false, "treat arguments as composed lines")
	addEncodeFlags(cmd)

	return cmd
}

// NewConvertCmd creates the convert command
func NewConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <input.bin>",
		Short: "Rewrite a command buffer from one dialect to the other",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromRaw, _ := cmd.Flags().GetString("from")
			toRaw, _ := cmd.Flags().GetString("to")

			from, err := printer.ParseDialect(fromRaw)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			to := printer.Alternate(from)
			if toRaw != "" {
				if to, err = printer.ParseDialect(toRaw); err != nil {
					return writeCommandError(cmd, err)
				}
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			converted, err := printer.ConvertDialect(data, from, to)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			output, _ := cmd.Flags().GetString("output")
			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(converted)
				return err
			}
			if err := os.WriteFile(output, converted, 0644); err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Converted %s to %s: %s\n", from, to, output)
			return nil
		},
	}

	cmd.Flags().String("from", string(printer.DialectESCPOS), "source dialect")
	cmd.Flags().String("to", "", "target dialect (default: the other dialect)")
	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")

	return cmd
}
