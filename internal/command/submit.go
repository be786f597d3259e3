package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thereceipt/print-bridge/internal/dispatch"
	"github.com/thereceipt/print-bridge/internal/printer"
	"github.com/thereceipt/print-bridge/pkg/receiptformat"
)

// NewSubmitCmd creates the submit command
func NewSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [document.json | --raw file.bin | --compose <lines...>]",
		Short: "Submit a print job to the dispatcher",
		Long: `Encode a receipt document and submit it as a print job.

The payload comes from one of:
- a document file (JSON lines, see 'printctl encode')
- --raw: an already encoded command buffer
- --compose: lines given on the command line, for example
    printctl submit --compose text:"ACME" align:center bold:true text:"Total 10,00" qr:https://acme.test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := loadPayload(cmd, args)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			docType, _ := cmd.Flags().GetString("type")
			userID, _ := cmd.Flags().GetString("user")
			recordID, _ := cmd.Flags().GetString("record")
			metadata, _ := cmd.Flags().GetString("metadata")

			body := map[string]any{
				"payload":      base64.StdEncoding.EncodeToString(payload),
				"documentType": docType,
			}
			if userID != "" {
				body["userId"] = userID
			}
			if recordID != "" {
				body["recordId"] = recordID
			}
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return writeCommandError(cmd, fmt.Errorf("--metadata must be valid JSON"))
				}
				body["metadata"] = json.RawMessage(metadata)
			}

			var res dispatch.Result
			if err := clientFrom(cmd).post("/print-jobs", body, &res); err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job ID: %s\n", res.JobID)
			fmt.Fprintf(out, "Device: %s\n", res.DeviceID)
			if res.Queued {
				fmt.Fprintln(out, "Queued: yes")
			}
			if res.Message != "" {
				fmt.Fprintln(out, res.Message)
			}
			return nil
		},
	}

	cmd.Flags().String("raw", "", "submit an encoded command buffer file as is")
	cmd.Flags().Bool("compose", false, "treat arguments as composed lines")
	cmd.Flags().String("type", dispatch.DocReceipt, "document type (service_order, checklist, receipt, warranty, custom)")
	cmd.Flags().String("user", "", "submitter id (UUID)")
	cmd.Flags().String("record", "", "related record id (UUID)")
	cmd.Flags().String("metadata", "", "metadata JSON object")
	addEncodeFlags(cmd)

	return cmd
}

func addEncodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("dialect", "", "override the document dialect (escpos, escbema)")
	cmd.Flags().String("code-page", "", "override the document code page")
}

// loadPayload produces the command buffer from the raw, compose or document
// inputs of a command
func loadPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	raw, _ := cmd.Flags().GetString("raw")
	if raw != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--raw takes no arguments")
		}
		data, err := os.ReadFile(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", raw, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s is empty", raw)
		}
		return data, nil
	}

	doc, err := loadDocument(cmd, args)
	if err != nil {
		return nil, err
	}
	return encodeDocument(cmd, doc)
}

func loadDocument(cmd *cobra.Command, args []string) (*receiptformat.Document, error) {
	compose, _ := cmd.Flags().GetBool("compose")
	if compose {
		return composeDocument(args)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("expected one document file")
	}
	return receiptformat.ParseFile(args[0])
}

func encodeDocument(cmd *cobra.Command, doc *receiptformat.Document) ([]byte, error) {
	if cp, _ := cmd.Flags().GetString("code-page"); cp != "" {
		doc.CodePage = cp
	}

	var dialect printer.Dialect
	if raw, _ := cmd.Flags().GetString("dialect"); raw != "" {
		d, err := printer.ParseDialect(raw)
		if err != nil {
			return nil, err
		}
		dialect = d
	}
	return doc.Encode(dialect)
}
