package command

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
)

// NewJobsCmd creates the jobs command
func NewJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List print jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				if _, ok := ledger.ParseStatus(status); !ok {
					return writeCommandError(cmd, fmt.Errorf("unknown status %q", status))
				}
				query.Set("status", status)
			}
			if device, _ := cmd.Flags().GetString("device"); device != "" {
				query.Set("device", device)
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}

			var res struct {
				Jobs []*ledger.Job `json:"jobs"`
			}
			if err := clientFrom(cmd).get("/jobs", query, &res); err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, res.Jobs)
			}
			if len(res.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tDEVICE\tTYPE\tATTEMPTS\tCREATED")
			for _, j := range res.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					j.ID, j.Status, j.TargetDeviceID, j.DocumentType,
					j.Attempts, j.MaxAttempts, j.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	cmd.Flags().String("device", "", "filter by target device")
	cmd.Flags().Int("limit", 0, "maximum number of jobs")

	return cmd
}

// NewJobCmd creates the job command
func NewJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show one print job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job ledger.Job
			if err := clientFrom(cmd).get("/job/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, job)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", job.ID)
			fmt.Fprintf(out, "Status:    %s\n", job.Status)
			fmt.Fprintf(out, "Device:    %s\n", job.TargetDeviceID)
			fmt.Fprintf(out, "Type:      %s\n", job.DocumentType)
			fmt.Fprintf(out, "Attempts:  %d/%d\n", job.Attempts, job.MaxAttempts)
			fmt.Fprintf(out, "Payload:   %d bytes\n", len(job.Payload))
			fmt.Fprintf(out, "Created:   %s\n", job.CreatedAt.Local().Format(time.DateTime))
			if job.FinishedAt != nil {
				fmt.Fprintf(out, "Finished:  %s\n", job.FinishedAt.Local().Format(time.DateTime))
			}
			if job.ProcessingDurationMs != nil {
				fmt.Fprintf(out, "Duration:  %dms\n", *job.ProcessingDurationMs)
			}
			if job.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:     %s\n", job.ErrorMessage)
			}
			return nil
		},
	}
}

// NewBridgesCmd creates the bridges command
func NewBridgesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridges",
		Short: "List online bridges, most recent heartbeat first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Bridges []presence.Record `json:"bridges"`
			}
			if err := clientFrom(cmd).get("/bridges", nil, &res); err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, res.Bridges)
			}
			if len(res.Bridges) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No bridges online")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tVERSION\tLAST HEARTBEAT")
			for _, b := range res.Bridges {
				fmt.Fprintf(w, "%s\t%s\t%s\n", b.DeviceID, b.Version, b.LastHeartbeat.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}
