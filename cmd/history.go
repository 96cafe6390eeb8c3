package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tanq16/parcel/internal/config"
	"github.com/tanq16/parcel/internal/history"
	"github.com/tanq16/parcel/internal/output"
	"github.com/tanq16/parcel/internal/utils"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			dbPath := filepath.Join(config.Dir(), "history.db")
			if _, err := os.Stat(dbPath); err != nil {
				output.PrintWarning("No transfer history recorded yet")
				return
			}
			store, err := history.Open(dbPath)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			defer store.Close()
			records, err := store.List(limit)
			if err != nil {
				output.PrintError(fmt.Sprintf("Error reading history: %v", err))
				os.Exit(1)
			}
			output.PrintHeader(fmt.Sprintf("Last %d transfers", len(records)))
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("ID", "Started", "Source", "Destination", "Server", "Mode", "State", "Size", "Parts")
			for _, r := range records {
				table.Append([]string{
					r.ID,
					r.StartedAt.Format("2006-01-02 15:04:05"),
					r.Source,
					r.Destination,
					r.Server,
					string(r.Mode),
					stateLabel(r),
					utils.FormatBytes(uint64(r.TotalBytes)),
					strconv.Itoa(r.Parts),
				})
			}
			if err := table.Render(); err != nil {
				output.PrintError(fmt.Sprintf("Error rendering table: %v", err))
				os.Exit(1)
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of records to show (0 for all)")
	return cmd
}

func stateLabel(r *history.Record) string {
	switch r.State {
	case history.StateCompleted:
		return output.FSuccess(string(r.State))
	case history.StateFailed:
		return output.FError(string(r.State))
	default:
		return output.FPending(string(r.State))
	}
}
