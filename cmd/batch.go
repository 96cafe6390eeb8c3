package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/parcel/internal/config"
	"github.com/tanq16/parcel/internal/output"
	"github.com/tanq16/parcel/internal/scheduler"
	"github.com/tanq16/parcel/internal/utils"
)

func newBatchCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Run several transfers listed in a YAML file",
		Long: `Run several transfers listed in a YAML file. Each entry names a source,
a destination and optionally a server; entries without a server use --server
or --default.

Example file:
  - source: ./dataset
    destination: /srv/data
    server: lab
  - source: ./site
    destination: /var/www`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			entries, err := config.ReadBatch(args[0])
			if err != nil {
				output.PrintError(fmt.Sprintf("Error reading batch file: %v", err))
				os.Exit(1)
			}
			jobs, err := buildJobsFromBatch(cfg, entries)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			if err := runJobs(cfg, jobs, workers); err != nil {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "Number of transfers to run in parallel")
	return cmd
}

func buildJobsFromBatch(cfg *config.Config, entries []utils.BatchEntry) ([]scheduler.Job, error) {
	jobs := make([]scheduler.Job, 0, len(entries))
	for i, entry := range entries {
		name := entry.Server
		if name == "" {
			name = serverName
		}
		server, err := cfg.Resolve(name, useDefault && entry.Server == "")
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i+1, entry.Source, err)
		}
		jobs = append(jobs, scheduler.Job{Server: server, Spec: buildJob(cfg, entry.Source, entry.Destination)})
	}
	return jobs, nil
}
