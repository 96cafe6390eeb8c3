package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanq16/parcel/internal/config"
	"github.com/tanq16/parcel/internal/engine"
	"github.com/tanq16/parcel/internal/gateway"
	"github.com/tanq16/parcel/internal/history"
	"github.com/tanq16/parcel/internal/output"
	"github.com/tanq16/parcel/internal/scheduler"
	"github.com/tanq16/parcel/internal/utils"
)

var (
	configPath  string
	debug       bool
	verbose     bool
	transport   string
	serverName  string
	useDefault  bool
	chunkSize   string
	concurrency int
	tempDir     string
	archiveName string
	gitignore   bool
	stashURL    string
	awsProfile  string
)

var ParcelVersion = "dev"

var rootCmd = &cobra.Command{
	Use:   "parcel SOURCE DESTINATION",
	Short: "Parcel ships large directories to remote hosts in parallel chunks",
	Long: `Parcel copies a local file or directory to a remote host over SSH.
Sources larger than two chunks are compressed, split and sent in parallel
batches, then merged and extracted remotely. Smaller sources are copied directly.

Examples:
  parcel ./dataset /srv/data --server lab
  parcel ./site /var/www --default --chunk-size 64M --concurrency 8
  parcel ./logs /backup --server lab --stash s3://bucket/parcel`,
	Version: ParcelVersion,
	Args:    cobra.ExactArgs(2),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		server, err := cfg.Resolve(serverName, useDefault)
		if err != nil {
			output.PrintError(fmt.Sprintf("Error selecting server: %v", err))
			os.Exit(1)
		}
		jobs := []scheduler.Job{{Server: server, Spec: buildJob(cfg, args[0], args[1])}}
		if err := runJobs(cfg, jobs, 1); err != nil {
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the parcel config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print stack traces for failures")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "Remote transport: ssh (system binaries) or native (in-process)")
	rootCmd.PersistentFlags().StringVarP(&serverName, "server", "s", "", "Named server from config or ~/.ssh/config")
	rootCmd.PersistentFlags().BoolVarP(&useDefault, "default", "d", false, "Use the configured default server")

	rootCmd.PersistentFlags().StringVarP(&chunkSize, "chunk-size", "c", "", "Part size, e.g. 16M, 512K, 1G")
	rootCmd.PersistentFlags().IntVarP(&concurrency, "concurrency", "n", 0, "Parts transferred simultaneously")
	rootCmd.PersistentFlags().StringVar(&tempDir, "temp-dir", "", "Scratch directory, relative to the working dir locally and to DESTINATION remotely")
	rootCmd.PersistentFlags().StringVar(&archiveName, "archive-name", "", "File name of the intermediate archive")
	rootCmd.PersistentFlags().BoolVar(&gitignore, "gitignore", false, "Also skip files matched by the source's .gitignore")
	rootCmd.PersistentFlags().StringVar(&stashURL, "stash", "", "Also upload the archive to s3://bucket/prefix")
	rootCmd.PersistentFlags().StringVar(&awsProfile, "aws-profile", "", "AWS profile used with --stash")
	rootCmd.MarkFlagsMutuallyExclusive("server", "default")

	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newServersCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newCleanCmd())
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		output.PrintError(fmt.Sprintf("Error loading config: %v", err))
		os.Exit(1)
	}
	return cfg
}

// buildJob merges command-line flags over config values.
func buildJob(cfg *config.Config, source, destination string) utils.TransferJob {
	job := utils.TransferJob{
		ID:              engine.NewJobID(),
		SourcePath:      source,
		DestinationPath: destination,
		ChunkSize:       cfg.ChunkSize,
		Concurrency:     cfg.Concurrency,
		TempDirName:     cfg.TempDir,
		ArchiveName:     cfg.ArchiveName,
		Gitignore:       gitignore,
		StashURL:        stashURL,
		AWSProfile:      awsProfile,
		Verbose:         verbose,
	}
	if chunkSize != "" {
		job.ChunkSize = chunkSize
	}
	if concurrency > 0 {
		job.Concurrency = concurrency
	}
	if tempDir != "" {
		job.TempDirName = tempDir
	}
	if archiveName != "" {
		job.ArchiveName = archiveName
	}
	return job
}

func newGateway(cfg *config.Config) gateway.Gateway {
	name := cfg.Transport
	if transport != "" {
		name = transport
	}
	gw, err := gateway.New(name)
	if err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
	return gw
}

// openHistory returns a nil store when history is disabled or unavailable.
func openHistory(cfg *config.Config) *history.Store {
	if !cfg.HistoryEnabled() {
		return nil
	}
	log := utils.GetLogger("cmd")
	if err := os.MkdirAll(config.Dir(), 0755); err != nil {
		log.Warn().Err(err).Msg("History disabled")
		return nil
	}
	store, err := history.Open(filepath.Join(config.Dir(), "history.db"))
	if err != nil {
		log.Warn().Err(err).Msg("History disabled")
		return nil
	}
	return store
}

// runJobs reports failures itself; callers only pick the exit code.
func runJobs(cfg *config.Config, jobs []scheduler.Job, workers int) error {
	gw := newGateway(cfg)
	defer gateway.Close(gw)
	eng := engine.New(gw)
	if store := openHistory(cfg); store != nil {
		defer store.Close()
		eng.Recorder = store
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := scheduler.Run(ctx, jobs, workers, eng, output.NewManager())
	if err != nil {
		reportFailure(err)
	}
	return err
}

// reportFailure prints the kind of each failed job and, in verbose mode, its stack.
func reportFailure(err error) {
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		output.PrintError(fmt.Sprintf("%s %s", output.StyleSymbols["fail"], engine.KindOf(e)))
		if !verbose {
			continue
		}
		var engineErr *engine.Error
		if errors.As(e, &engineErr) {
			output.PrintDebug(engineErr.Stack())
		}
	}
}
