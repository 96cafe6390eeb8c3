// Package engine sequences the chunked remote transfer pipeline: classify,
// compress, split, copy parts, reassemble on the remote side and clean up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/parcel/internal/archive"
	"github.com/tanq16/parcel/internal/gateway"
	"github.com/tanq16/parcel/internal/history"
	"github.com/tanq16/parcel/internal/split"
	"github.com/tanq16/parcel/internal/stash"
	"github.com/tanq16/parcel/internal/transfer"
	"github.com/tanq16/parcel/internal/utils"
)

// Observer receives stage and progress notifications for one run.
type Observer interface {
	StageStarted(stage Stage, detail string)
	StageCompleted(stage Stage, detail string)
	ArchiveProgress(done, total int)
	TransferProgress(s transfer.Snapshot)
}

type NopObserver struct{}

func (NopObserver) StageStarted(Stage, string)         {}
func (NopObserver) StageCompleted(Stage, string)       {}
func (NopObserver) ArchiveProgress(int, int)           {}
func (NopObserver) TransferProgress(transfer.Snapshot) {}

// Recorder persists job history. *history.Store satisfies it.
type Recorder interface {
	Save(r *history.Record) error
}

type nopRecorder struct{}

func (nopRecorder) Save(*history.Record) error { return nil }

// Stasher keeps a copy of the compressed archive off-host.
type Stasher interface {
	Put(ctx context.Context, jobID, archivePath string) (string, error)
}

type Engine struct {
	gw       gateway.Gateway
	Archiver *archive.Archiver
	Splitter *split.Splitter
	Recorder Recorder
	// NewStash builds the stash target for a job with a stash URL.
	NewStash func(ctx context.Context, url, profile string) (Stasher, error)
	log      zerolog.Logger
}

func New(gw gateway.Gateway) *Engine {
	return &Engine{
		gw:       gw,
		Archiver: archive.NewArchiver(false),
		Splitter: split.NewSplitter(),
		Recorder: nopRecorder{},
		NewStash: func(ctx context.Context, url, profile string) (Stasher, error) {
			return stash.New(ctx, url, profile)
		},
		log: utils.GetLogger("engine"),
	}
}

type runConfig struct {
	observer Observer
}

type RunOption func(*runConfig)

func WithObserver(o Observer) RunOption {
	return func(c *runConfig) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewJobID returns a random job identifier. It keys the history store; scratch
// directories use its short form, see utils.TransferJob.ScratchID.
func NewJobID() string {
	return uuid.NewString()
}

// applyDefaults fills empty job fields the same way the config layer does.
func applyDefaults(job *utils.TransferJob) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.ChunkSize == "" {
		job.ChunkSize = utils.DefaultChunkSize
	}
	if job.Concurrency <= 0 {
		job.Concurrency = utils.DefaultConcurrency
	}
	if job.TempDirName == "" {
		job.TempDirName = utils.DefaultTempDir
	}
	if job.ArchiveName == "" {
		job.ArchiveName = utils.DefaultArchiveName
	}
}

func validate(server utils.ServerDescriptor, job utils.TransferJob, jc jobContext) (int64, error) {
	if strings.TrimSpace(job.SourcePath) == "" {
		return 0, jc.fail(KindInvalidArgument, StageValidate, errors.New("source path is empty"))
	}
	if strings.TrimSpace(job.DestinationPath) == "" {
		return 0, jc.fail(KindInvalidArgument, StageValidate, errors.New("destination path is empty"))
	}
	if err := server.Validate(); err != nil {
		return 0, jc.fail(KindInvalidArgument, StageValidate, err)
	}
	chunk, err := utils.ParseSize(job.ChunkSize)
	if err != nil {
		return 0, jc.fail(KindInvalidSizeFormat, StageValidate, err)
	}
	if strings.ContainsAny(job.ArchiveName, `/\`) {
		return 0, jc.fail(KindInvalidArgument, StageValidate, fmt.Errorf("archive name %q must be a plain file name", job.ArchiveName))
	}
	if err := utils.ValidateTempDir(job.TempDirName); err != nil {
		return 0, jc.fail(KindInvalidArgument, StageValidate, err)
	}
	if _, err := os.Stat(job.SourcePath); err != nil {
		return 0, jc.fail(KindInvalidArgument, StageValidate, fmt.Errorf("source not accessible: %w", err))
	}
	// Extraction replaces destination/<base>; the remote scratch dir must not live there.
	base := filepath.Base(filepath.Clean(job.SourcePath))
	if base == "/" || base == "." || base == ".." {
		return 0, jc.fail(KindInvalidArgument, StageValidate, fmt.Errorf("source %q has no usable name", job.SourcePath))
	}
	first := strings.Split(strings.Trim(filepath.ToSlash(filepath.Clean(job.TempDirName)), "/"), "/")[0]
	if base == first {
		return 0, jc.fail(KindInvalidArgument, StageValidate, fmt.Errorf("source name %q collides with temp dir %q", base, job.TempDirName))
	}
	return chunk, nil
}

// TransferToServer moves job.SourcePath to job.DestinationPath on server. Small
// sources go as one direct copy; large ones go through the chunked pipeline with
// guaranteed cleanup of both scratch directories.
func (e *Engine) TransferToServer(ctx context.Context, server utils.ServerDescriptor, job utils.TransferJob, opts ...RunOption) error {
	cfg := runConfig{observer: NopObserver{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	obs := cfg.observer
	applyDefaults(&job)
	if abs, err := filepath.Abs(job.SourcePath); err == nil && job.SourcePath != "" {
		job.SourcePath = abs
	}
	jc := jobContext{source: job.SourcePath, destination: job.DestinationPath, server: server.Identity()}
	log := e.log.With().Str("job", job.ID).Str("server", jc.server).Logger()

	obs.StageStarted(StageValidate, "")
	chunk, err := validate(server, job, jc)
	if err != nil {
		return err
	}
	obs.StageCompleted(StageValidate, "")

	obs.StageStarted(StageMeasure, job.SourcePath)
	size, err := utils.PathSize(job.SourcePath)
	if err != nil {
		return jc.fail(KindInvalidArgument, StageMeasure, err)
	}
	if size <= 0 {
		return jc.fail(KindInvalidArgument, StageMeasure, errors.New("source is empty"))
	}
	large := IsLargeTransfer(size, chunk)
	obs.StageCompleted(StageMeasure, utils.FormatBytes(uint64(size)))
	log.Debug().Int64("size", size).Int64("chunk", chunk).Bool("chunked", large).Msg("Source classified")

	record := &history.Record{
		ID:          job.ID,
		Source:      job.SourcePath,
		Destination: job.DestinationPath,
		Server:      jc.server,
		Mode:        history.ModeDirect,
		State:       history.StateInProgress,
		TotalBytes:  size,
		StartedAt:   time.Now(),
	}
	if large {
		record.Mode = history.ModeChunked
	}
	e.save(record)

	if large {
		err = e.runChunked(ctx, server, job, chunk, jc, obs, record)
	} else {
		err = e.directCopy(ctx, server, job, jc, obs)
		if err == nil {
			record.TransferredBytes = size
		}
	}

	record.FinishedAt = time.Now()
	if err != nil {
		record.State = history.StateFailed
		record.Error = err.Error()
	} else {
		record.State = history.StateCompleted
	}
	e.save(record)
	return err
}

func (e *Engine) save(r *history.Record) {
	if err := e.Recorder.Save(r); err != nil {
		e.log.Warn().Err(err).Str("job", r.ID).Msg("Failed to record job history")
	}
}

// directCopy replaces destination/<base> with a single copy of the source.
func (e *Engine) directCopy(ctx context.Context, server utils.ServerDescriptor, job utils.TransferJob, jc jobContext, obs Observer) error {
	base := filepath.Base(filepath.Clean(job.SourcePath))
	target := path.Join(job.DestinationPath, base)
	obs.StageStarted(StageCopy, target)
	prep := fmt.Sprintf("rm -rf %s && mkdir -p %s", gateway.Quote(target), gateway.Quote(job.DestinationPath))
	if err := gateway.Check(e.gw.Run(ctx, server, prep)); err != nil {
		return jc.fail(KindDirectCopyFailed, StageCopy, fmt.Errorf("preparing destination: %w", err))
	}
	if err := gateway.Check(e.gw.CopyTo(ctx, server, job.SourcePath, target)); err != nil {
		return jc.fail(KindDirectCopyFailed, StageCopy, err)
	}
	obs.StageCompleted(StageCopy, target)
	return nil
}

func (e *Engine) runChunked(ctx context.Context, server utils.ServerDescriptor, job utils.TransferJob, chunk int64, jc jobContext, obs Observer, record *history.Record) (err error) {
	log := e.log.With().Str("job", job.ID).Logger()
	var tops scratchTops
	defer func() {
		obs.StageStarted(StageCleanup, "")
		if cerr := e.cleanup(ctx, server, job, tops); cerr != nil {
			log.Error().Err(jc.fail(KindCleanupFailed, StageCleanup, cerr)).Msg("Cleanup incomplete")
			obs.StageCompleted(StageCleanup, "incomplete")
			return
		}
		detail := ""
		if job.Verbose {
			detail = fmt.Sprintf("removed %s and %s:%s", job.LocalTempDir(), jc.server, job.RemoteTempDir())
		}
		obs.StageCompleted(StageCleanup, detail)
	}()

	if tops.local, err = utils.MakeScratch(job.LocalTempDir()); err != nil {
		return jc.fail(KindCompressionFailed, StageCompress, fmt.Errorf("creating scratch directory: %w", err))
	}
	archiver := *e.Archiver
	archiver.Gitignore = job.Gitignore
	archiver.SkipPaths = append(append([]string{}, e.Archiver.SkipPaths...), job.TempDirName)
	obs.StageStarted(StageCompress, job.SourcePath)
	compressed, err := archiver.Compress(ctx, job.SourcePath, job.LocalArchivePath(), obs.ArchiveProgress)
	if err != nil {
		return jc.fail(KindCompressionFailed, StageCompress, err)
	}
	obs.StageCompleted(StageCompress, fmt.Sprintf("%d entries, %s", compressed.FileCount, utils.FormatBytes(uint64(compressed.TotalBytes))))

	if job.StashURL != "" {
		obs.StageStarted(StageStash, job.StashURL)
		target, err := e.NewStash(ctx, job.StashURL, job.AWSProfile)
		if err != nil {
			return jc.fail(KindStashFailed, StageStash, err)
		}
		location, err := target.Put(ctx, job.ID, compressed.OutputPath)
		if err != nil {
			return jc.fail(KindStashFailed, StageStash, err)
		}
		obs.StageCompleted(StageStash, location)
	}

	obs.StageStarted(StageSplit, job.ChunkSize)
	splitResult, err := e.Splitter.SplitBytes(ctx, compressed.OutputPath, chunk)
	if err != nil {
		return jc.fail(KindSplitFailed, StageSplit, err)
	}
	record.Parts = splitResult.PartCount
	obs.StageCompleted(StageSplit, fmt.Sprintf("%d parts", splitResult.PartCount))

	obs.StageStarted(StagePrepare, job.RemoteTempDir())
	prepared, err := e.gw.Run(ctx, server, RemotePrepareCommand(job))
	if err := gateway.Check(prepared, err); err != nil {
		return jc.fail(KindTransferFailed, StagePrepare, err)
	}
	tops.remote = createdTop(job, prepared.Stdout)
	obs.StageCompleted(StagePrepare, "")

	obs.StageStarted(StageTransfer, fmt.Sprintf("%d parts", splitResult.PartCount))
	scheduler := transfer.NewScheduler(e.gw, server, job.Concurrency, job.RemoteTempDir(), obs.TransferProgress)
	snapshot, err := scheduler.Run(ctx, splitResult.Parts)
	record.TransferredBytes = snapshot.TransferredBytes
	if err != nil {
		failure := jc.fail(KindTransferFailed, StageTransfer, err)
		var partErr *transfer.PartError
		if errors.As(err, &partErr) {
			failure.Part = partErr.Part.Name
		}
		return failure
	}
	obs.StageCompleted(StageTransfer, fmt.Sprintf("%s at %s", utils.FormatBytes(uint64(snapshot.TransferredBytes)), utils.FormatSpeed(snapshot.AvgSpeed)))

	obs.StageStarted(StageMerge, job.ArchiveName)
	if err := e.merge(ctx, server, job, splitResult.Parts, splitResult.TotalBytes); err != nil {
		return jc.fail(KindRemoteMergeFailed, StageMerge, err)
	}
	obs.StageCompleted(StageMerge, "")

	obs.StageStarted(StageExtract, job.DestinationPath)
	if err := e.extract(ctx, server, job, filepath.Base(filepath.Clean(job.SourcePath))); err != nil {
		return jc.fail(KindRemoteExtractFailed, StageExtract, err)
	}
	obs.StageCompleted(StageExtract, job.DestinationPath)
	log.Debug().Int("parts", splitResult.PartCount).Msg("Chunked transfer completed")
	return nil
}
