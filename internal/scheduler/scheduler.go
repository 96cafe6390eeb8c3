// Package scheduler runs several transfer jobs through a fixed pool of workers,
// reporting each job to the output manager.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tanq16/parcel/internal/engine"
	"github.com/tanq16/parcel/internal/output"
	"github.com/tanq16/parcel/internal/transfer"
	"github.com/tanq16/parcel/internal/utils"
)

type Job struct {
	Server utils.ServerDescriptor
	Spec   utils.TransferJob
}

func (j Job) Label() string {
	return fmt.Sprintf("%s %s %s:%s", j.Spec.SourcePath, output.StyleSymbols["arrow"], j.Server.Name, j.Spec.DestinationPath)
}

// Transferer is the engine entry point; *engine.Engine satisfies it.
type Transferer interface {
	TransferToServer(ctx context.Context, server utils.ServerDescriptor, job utils.TransferJob, opts ...engine.RunOption) error
}

// Run executes jobs on numWorkers workers and returns every job error joined.
func Run(ctx context.Context, jobs []Job, numWorkers int, t Transferer, mgr *output.Manager) error {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	mgr.StartDisplay()
	defer mgr.StopDisplay()

	jobCh := make(chan Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for range min(numWorkers, max(len(jobs), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				if err := processJob(ctx, job, t, mgr); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func processJob(ctx context.Context, job Job, t Transferer, mgr *output.Manager) error {
	id := mgr.RegisterJob(job.Label())
	if err := ctx.Err(); err != nil {
		mgr.ReportError(id, err)
		return err
	}
	obs := &jobObserver{id: id, mgr: mgr}
	if err := t.TransferToServer(ctx, job.Server, job.Spec, engine.WithObserver(obs)); err != nil {
		mgr.ReportError(id, err)
		return err
	}
	mgr.Complete(id, fmt.Sprintf("Transferred to %s", job.Server.Identity()))
	return nil
}

// jobObserver forwards engine notifications to one job's output line.
type jobObserver struct {
	id  int
	mgr *output.Manager
}

var stageMessages = map[engine.Stage]string{
	engine.StageValidate: "Validating",
	engine.StageMeasure:  "Measuring source",
	engine.StageCompress: "Compressing",
	engine.StageStash:    "Stashing archive",
	engine.StageSplit:    "Splitting archive",
	engine.StagePrepare:  "Preparing remote",
	engine.StageTransfer: "Transferring",
	engine.StageMerge:    "Merging parts on remote",
	engine.StageExtract:  "Extracting on remote",
	engine.StageCleanup:  "Cleaning up",
	engine.StageCopy:     "Copying",
}

func (o *jobObserver) StageStarted(stage engine.Stage, detail string) {
	msg := stageMessages[stage]
	if detail != "" {
		msg += " " + detail
	}
	o.mgr.SetMessage(o.id, msg)
}

func (o *jobObserver) StageCompleted(stage engine.Stage, detail string) {
	if detail == "" {
		return
	}
	o.mgr.AddStreamLine(o.id, fmt.Sprintf("%s %s %s", output.StyleSymbols["pass"], stage, detail))
}

func (o *jobObserver) ArchiveProgress(done, total int) {
	o.mgr.SetProgress(o.id, output.ArchiveLine(done, total))
}

func (o *jobObserver) TransferProgress(s transfer.Snapshot) {
	o.mgr.SetProgress(o.id, output.TransferLine(s))
}
