// Package transfer copies archive parts to a remote host in concurrency-bounded
// batches while aggregating progress.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tanq16/parcel/internal/gateway"
	"github.com/tanq16/parcel/internal/utils"
)

var ErrTransferFailed = errors.New("transfer failed")

// PartError names the part whose copy failed.
type PartError struct {
	Part utils.Part
	Err  error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("transfer of %s failed: %v", e.Part.Name, e.Err)
}

func (e *PartError) Unwrap() []error {
	return []error{ErrTransferFailed, e.Err}
}

type Scheduler struct {
	gw          gateway.Gateway
	server      utils.ServerDescriptor
	concurrency int
	remoteDir   string
	onProgress  func(Snapshot)
	log         zerolog.Logger
}

func NewScheduler(gw gateway.Gateway, server utils.ServerDescriptor, concurrency int, remoteDir string, onProgress func(Snapshot)) *Scheduler {
	if concurrency <= 0 {
		concurrency = utils.DefaultConcurrency
	}
	return &Scheduler{
		gw:          gw,
		server:      server,
		concurrency: concurrency,
		remoteDir:   remoteDir,
		onProgress:  onProgress,
		log:         utils.GetLogger("scheduler"),
	}
}

// Run copies parts batch by batch; batch N+1 starts only after batch N fully
// finished. A failed copy stops further batches but lets its batch siblings finish.
func (s *Scheduler) Run(ctx context.Context, parts []utils.Part) (Snapshot, error) {
	var totalBytes int64
	for _, p := range parts {
		totalBytes += p.Size
	}
	state := NewProgressState(len(parts), totalBytes)
	for start := 0; start < len(parts); start += s.concurrency {
		if err := ctx.Err(); err != nil {
			return state.Snapshot(), fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		end := min(start+s.concurrency, len(parts))
		batch := parts[start:end]
		s.log.Debug().Int("batch", start/s.concurrency+1).Int("parts", len(batch)).Msg("Starting batch")
		if err := s.runBatch(ctx, batch, state); err != nil {
			return state.Snapshot(), err
		}
	}
	final := state.Finish(s.onProgress)
	if final.CompletedParts != len(parts) {
		return final, fmt.Errorf("%w: %d of %d parts completed", ErrTransferFailed, final.CompletedParts, len(parts))
	}
	return final, nil
}

func (s *Scheduler) runBatch(ctx context.Context, batch []utils.Part, state *ProgressState) error {
	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, part := range batch {
		wg.Add(1)
		go func(i int, part utils.Part) {
			defer wg.Done()
			remote := path.Join(s.remoteDir, part.Name)
			if err := gateway.Check(s.gw.CopyTo(ctx, s.server, part.Path, remote)); err != nil {
				s.log.Debug().Str("part", part.Name).Err(err).Msg("Part copy failed")
				errs[i] = &PartError{Part: part, Err: err}
				return
			}
			state.Complete(part.Size, s.onProgress)
		}(i, part)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
