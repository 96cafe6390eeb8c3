package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tanq16/parcel/internal/gateway"
	"github.com/tanq16/parcel/internal/utils"
)

const cleanupTimeout = 2 * time.Minute

// scratchParents lists the temp-dir components under destination, outermost first:
// tmp/archives gives tmp, tmp/archives.
func scratchParents(tempDir string) []string {
	rel := strings.Trim(filepath.ToSlash(filepath.Clean(tempDir)), "/")
	var dirs []string
	for i, c := range rel {
		if c == '/' {
			dirs = append(dirs, rel[:i])
		}
	}
	return append(dirs, rel)
}

func quoteAll(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = gateway.Quote(item)
	}
	return strings.Join(quoted, " ")
}

// RemotePrepareCommand creates the remote job scratch directory. It prints the
// outermost temp-dir component that did not exist yet, relative to destination.
func RemotePrepareCommand(job utils.TransferJob) string {
	parents := scratchParents(job.TempDirName)
	return fmt.Sprintf(`(cd %s 2>/dev/null && for d in %s; do [ -d "$d" ] || { echo "$d"; break; }; done || echo %s) && mkdir -p %s`,
		gateway.Quote(job.DestinationPath),
		quoteAll(parents),
		gateway.Quote(parents[0]),
		gateway.Quote(job.RemoteTempDir()))
}

// createdTop picks the prepare command's report out of its output. Anything that
// is not a temp-dir component means nothing gets pruned.
func createdTop(job utils.TransferJob, stdout string) string {
	reported := strings.TrimSpace(stdout)
	for _, dir := range scratchParents(job.TempDirName) {
		if dir == reported {
			return dir
		}
	}
	return ""
}

// RemoteCleanupCommand removes the remote job scratch directory, then the temp-dir
// components up to and including top while they are empty.
func RemoteCleanupCommand(job utils.TransferJob, top string) string {
	remove := "rm -rf " + gateway.Quote(job.RemoteTempDir())
	if top == "" {
		return remove
	}
	var prune []string
	parents := scratchParents(job.TempDirName)
	for i := len(parents) - 1; i >= 0; i-- {
		prune = append(prune, parents[i])
		if parents[i] == top {
			break
		}
	}
	return fmt.Sprintf("%s && { cd %s 2>/dev/null && rmdir %s 2>/dev/null; true; }",
		remove, gateway.Quote(job.DestinationPath), quoteAll(prune))
}

// scratchTops records the outermost scratch directories a job created, so cleanup
// leaves alone anything that was already there.
type scratchTops struct {
	local  string
	remote string
}

// cleanup removes local and remote job scratch directories. It runs on every exit
// path of the chunked pipeline and is not cut short by the caller's cancellation.
func (e *Engine) cleanup(ctx context.Context, server utils.ServerDescriptor, job utils.TransferJob, tops scratchTops) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	var errs []error
	if err := gateway.Check(e.gw.Run(ctx, server, RemoteCleanupCommand(job, tops.remote))); err != nil {
		errs = append(errs, fmt.Errorf("remote %s: %w", job.RemoteTempDir(), err))
	}
	if err := utils.Clean(job.LocalTempDir(), tops.local); err != nil {
		errs = append(errs, fmt.Errorf("local %s: %w", job.LocalTempDir(), err))
	}
	if len(errs) == 0 && job.Verbose {
		e.log.Info().Str("job", job.ID).Str("local", job.LocalTempDir()).Str("remote", job.RemoteTempDir()).Msg("Scratch directories removed")
	}
	return errors.Join(errs...)
}
