// Package archive packs a source tree into one compressed tarball using the
// system tar, reporting progress by entries processed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/parcel/internal/runner"
	"github.com/tanq16/parcel/internal/utils"
)

var ErrCompressionFailed = errors.New("compression failed")

// ProgressFunc receives (entries processed, total entries).
type ProgressFunc func(done, total int)

type Archiver struct {
	Program   string
	Parser    OutputProgressParser
	Runner    runner.Runner
	Gitignore bool
	SkipPaths []string
	Interval  time.Duration
	log       zerolog.Logger
}

func NewArchiver(useGitignore bool) *Archiver {
	return &Archiver{
		Program:   "tar",
		Parser:    TarParser{},
		Runner:    runner.New(),
		Gitignore: useGitignore,
		Interval:  100 * time.Millisecond,
		log:       utils.GetLogger("archiver"),
	}
}

// throttle lets a progress update through only when the integer percentage
// moved and at least interval has passed since the previous one.
type throttle struct {
	interval time.Duration
	last     time.Time
	lastPct  int
	now      func() time.Time
}

func (t *throttle) allow(done, total int) bool {
	if total <= 0 {
		return false
	}
	pct := done * 100 / total
	now := t.now()
	if pct == t.lastPct || now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	t.lastPct = pct
	return true
}

// Compress writes a gzip tarball of source to outputPath.
func (a *Archiver) Compress(ctx context.Context, source, outputPath string, progress ProgressFunc) (utils.CompressResult, error) {
	start := time.Now()
	source = filepath.Clean(source)
	if _, err := os.Stat(source); err != nil {
		return utils.CompressResult{}, fmt.Errorf("%w: source not readable: %v", ErrCompressionFailed, err)
	}
	entries, err := ListEntries(source, a.Gitignore, a.SkipPaths...)
	if err != nil {
		return utils.CompressResult{}, fmt.Errorf("%w: error listing source: %v", ErrCompressionFailed, err)
	}
	total := len(entries)
	a.log.Debug().Str("source", source).Int("entries", total).Msg("Source listed")
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return utils.CompressResult{}, fmt.Errorf("%w: error creating temp directory: %v", ErrCompressionFailed, err)
	}
	absOutput, err := filepath.Abs(outputPath)
	if err != nil {
		return utils.CompressResult{}, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}

	args := []string{"-czvf", absOutput, "-C", filepath.Dir(source), "--no-recursion", "-T", "-"}
	stdin := strings.NewReader(strings.Join(entries, "\n") + "\n")
	processed := 0
	gate := &throttle{interval: a.Interval, lastPct: -1, now: time.Now}
	onLine := func(stream, line string) {
		if !a.Parser.Added(line) {
			if strings.TrimSpace(line) != "" {
				a.log.Debug().Str("stream", stream).Str("line", line).Msg("Archiver output")
			}
			return
		}
		processed = min(processed+1, total)
		if progress != nil && gate.allow(processed, total) {
			progress(processed, total)
		}
	}
	res, err := a.Runner.Run(ctx, a.Program, args, runner.WithStdin(stdin), runner.WithLineHandler(onLine))
	if err != nil {
		code := -1
		detail := ""
		if res != nil {
			code = res.ExitCode
			detail = runner.Tail(res.Stderr, 5)
		}
		return utils.CompressResult{}, fmt.Errorf("%w: %s exited with code %d: %s", ErrCompressionFailed, a.Program, code, detail)
	}
	if progress != nil {
		progress(total, total)
	}
	info, err := os.Stat(absOutput)
	if err != nil {
		return utils.CompressResult{}, fmt.Errorf("%w: archive missing after successful exit: %v", ErrCompressionFailed, err)
	}
	result := utils.CompressResult{
		FileCount:  total,
		TotalBytes: info.Size(),
		Elapsed:    time.Since(start),
		OutputPath: outputPath,
	}
	a.log.Debug().Int("entries", total).Int("reported", processed).Str("size", utils.FormatBytes(uint64(result.TotalBytes))).Dur("elapsed", result.Elapsed).Msg("Compression completed")
	return result, nil
}
