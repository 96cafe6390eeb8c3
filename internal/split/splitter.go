// Package split cuts an archive into ordered, fixed-maximum-size parts with the
// system split tool.
package split

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/parcel/internal/runner"
	"github.com/tanq16/parcel/internal/utils"
)

var ErrSplitFailed = errors.New("split failed")

type Splitter struct {
	Program string
	Runner  runner.Runner
	log     zerolog.Logger
}

func NewSplitter() *Splitter {
	return &Splitter{
		Program: "split",
		Runner:  runner.New(),
		log:     utils.GetLogger("splitter"),
	}
}

// ExpectedParts is ceil(size / chunk).
func ExpectedParts(size, chunk int64) int {
	if size <= 0 || chunk <= 0 {
		return 0
	}
	return int((size + chunk - 1) / chunk)
}

// SuffixWidth is the zero-padded index width that keeps name order equal to
// numeric order for count parts.
func SuffixWidth(count int) int {
	return max(2, len(strconv.Itoa(max(count-1, 0))))
}

// Split parses maxPartSize (e.g. "16M") and splits the archive.
func (s *Splitter) Split(ctx context.Context, archivePath, maxPartSize string) (utils.SplitResult, error) {
	chunk, err := utils.ParseSize(maxPartSize)
	if err != nil {
		return utils.SplitResult{}, err
	}
	return s.SplitBytes(ctx, archivePath, chunk)
}

// SplitBytes produces <archive>.partNN files next to the archive.
func (s *Splitter) SplitBytes(ctx context.Context, archivePath string, chunk int64) (utils.SplitResult, error) {
	start := time.Now()
	if chunk <= 0 {
		return utils.SplitResult{}, fmt.Errorf("%w: %d bytes", utils.ErrInvalidSizeFormat, chunk)
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return utils.SplitResult{}, fmt.Errorf("%w: %v", ErrSplitFailed, err)
	}
	expected := ExpectedParts(info.Size(), chunk)
	width := SuffixWidth(expected)
	prefix := archivePath + ".part"
	s.log.Debug().Str("archive", archivePath).Int64("chunk", chunk).Int("expected", expected).Int("width", width).Msg("Splitting archive")

	args := []string{"-b", strconv.FormatInt(chunk, 10), "-d", "-a", strconv.Itoa(width), archivePath, prefix}
	res, err := s.Runner.Run(ctx, s.Program, args)
	if err != nil {
		code, detail := -1, ""
		if res != nil {
			code, detail = res.ExitCode, runner.Tail(res.Stderr, 5)
		}
		return utils.SplitResult{}, fmt.Errorf("%w: %s exited with code %d: %s", ErrSplitFailed, s.Program, code, detail)
	}

	parts, err := collectParts(archivePath)
	if err != nil {
		return utils.SplitResult{}, fmt.Errorf("%w: %v", ErrSplitFailed, err)
	}
	if len(parts) != expected {
		return utils.SplitResult{}, fmt.Errorf("%w: expected %d parts, found %d", ErrSplitFailed, expected, len(parts))
	}
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	if total != info.Size() {
		return utils.SplitResult{}, fmt.Errorf("%w: parts hold %d bytes, archive has %d", ErrSplitFailed, total, info.Size())
	}
	result := utils.SplitResult{
		PartCount:  len(parts),
		TotalBytes: total,
		Elapsed:    time.Since(start),
		Parts:      parts,
	}
	s.log.Debug().Int("parts", result.PartCount).Dur("elapsed", result.Elapsed).Msg("Split completed")
	return result, nil
}

// collectParts lists <archive>.partNN files sorted by numeric index.
func collectParts(archivePath string) ([]utils.Part, error) {
	dir := filepath.Dir(archivePath)
	prefix := filepath.Base(archivePath) + ".part"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var parts []utils.Part
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !utils.PartIDRegex.MatchString(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		parts = append(parts, utils.Part{
			Name: name,
			Path: filepath.Join(dir, name),
			Size: info.Size(),
		})
	}
	utils.SortParts(parts)
	for i := range parts {
		parts[i].Index = i
	}
	return parts, nil
}
