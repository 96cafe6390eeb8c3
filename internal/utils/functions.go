package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ParseSize turns human notation like 16M or 2G (1024-based) into bytes.
// A bare number is a byte count.
func ParseSize(s string) (int64, error) {
	matches := sizeRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, s)
	}
	n, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSizeFormat, s, err)
	}
	shift := 0
	switch strings.ToUpper(matches[2]) {
	case "K":
		shift = 10
	case "M":
		shift = 20
	case "G":
		shift = 30
	case "T":
		shift = 40
	}
	if n <= 0 || n > (1<<62)>>shift {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidSizeFormat, s)
	}
	return n << shift, nil
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return FormatBytes(uint64(bytesPerSecond)) + "/s"
}

func FormatETA(eta time.Duration) string {
	if eta < 0 {
		return "calculating..."
	}
	seconds := int64(eta.Round(time.Second).Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	} else if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}

// PathSize returns the size of a file, or the summed size of regular files under a directory.
func PathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

func ExtractPartID(filename string) (int, error) {
	matches := PartIDRegex.FindStringSubmatch(filename)
	if len(matches) < 2 {
		return -1, fmt.Errorf("could not extract part ID from %s", filename)
	}
	return strconv.Atoi(matches[1])
}

// SortParts orders parts by numeric suffix, falling back to name order.
func SortParts(parts []Part) {
	sort.SliceStable(parts, func(i, j int) bool {
		idI, errI := ExtractPartID(parts[i].Name)
		idJ, errJ := ExtractPartID(parts[j].Name)
		if errI != nil || errJ != nil {
			return parts[i].Name < parts[j].Name
		}
		return idI < idJ
	})
}

// ValidateTempDir rejects scratch directory names that are absolute or that
// resolve to the working directory or anything above it.
func ValidateTempDir(name string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("temp dir %q must be relative", name)
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("temp dir %q must stay below the working directory", name)
	}
	return nil
}

// MakeScratch creates dir and returns the outermost directory it had to create.
// That is where Clean stops pruning, so directories that already existed stay.
func MakeScratch(dir string) (string, error) {
	dir = filepath.Clean(dir)
	created := ""
	for p := dir; p != "."; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			break
		}
		created = p
		if filepath.Dir(p) == p {
			break
		}
	}
	return created, os.MkdirAll(dir, 0755)
}

// Clean removes a job scratch directory, then removes its parents while they are
// empty, up to and including top. An empty top prunes nothing.
func Clean(dir, top string) error {
	if err := ValidateTempDir(dir); err != nil {
		return err
	}
	dir = filepath.Clean(dir)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if top == "" {
		return nil
	}
	top = filepath.Clean(top)
	for p := filepath.Dir(dir); within(p, top); p = filepath.Dir(p) {
		if err := os.Remove(p); err != nil || p == top {
			break
		}
	}
	return nil
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ExpandHome resolves a leading ~ to the current user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
