package archive

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/tanq16/parcel/internal/utils"
)

func excluded(name string, isDir bool) bool {
	if isDir {
		return utils.ExcludedDirs[name]
	}
	return utils.ExcludedFiles[name] || strings.HasPrefix(name, "._")
}

// ListEntries returns the archive member list for source, relative to its parent
// directory, so every entry starts with the source's base name. Directories are
// listed before their contents. VCS metadata and OS housekeeping files are skipped,
// and with useGitignore the source's .gitignore files are honoured too. Paths in
// skip (typically the local scratch directory) are left out with their contents.
func ListEntries(source string, useGitignore bool, skip ...string) ([]string, error) {
	source = filepath.Clean(source)
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		if abs, err := filepath.Abs(s); err == nil {
			skipped[abs] = true
		}
	}
	base := filepath.Base(source)
	info, err := os.Lstat(source)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{base}, nil
	}

	var matcher gitignore.Matcher
	if useGitignore {
		patterns, err := gitignore.ReadPatterns(osfs.New(source), nil)
		if err != nil {
			return nil, err
		}
		matcher = gitignore.NewMatcher(patterns)
	}

	var entries []string
	err = filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		if rel == "." {
			entries = append(entries, base)
			return nil
		}
		if abs, err := filepath.Abs(p); err == nil && skipped[abs] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded(d.Name(), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher != nil && matcher.Match(strings.Split(filepath.ToSlash(rel), "/"), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entries = append(entries, filepath.ToSlash(filepath.Join(base, rel)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
