package archive

import "strings"

// OutputProgressParser decides whether one line of archiver output reports an added entry.
type OutputProgressParser interface {
	Added(line string) bool
}

// TarParser understands `tar -v` listings: GNU tar prints bare names,
// bsdtar prefixes them with "a ". Diagnostics start with "tar:".
type TarParser struct{}

func (TarParser) Added(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "tar:") || strings.HasPrefix(line, "bsdtar:") {
		return false
	}
	return true
}

// ZipParser understands `zip` output where each entry is announced with "adding:".
type ZipParser struct{}

func (ZipParser) Added(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "adding:")
}
