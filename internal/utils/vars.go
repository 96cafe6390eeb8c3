package utils

import (
	"errors"
	"regexp"
)

const (
	DefaultChunkSize   = "16M"
	DefaultConcurrency = 4
	DefaultTempDir     = "tmp/archives/"
	DefaultArchiveName = "archive.tar.gz"
	DefaultSSHPort     = 22
	DefaultTransport   = "ssh"
)

var ErrInvalidSizeFormat = errors.New("invalid size format")

var PartIDRegex = regexp.MustCompile(`\.part(\d+)$`)
var sizeRegex = regexp.MustCompile(`^(\d+)([KMGTkmgt])?$`)

// VCS metadata and OS housekeeping entries never shipped.
var ExcludedDirs = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
	".bzr": true,
}

var ExcludedFiles = map[string]bool{
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
}
