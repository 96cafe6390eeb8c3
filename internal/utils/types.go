package utils

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ServerDescriptor identifies one remote host and how to authenticate against it.
// Exactly one of KeyPath and Password is set on a valid descriptor.
type ServerDescriptor struct {
	Name     string
	Host     string
	User     string
	Port     uint16
	KeyPath  string
	Password string
}

func (s ServerDescriptor) Validate() error {
	if s.Host == "" {
		return errors.New("server host is empty")
	}
	if s.User == "" {
		return errors.New("server user is empty")
	}
	if s.KeyPath == "" && s.Password == "" {
		return fmt.Errorf("server %s has no authentication method (key or password)", s.Identity())
	}
	if s.KeyPath != "" && s.Password != "" {
		return fmt.Errorf("server %s has both key and password set, choose one", s.Identity())
	}
	return nil
}

// Identity is the credential-free name used in logs and errors.
func (s ServerDescriptor) Identity() string {
	return fmt.Sprintf("%s@%s:%d", s.User, s.Host, s.EffectivePort())
}

func (s ServerDescriptor) EffectivePort() uint16 {
	if s.Port == 0 {
		return DefaultSSHPort
	}
	return s.Port
}

func (s ServerDescriptor) UsesPassword() bool {
	return s.Password != ""
}

// TransferJob is built once per invocation and consumed by a single orchestration run.
// ChunkSize is human notation (16M, 512K) and is parsed before any work starts.
type TransferJob struct {
	ID              string
	SourcePath      string
	DestinationPath string
	ChunkSize       string
	Concurrency     int
	TempDirName     string
	ArchiveName     string
	Gitignore       bool
	StashURL        string
	AWSProfile      string
	Verbose         bool
}

// ScratchID is the first 8 hex characters of the job ID, which keeps scratch
// paths short.
func (j TransferJob) ScratchID() string {
	id := strings.ReplaceAll(j.ID, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// LocalTempDir is the job-scoped scratch directory on this machine.
func (j TransferJob) LocalTempDir() string {
	return filepath.Join(j.TempDirName, j.ScratchID())
}

// RemoteTempDir is the job-scoped scratch directory on the remote host.
func (j TransferJob) RemoteTempDir() string {
	return path.Join(j.DestinationPath, filepath.ToSlash(j.TempDirName), j.ScratchID())
}

func (j TransferJob) LocalArchivePath() string {
	return filepath.Join(j.LocalTempDir(), j.ArchiveName)
}

func (j TransferJob) RemoteArchivePath() string {
	return path.Join(j.RemoteTempDir(), j.ArchiveName)
}

// Part is one fixed-maximum-size fragment of a split archive.
type Part struct {
	Index int
	Name  string
	Path  string
	Size  int64
}

type CompressResult struct {
	FileCount  int
	TotalBytes int64
	Elapsed    time.Duration
	OutputPath string
}

type SplitResult struct {
	PartCount  int
	TotalBytes int64
	Elapsed    time.Duration
	Parts      []Part
}

// BatchEntry is one line of a batch YAML file.
type BatchEntry struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Server      string `yaml:"server,omitempty"`
}
