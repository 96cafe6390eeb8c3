package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/parcel/internal/gateway"
	"github.com/tanq16/parcel/internal/history"
	"github.com/tanq16/parcel/internal/transfer"
	"github.com/tanq16/parcel/internal/utils"
)

// localGateway treats the local filesystem as the remote host.
type localGateway struct {
	mu        sync.Mutex
	commands  []string
	copies    []string
	failCopy  string
	failRun   string
	remoteDir string
}

func (g *localGateway) Run(ctx context.Context, _ utils.ServerDescriptor, command string) (*gateway.Result, error) {
	g.mu.Lock()
	g.commands = append(g.commands, command)
	g.mu.Unlock()
	if g.failRun != "" && strings.Contains(command, g.failRun) {
		return &gateway.Result{ExitCode: 1, Stderr: "injected failure"}, nil
	}
	return runLocal(ctx, "sh", "-c", command)
}

func (g *localGateway) CopyTo(ctx context.Context, _ utils.ServerDescriptor, localPath, remotePath string) (*gateway.Result, error) {
	g.mu.Lock()
	g.copies = append(g.copies, remotePath)
	g.mu.Unlock()
	if g.failCopy != "" && strings.HasSuffix(localPath, g.failCopy) {
		return &gateway.Result{ExitCode: 1, Stderr: "lost connection"}, nil
	}
	return runLocal(ctx, "cp", "-R", localPath, remotePath)
}

func (g *localGateway) ranCommand(substr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func runLocal(ctx context.Context, program string, args ...string) (*gateway.Result, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := &gateway.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []history.Record
}

func (m *memoryRecorder) Save(r *history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *r)
	return nil
}

func (m *memoryRecorder) last() history.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[len(m.records)-1]
}

type stageObserver struct {
	NopObserver
	mu      sync.Mutex
	stages  []Stage
	details map[Stage]string
	last    transfer.Snapshot
}

func (o *stageObserver) StageCompleted(stage Stage, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.details == nil {
		o.details = map[Stage]string{}
	}
	o.details[stage] = detail
}

func (o *stageObserver) StageStarted(stage Stage, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *stageObserver) TransferProgress(s transfer.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = s
}

var testServer = utils.ServerDescriptor{Name: "local", Host: "localhost", User: "tester", KeyPath: "/dev/null"}

func requireTools(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"sh", "tar", "split", "cat", "cp"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
}

type fixture struct {
	source   string
	dest     string
	gw       *localGateway
	engine   *Engine
	recorder *memoryRecorder
}

// newFixture builds a source tree of about randomKiB KiB of incompressible data
// and runs from a fresh working directory so local scratch dirs are isolated.
func newFixture(t *testing.T, randomKiB int) *fixture {
	t.Helper()
	t.Chdir(t.TempDir())
	source := filepath.Join(t.TempDir(), "project")
	write := func(rel string, data []byte) {
		p := filepath.Join(source, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, data, 0644))
	}
	blob := make([]byte, randomKiB*1024)
	_, err := rand.Read(blob)
	require.NoError(t, err)
	write("data/blob.bin", blob)
	write("README.md", []byte("# project\n"))
	write("src/main.go", []byte("package main\n"))
	write(".git/HEAD", []byte("ref: refs/heads/main\n"))
	write(".DS_Store", []byte("junk"))

	gw := &localGateway{}
	rec := &memoryRecorder{}
	e := New(gw)
	e.Recorder = rec
	return &fixture{
		source:   source,
		dest:     filepath.Join(t.TempDir(), "remote", "srv"),
		gw:       gw,
		engine:   e,
		recorder: rec,
	}
}

func (f *fixture) job(chunk string) utils.TransferJob {
	return utils.TransferJob{
		SourcePath:      f.source,
		DestinationPath: f.dest,
		ChunkSize:       chunk,
		Concurrency:     4,
	}
}

func shippedTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ".DS_Store" {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func assertNoScratch(t *testing.T, f *fixture) {
	t.Helper()
	assert.NoDirExists(t, "tmp", "local scratch left behind")
	assert.NoDirExists(t, filepath.Join(f.dest, "tmp"), "remote scratch left behind")
}

func TestIsLargeTransfer(t *testing.T) {
	const mib = int64(1 << 20)
	assert.False(t, IsLargeTransfer(10*mib, 16*mib))
	assert.False(t, IsLargeTransfer(32*mib, 16*mib), "exactly two chunks")
	assert.True(t, IsLargeTransfer(32*mib+1, 16*mib))
	assert.True(t, IsLargeTransfer(100*mib, 16*mib))
	assert.False(t, IsLargeTransfer(0, 16*mib))
	assert.False(t, IsLargeTransfer(100, 0))
	assert.False(t, IsLargeTransfer(1<<62, 1<<62))
}

func TestSmallSourceIsCopiedDirectly(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 10)
	err := f.engine.TransferToServer(context.Background(), testServer, f.job("16K"))
	require.NoError(t, err)

	assert.Equal(t, shippedTree(t, f.source), shippedTree(t, filepath.Join(f.dest, "project")))
	assert.Len(t, f.gw.copies, 1)
	assert.False(t, f.gw.ranCommand("tar -xzf"))
	assertNoScratch(t, f)
	rec := f.recorder.last()
	assert.Equal(t, history.ModeDirect, rec.Mode)
	assert.Equal(t, history.StateCompleted, rec.State)
}

func TestLargeSourceGoesThroughChunkedPipeline(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	obs := &stageObserver{}
	err := f.engine.TransferToServer(context.Background(), testServer, f.job("16K"), WithObserver(obs))
	require.NoError(t, err)

	got := shippedTree(t, filepath.Join(f.dest, "project"))
	assert.Equal(t, shippedTree(t, f.source), got)
	assert.NotContains(t, got, ".DS_Store")
	assert.NoDirExists(t, filepath.Join(f.dest, "project", ".git"))
	assertNoScratch(t, f)

	rec := f.recorder.last()
	assert.Equal(t, history.ModeChunked, rec.Mode)
	assert.Equal(t, history.StateCompleted, rec.State)
	assert.Len(t, rec.ID, 36, "history is keyed by the full job id")
	assert.GreaterOrEqual(t, rec.Parts, 7)
	assert.Equal(t, rec.Parts, obs.last.CompletedParts)
	assert.Equal(t, obs.last.TotalBytes, obs.last.TransferredBytes)
	assert.Equal(t, rec.TransferredBytes, obs.last.TransferredBytes)
	assert.Equal(t, []Stage{
		StageValidate, StageMeasure, StageCompress, StageSplit, StagePrepare,
		StageTransfer, StageMerge, StageExtract, StageCleanup,
	}, obs.stages)
}

func TestCleanupKeepsExistingScratchParents(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	require.NoError(t, os.Mkdir("tmp", 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(f.dest, "tmp"), 0755))

	require.NoError(t, f.engine.TransferToServer(context.Background(), testServer, f.job("16K")))
	assert.DirExists(t, "tmp")
	assert.NoDirExists(t, filepath.Join("tmp", "archives"))
	assert.DirExists(t, filepath.Join(f.dest, "tmp"))
	assert.NoDirExists(t, filepath.Join(f.dest, "tmp", "archives"))
}

func TestVerboseCleanupReportsRemovedDirs(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	job := f.job("16K")
	job.ID = "feedbeef"
	job.Verbose = true
	obs := &stageObserver{}
	require.NoError(t, f.engine.TransferToServer(context.Background(), testServer, job, WithObserver(obs)))

	detail := obs.details[StageCleanup]
	assert.Contains(t, detail, filepath.Join("tmp", "archives", "feedbeef"))
	assert.Contains(t, detail, testServer.Identity())

	quiet := &stageObserver{}
	require.NoError(t, f.engine.TransferToServer(context.Background(), testServer, f.job("16K"), WithObserver(quiet)))
	assert.Empty(t, quiet.details[StageCleanup])
}

func TestRerunIsIdempotent(t *testing.T) {
	requireTools(t)
	for _, kib := range []int{4, 100} {
		f := newFixture(t, kib)
		require.NoError(t, f.engine.TransferToServer(context.Background(), testServer, f.job("16K")))
		first := shippedTree(t, filepath.Join(f.dest, "project"))

		stale := filepath.Join(f.dest, "project", "stale.txt")
		require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
		require.NoError(t, f.engine.TransferToServer(context.Background(), testServer, f.job("16K")))

		assert.NoFileExists(t, stale)
		assert.Equal(t, first, shippedTree(t, filepath.Join(f.dest, "project")))
		assertNoScratch(t, f)
	}
}

func TestPartFailureStopsAndCleansUp(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	f.gw.failCopy = ".part01"
	err := f.engine.TransferToServer(context.Background(), testServer, f.job("16K"))
	require.Error(t, err)

	assert.Equal(t, KindTransferFailed, KindOf(err))
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, StageTransfer, engineErr.Stage)
	assert.Equal(t, "archive.tar.gz.part01", engineErr.Part)
	assert.Equal(t, testServer.Identity(), engineErr.Server)
	assert.ErrorIs(t, err, transfer.ErrTransferFailed)

	// only the first batch of four was attempted
	assert.Len(t, f.gw.copies, 4)
	assert.False(t, f.gw.ranCommand("cat "))
	assert.NoDirExists(t, filepath.Join(f.dest, "project"))
	assertNoScratch(t, f)
	assert.Equal(t, history.StateFailed, f.recorder.last().State)
}

func TestMergeFailureCleansUp(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	f.gw.failRun = "cat "
	err := f.engine.TransferToServer(context.Background(), testServer, f.job("16K"))
	assert.Equal(t, KindRemoteMergeFailed, KindOf(err))
	assert.Contains(t, err.Error(), "injected failure")
	assertNoScratch(t, f)
}

func TestExtractFailureCleansUp(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	f.gw.failRun = "tar -xzf"
	err := f.engine.TransferToServer(context.Background(), testServer, f.job("16K"))
	assert.Equal(t, KindRemoteExtractFailed, KindOf(err))
	assertNoScratch(t, f)
}

func TestCleanupFailureKeepsOriginalError(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	f.gw.failRun = "rm -rf"
	f.gw.failCopy = ".part00"
	err := f.engine.TransferToServer(context.Background(), testServer, f.job("16K"))
	assert.Equal(t, KindTransferFailed, KindOf(err))
	assert.NoDirExists(t, "tmp", "local cleanup still runs")
}

func TestStashUploadsArchive(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	stasher := &fakeStasher{}
	f.engine.NewStash = func(_ context.Context, url, profile string) (Stasher, error) {
		assert.Equal(t, "s3://backups/parcel", url)
		assert.Equal(t, "ops", profile)
		return stasher, nil
	}
	job := f.job("16K")
	job.ID = "feedbeef"
	job.StashURL = "s3://backups/parcel"
	job.AWSProfile = "ops"
	require.NoError(t, f.engine.TransferToServer(context.Background(), testServer, job))
	assert.Equal(t, "feedbeef", stasher.jobID)
	assert.Equal(t, "archive.tar.gz", filepath.Base(stasher.path))
	assert.Positive(t, stasher.size)
}

func TestStashFailureAborts(t *testing.T) {
	requireTools(t)
	f := newFixture(t, 100)
	f.engine.NewStash = func(context.Context, string, string) (Stasher, error) {
		return nil, errors.New("no credentials")
	}
	job := f.job("16K")
	job.StashURL = "s3://b"
	err := f.engine.TransferToServer(context.Background(), testServer, job)
	assert.Equal(t, KindStashFailed, KindOf(err))
	assert.Empty(t, f.gw.copies)
	assertNoScratch(t, f)
}

type fakeStasher struct {
	jobID string
	path  string
	size  int64
}

func (s *fakeStasher) Put(_ context.Context, jobID, archivePath string) (string, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return "", err
	}
	s.jobID, s.path, s.size = jobID, archivePath, info.Size()
	return "s3://backups/parcel/" + jobID + "/archive.tar.gz", nil
}

func TestValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	job := f.job("16K")
	job.SourcePath = ""
	assert.Equal(t, KindInvalidArgument, KindOf(f.engine.TransferToServer(ctx, testServer, job)))

	job = f.job("16K")
	job.DestinationPath = " "
	assert.Equal(t, KindInvalidArgument, KindOf(f.engine.TransferToServer(ctx, testServer, job)))

	job = f.job("16 MB")
	assert.Equal(t, KindInvalidSizeFormat, KindOf(f.engine.TransferToServer(ctx, testServer, job)))

	noAuth := testServer
	noAuth.KeyPath = ""
	assert.Equal(t, KindInvalidArgument, KindOf(f.engine.TransferToServer(ctx, noAuth, f.job("16K"))))

	job = f.job("16K")
	job.SourcePath = filepath.Join(t.TempDir(), "missing")
	assert.Equal(t, KindInvalidArgument, KindOf(f.engine.TransferToServer(ctx, testServer, job)))

	job = f.job("16K")
	job.TempDirName = "project/scratch"
	err := f.engine.TransferToServer(ctx, testServer, job)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.ErrorContains(t, err, "collides")

	job = f.job("16K")
	job.ArchiveName = "../evil.tar.gz"
	assert.Equal(t, KindInvalidArgument, KindOf(f.engine.TransferToServer(ctx, testServer, job)))

	for _, dir := range []string{".", "./", "..", "../", "../scratch", "tmp/../../scratch"} {
		job = f.job("16K")
		job.TempDirName = dir
		assert.Equal(t, KindInvalidArgument, KindOf(f.engine.TransferToServer(ctx, testServer, job)), dir)
	}

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.MkdirAll(empty, 0755))
	job = f.job("16K")
	job.SourcePath = empty
	assert.Equal(t, KindInvalidArgument, KindOf(f.engine.TransferToServer(ctx, testServer, job)))

	assert.Empty(t, f.gw.commands, "validation failures never touch the remote")
	assert.Empty(t, f.recorder.records)
}
