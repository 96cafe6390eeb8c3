package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerDescriptorValidate(t *testing.T) {
	base := ServerDescriptor{Host: "10.0.0.5", User: "deploy"}

	withKey := base
	withKey.KeyPath = "~/.ssh/id_ed25519"
	assert.NoError(t, withKey.Validate())

	withPassword := base
	withPassword.Password = "hunter2"
	assert.NoError(t, withPassword.Validate())

	assert.Error(t, base.Validate(), "no auth method")

	both := withKey
	both.Password = "hunter2"
	assert.Error(t, both.Validate(), "two auth methods")

	noHost := withKey
	noHost.Host = ""
	assert.Error(t, noHost.Validate())
}

func TestServerIdentityHidesCredentials(t *testing.T) {
	s := ServerDescriptor{Host: "example.org", User: "ops", Password: "secret"}
	assert.Equal(t, "ops@example.org:22", s.Identity())
	assert.NotContains(t, s.Identity(), "secret")
	s.Port = 2222
	assert.Equal(t, "ops@example.org:2222", s.Identity())
}

func TestTransferJobPaths(t *testing.T) {
	job := TransferJob{
		ID:              "abcd1234",
		DestinationPath: "/srv/data",
		TempDirName:     "tmp/archives/",
		ArchiveName:     "archive.tar.gz",
	}
	assert.Equal(t, "/srv/data/tmp/archives/abcd1234", job.RemoteTempDir())
	assert.Equal(t, "/srv/data/tmp/archives/abcd1234/archive.tar.gz", job.RemoteArchivePath())
	assert.Equal(t, "tmp/archives/abcd1234/archive.tar.gz", job.LocalArchivePath())
}

func TestScratchIDShortensJobID(t *testing.T) {
	job := TransferJob{ID: "9f86d081-884c-4d63-a9b5-0e1f2c3d4e5f", DestinationPath: "/srv", TempDirName: "tmp"}
	assert.Equal(t, "9f86d081", job.ScratchID())
	assert.Equal(t, "/srv/tmp/9f86d081", job.RemoteTempDir())
	assert.Equal(t, "tmp/9f86d081", job.LocalTempDir())
}
