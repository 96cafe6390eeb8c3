package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/tanq16/parcel/internal/gateway"
	"github.com/tanq16/parcel/internal/utils"
)

// MergeCommand concatenates parts inside remoteDir in the given order and checks
// the merged size. Parts are named explicitly so shell glob ordering never matters.
func MergeCommand(remoteDir, archiveName string, parts []utils.Part, expectedSize int64) string {
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = gateway.Quote(p.Name)
	}
	archive := gateway.Quote(archiveName)
	return fmt.Sprintf("cd %s && cat %s > %s && test \"$(wc -c < %s | tr -d ' ')\" -eq %d",
		gateway.Quote(remoteDir), strings.Join(names, " "), archive, archive, expectedSize)
}

// ExtractCommand replaces destination/base with the archive contents.
func ExtractCommand(archivePath, destination, base string) string {
	return fmt.Sprintf("rm -rf %s && mkdir -p %s && tar -xzf %s -C %s",
		gateway.Quote(path.Join(destination, base)),
		gateway.Quote(destination),
		gateway.Quote(archivePath),
		gateway.Quote(destination))
}

func (e *Engine) merge(ctx context.Context, server utils.ServerDescriptor, job utils.TransferJob, parts []utils.Part, size int64) error {
	cmd := MergeCommand(job.RemoteTempDir(), job.ArchiveName, parts, size)
	e.log.Debug().Str("server", server.Identity()).Int("parts", len(parts)).Msg("Merging parts on remote")
	return gateway.Check(e.gw.Run(ctx, server, cmd))
}

func (e *Engine) extract(ctx context.Context, server utils.ServerDescriptor, job utils.TransferJob, base string) error {
	cmd := ExtractCommand(job.RemoteArchivePath(), job.DestinationPath, base)
	e.log.Debug().Str("server", server.Identity()).Str("destination", job.DestinationPath).Msg("Extracting archive on remote")
	return gateway.Check(e.gw.Run(ctx, server, cmd))
}
