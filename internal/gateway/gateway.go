// Package gateway runs single commands on a remote host and copies local paths to it.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/tanq16/parcel/internal/utils"
)

// Result is what the remote side reported for one operation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Gateway is the remote command and copy primitive the transfer engine builds on.
// Any non-zero ExitCode or non-nil error is a failure.
type Gateway interface {
	Run(ctx context.Context, server utils.ServerDescriptor, command string) (*Result, error)
	// CopyTo copies localPath (file or directory) so that it exists as remotePath.
	CopyTo(ctx context.Context, server utils.ServerDescriptor, localPath, remotePath string) (*Result, error)
}

// New returns the gateway for a transport name: "ssh" uses the ssh/scp binaries,
// "native" uses an in-process SSH client.
func New(transport string) (Gateway, error) {
	switch strings.ToLower(transport) {
	case "", "ssh", "exec":
		return NewExec(), nil
	case "native", "go":
		return NewNative(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (use ssh or native)", transport)
	}
}

// Check folds a result and error into a single error.
func Check(res *Result, err error) error {
	if err != nil {
		if res != nil && strings.TrimSpace(res.Stderr) != "" {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(res.Stderr))
		}
		return err
	}
	if res == nil {
		return fmt.Errorf("no result")
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			return fmt.Errorf("exit code %d", res.ExitCode)
		}
		return fmt.Errorf("exit code %d: %s", res.ExitCode, msg)
	}
	return nil
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Close releases pooled connections when the gateway holds any.
func Close(gw Gateway) error {
	if c, ok := gw.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
