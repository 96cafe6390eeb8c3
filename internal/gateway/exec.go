package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tanq16/parcel/internal/runner"
	"github.com/tanq16/parcel/internal/utils"
)

// Exec drives the system ssh and scp binaries. Password authentication goes
// through sshpass with the secret passed in the environment.
type Exec struct {
	Runner      runner.Runner
	SSHProgram  string
	SCPProgram  string
	PassProgram string
	log         zerolog.Logger
}

func NewExec() *Exec {
	return &Exec{
		Runner:      runner.New(),
		SSHProgram:  "ssh",
		SCPProgram:  "scp",
		PassProgram: "sshpass",
		log:         utils.GetLogger("gateway"),
	}
}

func (e *Exec) commonOptions(server utils.ServerDescriptor) []string {
	opts := []string{
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=20",
		"-o", "ServerAliveInterval=30",
	}
	if server.UsesPassword() {
		opts = append(opts, "-o", "PubkeyAuthentication=no")
	} else {
		opts = append(opts, "-o", "BatchMode=yes", "-i", utils.ExpandHome(server.KeyPath))
	}
	return opts
}

// SSHArgs builds the argument vector for running command on server.
func (e *Exec) SSHArgs(server utils.ServerDescriptor, command string) []string {
	args := []string{"-p", strconv.Itoa(int(server.EffectivePort()))}
	args = append(args, e.commonOptions(server)...)
	args = append(args, fmt.Sprintf("%s@%s", server.User, server.Host), command)
	return args
}

// SCPArgs builds the argument vector for copying localPath to remotePath.
func (e *Exec) SCPArgs(server utils.ServerDescriptor, localPath, remotePath string, recursive bool) []string {
	args := []string{"-q", "-P", strconv.Itoa(int(server.EffectivePort()))}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, e.commonOptions(server)...)
	host := server.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	args = append(args, localPath, fmt.Sprintf("%s@%s:%s", server.User, host, remotePath))
	return args
}

func (e *Exec) invoke(ctx context.Context, server utils.ServerDescriptor, program string, args []string) (*Result, error) {
	var opts []runner.Option
	if server.UsesPassword() {
		args = append([]string{"-e", program}, args...)
		program = e.PassProgram
		opts = append(opts, runner.WithEnvVar("SSHPASS", server.Password))
	}
	res, err := e.Runner.Run(ctx, program, args, opts...)
	if res == nil {
		return nil, err
	}
	out := &Result{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	// a non-zero exit is reported through ExitCode, not as a transport error
	if err != nil && errors.Is(err, runner.ErrNonZeroExit) {
		return out, nil
	}
	return out, err
}

func (e *Exec) Run(ctx context.Context, server utils.ServerDescriptor, command string) (*Result, error) {
	e.log.Debug().Str("server", server.Identity()).Str("command", command).Msg("Running remote command")
	return e.invoke(ctx, server, e.SSHProgram, e.SSHArgs(server, command))
}

func (e *Exec) CopyTo(ctx context.Context, server utils.ServerDescriptor, localPath, remotePath string) (*Result, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("server", server.Identity()).Str("local", localPath).Str("remote", remotePath).Msg("Copying to remote")
	return e.invoke(ctx, server, e.SCPProgram, e.SCPArgs(server, localPath, remotePath, info.IsDir()))
}
