// Package runner executes external programs with captured output, optional
// line streaming, stdin input and extra environment variables.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

var ErrNonZeroExit = errors.New("non-zero exit")

// Result holds the captured streams and exit code of one execution.
// ExitCode is -1 when the program could not be started.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// LineFunc receives one output line. Calls are serialized across both streams.
type LineFunc func(stream, line string)

type Options struct {
	Stdin  io.Reader
	Env    map[string]string
	OnLine LineFunc
}

type Option func(*Options)

func WithStdin(r io.Reader) Option {
	return func(o *Options) {
		o.Stdin = r
	}
}

func WithEnvVar(key, value string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[key] = value
	}
}

// WithLineHandler streams stdout and stderr line by line while still capturing them.
func WithLineHandler(fn LineFunc) Option {
	return func(o *Options) {
		o.OnLine = fn
	}
}

// Runner is the seam used by components that shell out.
type Runner interface {
	Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error)
}

type Exec struct{}

func New() *Exec {
	return &Exec{}
}

// Run executes program and waits for it. A non-zero exit returns the result
// together with an error wrapping ErrNonZeroExit.
func (e *Exec) Run(ctx context.Context, program string, args []string, opts ...Option) (*Result, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	cmd := exec.CommandContext(ctx, program, args...)
	if len(options.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range options.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if options.Stdin != nil {
		cmd.Stdin = options.Stdin
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var err error
	if options.OnLine == nil {
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
		err = cmd.Run()
	} else {
		err = runStreaming(cmd, &stdoutBuf, &stderrBuf, options.OnLine)
	}
	result := &Result{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%s: %w (code %d)", program, ErrNonZeroExit, result.ExitCode)
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", program, err)
	}
}

func runStreaming(cmd *exec.Cmd, stdoutBuf, stderrBuf *bytes.Buffer, onLine LineFunc) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	scan := func(name string, r io.Reader, buf *bytes.Buffer) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			buf.WriteString(line)
			buf.WriteByte('\n')
			onLine(name, line)
			mu.Unlock()
		}
	}
	wg.Add(2)
	go scan("stdout", stdout, stdoutBuf)
	go scan("stderr", stderr, stderrBuf)
	// pipes must be drained before Wait closes them
	wg.Wait()
	return cmd.Wait()
}

// Tail returns at most the last n lines of s, used to keep error messages short.
func Tail(s string, n int) string {
	lines := bytes.Split(bytes.TrimRight([]byte(s), "\n"), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}
