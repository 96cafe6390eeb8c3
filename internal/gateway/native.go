package gateway

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/parcel/internal/utils"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SO_RCVBUF and SO_SNDBUF for in-process SSH connections.
const socketBufferSize = 4 * 1024 * 1024

// Native talks SSH in-process. Connections are pooled per server identity so
// concurrent part copies multiplex sessions over one TCP connection.
type Native struct {
	KnownHostsPath string
	Timeout        time.Duration

	mu      sync.Mutex
	clients map[string]*ssh.Client
	hostsMu sync.Mutex
	log     zerolog.Logger
}

func NewNative() *Native {
	return &Native{
		KnownHostsPath: utils.ExpandHome("~/.ssh/known_hosts"),
		Timeout:        20 * time.Second,
		clients:        make(map[string]*ssh.Client),
		log:            utils.GetLogger("gateway-native"),
	}
}

// hostKeyCallback verifies against known_hosts and records hosts seen for the
// first time, the way ssh does with StrictHostKeyChecking=accept-new. A changed
// key is always rejected.
func (n *Native) hostKeyCallback() ssh.HostKeyCallback {
	if n.KnownHostsPath == "" {
		n.log.Warn().Msg("No known_hosts file configured, host keys will not be verified")
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		n.hostsMu.Lock()
		defer n.hostsMu.Unlock()
		if _, err := os.Stat(n.KnownHostsPath); err == nil {
			check, err := knownhosts.New(n.KnownHostsPath)
			if err != nil {
				return fmt.Errorf("error parsing %s: %w", n.KnownHostsPath, err)
			}
			err = check(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				return err
			}
		}
		return n.addKnownHost(hostname, key)
	}
}

func (n *Native) addKnownHost(hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(n.KnownHostsPath), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(n.KnownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("error updating known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)); err != nil {
		return fmt.Errorf("error updating known_hosts: %w", err)
	}
	n.log.Warn().Str("host", hostname).Str("fingerprint", ssh.FingerprintSHA256(key)).Str("file", n.KnownHostsPath).Msg("Added new host key to known_hosts")
	return nil
}

func authMethods(server utils.ServerDescriptor) ([]ssh.AuthMethod, error) {
	if server.UsesPassword() {
		password := server.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	}
	key, err := os.ReadFile(utils.ExpandHome(server.KeyPath))
	if err != nil {
		return nil, fmt.Errorf("error reading private key: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("error parsing private key: %v", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (n *Native) client(server utils.ServerDescriptor) (*ssh.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[server.Identity()]; ok {
		return c, nil
	}
	auth, err := authMethods(server)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            server.User,
		Auth:            auth,
		HostKeyCallback: n.hostKeyCallback(),
		Timeout:         n.Timeout,
	}
	addr := net.JoinHostPort(server.Host, strconv.Itoa(int(server.EffectivePort())))
	dialer := net.Dialer{
		Timeout: n.Timeout,
		Control: func(_, _ string, raw syscall.RawConn) error {
			return raw.Control(setSocketOptions)
		},
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", server.Identity(), err)
	}
	conn.SetDeadline(time.Now().Add(n.Timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error connecting to %s: %w", server.Identity(), err)
	}
	conn.SetDeadline(time.Time{})
	c := ssh.NewClient(sshConn, chans, reqs)
	n.log.Debug().Str("server", server.Identity()).Msg("SSH connection established")
	n.clients[server.Identity()] = c
	go func() {
		c.Wait()
		n.evict(server.Identity(), c)
	}()
	return c, nil
}

// evict drops c from the pool if it is still the pooled client for id.
func (n *Native) evict(id string, c *ssh.Client) {
	n.mu.Lock()
	if n.clients[id] == c {
		delete(n.clients, id)
	}
	n.mu.Unlock()
	c.Close()
}

// session opens a session on the pooled connection. A connection that fails for
// any reason other than the server refusing the channel is dropped and dialed
// again once.
func (n *Native) session(server utils.ServerDescriptor) (*ssh.Session, error) {
	c, err := n.client(server)
	if err != nil {
		return nil, err
	}
	session, err := c.NewSession()
	if err == nil {
		return session, nil
	}
	var refused *ssh.OpenChannelError
	if errors.As(err, &refused) {
		return nil, fmt.Errorf("error opening session: %w", err)
	}
	n.log.Debug().Err(err).Str("server", server.Identity()).Msg("Pooled connection lost, redialing")
	n.evict(server.Identity(), c)
	if c, err = n.client(server); err != nil {
		return nil, err
	}
	if session, err = c.NewSession(); err != nil {
		return nil, fmt.Errorf("error opening session: %w", err)
	}
	return session, nil
}

// exec runs command in a fresh session, feeding stdin through the optional writer func.
func (n *Native) exec(ctx context.Context, server utils.ServerDescriptor, command string, feed func(io.Writer) error) (*Result, error) {
	session, err := n.session(server)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	var stdin io.WriteCloser
	if feed != nil {
		if stdin, err = session.StdinPipe(); err != nil {
			return nil, err
		}
	}
	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("error starting remote command: %w", err)
	}
	feedErr := make(chan error, 1)
	if feed != nil {
		go func() {
			err := feed(stdin)
			stdin.Close()
			feedErr <- err
		}()
	} else {
		feedErr <- nil
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, ctx.Err()
	}
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err := <-feedErr; err != nil {
		return result, fmt.Errorf("error streaming input: %w", err)
	}
	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		result.ExitCode = -1
		return result, waitErr
	}
	return result, nil
}

func (n *Native) Run(ctx context.Context, server utils.ServerDescriptor, command string) (*Result, error) {
	n.log.Debug().Str("server", server.Identity()).Str("command", command).Msg("Running remote command")
	return n.exec(ctx, server, command, nil)
}

// CopyTo streams a file into cat, or a directory as a tar stream into tar on the remote side.
func (n *Native) CopyTo(ctx context.Context, server utils.ServerDescriptor, localPath, remotePath string) (*Result, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	n.log.Debug().Str("server", server.Identity()).Str("local", localPath).Str("remote", remotePath).Msg("Copying to remote")
	if !info.IsDir() {
		return n.exec(ctx, server, "cat > "+Quote(remotePath), func(w io.Writer) error {
			f, err := os.Open(localPath)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		})
	}
	command := fmt.Sprintf("mkdir -p %s && tar -xf - -C %s", Quote(remotePath), Quote(remotePath))
	return n.exec(ctx, server, command, func(w io.Writer) error {
		return writeTree(w, localPath)
	})
}

// writeTree writes the contents of root (not root itself) as a tar stream.
func writeTree(w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	for id, c := range n.clients {
		delete(n.clients, id)
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
