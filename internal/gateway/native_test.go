package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/parcel/internal/utils"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshServer is an in-process SSH server that runs exec requests with sh.
type sshServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	accepted atomic.Int32

	mu    sync.Mutex
	conns []*ssh.ServerConn
}

func newSSHServer(t *testing.T) *sshServer {
	t.Helper()
	for _, tool := range []string{"sh", "tar", "cat"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == "tester" && string(password) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(newSigner(t))
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sshServer{listener: listener, config: config}
	t.Cleanup(func() {
		listener.Close()
		s.dropConnections()
	})
	go s.serve()
	return s
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

func (s *sshServer) descriptor() utils.ServerDescriptor {
	port := s.listener.Addr().(*net.TCPAddr).Port
	return utils.ServerDescriptor{Name: "inproc", Host: "127.0.0.1", Port: uint16(port), User: "tester", Password: "secret"}
}

func (s *sshServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *sshServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *sshServer) handle(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	s.accepted.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, sconn)
	s.mu.Unlock()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)
		cmd := exec.Command("sh", "-c", payload.Command)
		cmd.Stdin = ch
		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		var status uint32
		if err := cmd.Run(); err != nil {
			status = 1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				status = uint32(exitErr.ExitCode())
			}
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func newTestNative(t *testing.T) *Native {
	t.Helper()
	n := NewNative()
	n.KnownHostsPath = filepath.Join(t.TempDir(), "ssh", "known_hosts")
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNativeRunCapturesOutputAndExitCode(t *testing.T) {
	s := newSSHServer(t)
	n := newTestNative(t)

	res, err := n.Run(context.Background(), s.descriptor(), "echo hello; echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Error(t, Check(res, err))
}

func TestNativeCopyToPoolsOneConnection(t *testing.T) {
	s := newSSHServer(t)
	n := newTestNative(t)
	server := s.descriptor()
	ctx := context.Background()
	remote := t.TempDir()

	part := filepath.Join(t.TempDir(), "archive.tar.gz.part00")
	require.NoError(t, os.WriteFile(part, []byte("part data"), 0644))
	require.NoError(t, Check(n.CopyTo(ctx, server, part, filepath.Join(remote, "archive.tar.gz.part00"))))
	data, err := os.ReadFile(filepath.Join(remote, "archive.tar.gz.part00"))
	require.NoError(t, err)
	assert.Equal(t, "part data", string(data))

	tree := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "src", "main.go"), []byte("package main\n"), 0644))
	require.NoError(t, Check(n.CopyTo(ctx, server, tree, filepath.Join(remote, "project"))))
	data, err = os.ReadFile(filepath.Join(remote, "project", "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	assert.Equal(t, int32(1), s.accepted.Load())
}

func TestNativeRedialsAfterConnectionLoss(t *testing.T) {
	s := newSSHServer(t)
	n := newTestNative(t)
	server := s.descriptor()
	ctx := context.Background()

	require.NoError(t, Check(n.Run(ctx, server, "true")))
	s.dropConnections()

	res, err := n.Run(ctx, server, "echo back")
	require.NoError(t, Check(res, err))
	assert.Equal(t, "back\n", res.Stdout)
	assert.Equal(t, int32(2), s.accepted.Load())
}

func TestNativeRecordsNewHostKey(t *testing.T) {
	s := newSSHServer(t)
	n := newTestNative(t)
	require.NoError(t, Check(n.Run(context.Background(), s.descriptor(), "true")))

	data, err := os.ReadFile(n.KnownHostsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), knownhosts.Normalize(s.listener.Addr().String()))

	// a second gateway trusts the recorded key without adding it again
	again := NewNative()
	again.KnownHostsPath = n.KnownHostsPath
	t.Cleanup(func() { again.Close() })
	require.NoError(t, Check(again.Run(context.Background(), s.descriptor(), "true")))
	after, err := os.ReadFile(n.KnownHostsPath)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(after))
}

func TestNativeRejectsChangedHostKey(t *testing.T) {
	s := newSSHServer(t)
	n := newTestNative(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(n.KnownHostsPath), 0700))
	line := knownhosts.Line([]string{knownhosts.Normalize(s.listener.Addr().String())}, newSigner(t).PublicKey())
	require.NoError(t, os.WriteFile(n.KnownHostsPath, []byte(line+"\n"), 0600))

	_, err := n.Run(context.Background(), s.descriptor(), "true")
	require.Error(t, err)
	assert.ErrorContains(t, err, "key mismatch")
	assert.Equal(t, int32(0), s.accepted.Load())
}

func TestNativeWrongPassword(t *testing.T) {
	s := newSSHServer(t)
	n := newTestNative(t)
	server := s.descriptor()
	server.Password = "wrong"
	_, err := n.Run(context.Background(), server, "true")
	assert.Error(t, err)
}
