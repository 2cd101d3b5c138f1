// Package remote runs commands and copies files on fleet machines over SSH.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/tutu-network/gpugov/internal/domain"
)

// Options configures the SSH channel.
type Options struct {
	User           string
	Port           int
	KeysDir        string
	DefaultKey     string
	ConnectTimeout time.Duration
}

// Runner implements domain.RemoteRunner with golang.org/x/crypto/ssh.
// Host keys are not verified: fleet machines are ephemeral and their
// addresses are recycled by the provider.
type Runner struct {
	opts Options
	keys KeyFinder
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ domain.RemoteRunner = (*Runner)(nil)

// NewRunner creates an SSH runner.
func NewRunner(opts Options) *Runner {
	if opts.User == "" {
		opts.User = "ubuntu"
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	d := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &Runner{
		opts: opts,
		keys: KeyFinder{Dir: opts.KeysDir, DefaultKey: opts.DefaultKey},
		dial: d.DialContext,
	}
}

// KeyPath returns the identity file used for a machine, "" if none.
func (r *Runner) KeyPath(m *domain.Machine) string {
	return r.keys.Find(m.SSHKeys)
}

// Run executes command and returns its exit code and trimmed stdout. A
// non-zero exit is reported through the code, not the error.
func (r *Runner) Run(ctx context.Context, m *domain.Machine, command string, timeout time.Duration) (int, string, error) {
	var stdout, stderr bytes.Buffer
	code, err := r.session(ctx, m, timeout, func(s *ssh.Session) error {
		s.Stdout = &stdout
		s.Stderr = &stderr
		return s.Run(command)
	})
	if err != nil {
		return code, strings.TrimSpace(stderr.String()), err
	}
	out := strings.TrimSpace(stdout.String())
	if code != 0 && out == "" {
		out = strings.TrimSpace(stderr.String())
	}
	return code, out, nil
}

// CopyFile streams a local file to remotePath and makes it executable.
func (r *Runner) CopyFile(ctx context.Context, m *domain.Machine, localPath, remotePath string, timeout time.Duration) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "read %s", localPath)
	}
	var stderr bytes.Buffer
	code, err := r.session(ctx, m, timeout, func(s *ssh.Session) error {
		s.Stdin = bytes.NewReader(data)
		s.Stderr = &stderr
		q := shellQuote(remotePath)
		return s.Run("cat > " + q + " && chmod +x " + q)
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("copy to %s exited %d: %s", remotePath, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// session dials the machine, runs fn in a fresh session, and enforces the
// timeout by tearing the connection down.
func (r *Runner) session(ctx context.Context, m *domain.Machine, timeout time.Duration, fn func(*ssh.Session) error) (int, error) {
	if m.IP == "" {
		return -1, domain.ErrNoAddress
	}
	keyPath := r.KeyPath(m)
	if keyPath == "" {
		return -1, domain.ErrNoIdentity
	}
	cfg, err := r.clientConfig(keyPath)
	if err != nil {
		return -1, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(m.IP, fmt.Sprint(r.opts.Port))
	conn, err := r.dial(ctx, "tcp", addr)
	if err != nil {
		return -1, errors.Wrapf(err, "dial %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return -1, errors.Wrapf(err, "ssh handshake %s", addr)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return -1, errors.Wrap(err, "new session")
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- fn(sess) }()

	select {
	case <-ctx.Done():
		client.Close()
		return -1, errors.Wrapf(domain.ErrRemoteTimeout, "%s after %s", m.DisplayName(), timeout)
	case err := <-done:
		return exitCode(err)
	}
}

func (r *Runner) clientConfig(keyPath string) (*ssh.ClientConfig, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read identity %s", keyPath)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, errors.Wrapf(err, "parse identity %s", keyPath)
	}
	return &ssh.ClientConfig{
		User:            r.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.opts.ConnectTimeout,
	}, nil
}

// exitCode separates a remote non-zero exit from a transport failure.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
