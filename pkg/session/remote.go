package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/bramvdbogaerde/go-scp"
	"golang.org/x/crypto/ssh"

	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

// DialTimeout bounds the TCP dial and the SSH handshake.
var DialTimeout = 10 * time.Second

// Dial is a types.Connector that opens a Remote session.
func Dial(ctx context.Context, opts *types.ConnectOptions) (types.Session, error) {
	r, err := Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Connect will connect to a node over SSH with the given options. Errors
// matching types.ErrUnreachable mean nothing answered at the address.
func Connect(ctx context.Context, opts *types.ConnectOptions) (*Remote, error) {
	r := &Remote{opts: *opts, state: types.SessionUnconnected}
	if err := r.dial(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadKey reads and parses the private key at path. Failures are returned as
// a *types.LocalError.
func LoadKey(path string) (ssh.Signer, error) {
	log.Debugf("Loading SSH key from %q", path)
	keyBytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &types.LocalError{Op: "reading ssh key", Err: err}
	}
	key, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, &types.LocalError{Op: "parsing ssh key " + path, Err: err}
	}
	return key, nil
}

// Remote is a Session over SSH.
type Remote struct {
	opts   types.ConnectOptions
	client *ssh.Client
	state  types.SessionState
}

// Address returns the address of the remote host.
func (r *Remote) Address() string { return r.opts.Address }

// State returns the current connection state.
func (r *Remote) State() types.SessionState { return r.state }

func (r *Remote) dial(ctx context.Context) error {
	creds := r.opts.Credentials
	log.Debug("Using SSH user:", creds.Username)
	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            make([]ssh.AuthMethod, 0),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: pin host keys once the roster can carry them
		Timeout:         DialTimeout,
	}
	if r.opts.Signer != nil {
		config.Auth = append(config.Auth, ssh.PublicKeys(r.opts.Signer))
	}
	config.Auth = append(config.Auth,
		ssh.Password(creds.Password),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for idx := range questions {
				answers[idx] = creds.Password
			}
			return answers, nil
		}),
	)

	port := r.opts.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(r.opts.Address, strconv.Itoa(port))
	log.Debugf("Creating SSH connection with %s over TCP", addr)

	dialer := &net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isUnreachable(err) {
			return fmt.Errorf("%s: %w: %v", addr, types.ErrUnreachable, err)
		}
		return &types.ConnectionError{Address: addr, Err: err}
	}

	// the handshake has no timeout of its own when dialing manually
	if err := conn.SetDeadline(time.Now().Add(DialTimeout)); err != nil {
		conn.Close()
		return &types.ConnectionError{Address: addr, Err: err}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return &types.ConnectionError{Address: addr, Err: err}
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return &types.ConnectionError{Address: addr, Err: err}
	}

	r.client = ssh.NewClient(c, chans, reqs)
	r.state = types.SessionConnected
	return nil
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Run executes a command without privileges. The context is only consulted
// before the command starts, remote commands are never interrupted.
func (r *Remote) Run(ctx context.Context, command string) (*types.CommandResult, error) {
	return r.execute(ctx, command, command, false, "")
}

// RunPrivileged executes the command through sudo on a pseudo-terminal. After
// PromptDelay the password is written to the terminal whether or not a prompt
// appeared. If sudo does not prompt, the password line is delivered to the
// command's stdin instead. The terminal is allocated even for an empty
// password, in which case only the newline is written.
func (r *Remote) RunPrivileged(ctx context.Context, command, password string) (*types.CommandResult, error) {
	return r.execute(ctx, command, "sudo sh -c "+ShellQuote(command), true, password)
}

func (r *Remote) execute(ctx context.Context, command, wireCmd string, privileged bool, password string) (*types.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.state != types.SessionConnected {
		return nil, types.ErrSessionNotConnected
	}

	sess, err := r.client.NewSession()
	if err != nil {
		return nil, r.lost(command, err)
	}
	defer sess.Close()

	res := &types.CommandResult{Command: command}
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	var stdin io.WriteCloser
	if privileged {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm", 40, 80, modes); err != nil {
			return nil, r.lost(command, err)
		}
		if stdin, err = sess.StdinPipe(); err != nil {
			return nil, r.lost(command, err)
		}
	}

	log.Debugf("Running command on %s: %s", r.opts.Address, log.Redact(wireCmd, password))
	if err := sess.Start(wireCmd); err != nil {
		return nil, r.lost(command, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var timeout <-chan time.Time
	if r.opts.CommandTimeout > 0 {
		timer := time.NewTimer(r.opts.CommandTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	waited := false
	if privileged {
		select {
		case waitErr = <-done:
			waited = true
		case <-timeout:
			sess.Close()
			return nil, r.timedOut(command)
		case <-time.After(r.opts.PromptDelay):
			if _, err := io.WriteString(stdin, password+"\n"); err != nil {
				log.Debugf("Could not answer the sudo prompt on %s: %s", r.opts.Address, err)
			}
		}
	}

	if !waited {
		select {
		case waitErr = <-done:
		case <-timeout:
			sess.Close()
			return nil, r.timedOut(command)
		}
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if waitErr == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		res.Signal = exitErr.Signal()
		return res, nil
	}
	return res, r.lost(command, waitErr)
}

func (r *Remote) timedOut(command string) error {
	return fmt.Errorf("%q on %s after %s: %w", command, r.opts.Address, r.opts.CommandTimeout, types.ErrCommandTimeout)
}

func (r *Remote) lost(command string, err error) error {
	r.state = types.SessionFailed
	return fmt.Errorf("%q on %s: %v: %w", command, r.opts.Address, err, types.ErrUnexpectedDisconnect)
}

// Download writes the contents of the remote file to w over SCP.
func (r *Remote) Download(ctx context.Context, remotePath string, w io.Writer) error {
	if r.state != types.SessionConnected {
		return types.ErrSessionNotConnected
	}
	// the scp client's Close would take the shared ssh client down with it
	scpClient, err := scp.NewClientBySSH(r.client)
	if err != nil {
		return r.lost("scp "+remotePath, err)
	}
	log.Debugf("Copying %q from %s", remotePath, r.opts.Address)
	return scpClient.CopyFromRemotePassThru(ctx, w, remotePath, nil)
}

// Close closes the connection to the node. It is a no-op on a session that
// was never connected or is already closed.
func (r *Remote) Close() error {
	if r.client == nil {
		return nil
	}
	log.Debugf("Closing connection to remote %s", r.opts.Address)
	err := r.client.Close()
	r.client = nil
	r.state = types.SessionUnconnected
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
