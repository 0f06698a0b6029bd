package reconnect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

// State is a state of the reboot and reconnect protocol.
type State string

// States in the order the protocol moves through them. Reconnected and
// ReconnectFailed are terminal.
const (
	Running         State = "Running"
	RebootIssued    State = "RebootIssued"
	Disconnected    State = "Disconnected"
	Waiting         State = "Waiting"
	Reconnecting    State = "Reconnecting"
	Reconnected     State = "Reconnected"
	ReconnectFailed State = "ReconnectFailed"
)

// RebootCommand is sent with privileges to restart the node.
const RebootCommand = "reboot"

// Options configure a Supervisor.
type Options struct {
	// The node's name in log lines. Defaults to the address.
	Node string
	// Connect dials the node again after the reboot
	Connect types.Connector
	// The options to reconnect with. The credentials are reused from the
	// original connection.
	ConnectOptions *types.ConnectOptions
	// How long to wait for the node to boot before the first reconnect attempt
	Wait time.Duration
	// How many extra attempts to make after the first reconnect fails
	Retries int
	// The delay before the first retry, doubled for each following retry
	Backoff time.Duration
}

// Supervisor reboots a node and rejoins it. A Supervisor is used for a single
// reboot.
type Supervisor struct {
	opts     Options
	log      *log.NodeLogger
	history  []State
	waited   time.Duration
	attempts int
}

// New returns a Supervisor for the node at opts.ConnectOptions.Address.
func New(opts *Options) *Supervisor {
	name := opts.Node
	if name == "" {
		name = opts.ConnectOptions.Address
	}
	return &Supervisor{
		opts:    *opts,
		log:     log.ForNode(name),
		history: []State{Running},
	}
}

// State returns the current state.
func (s *Supervisor) State() State { return s.history[len(s.history)-1] }

// History returns every state the supervisor has been in.
func (s *Supervisor) History() []State {
	out := make([]State, len(s.history))
	copy(out, s.history)
	return out
}

// Waited returns how long the supervisor waited for the node to boot.
func (s *Supervisor) Waited() time.Duration { return s.waited }

// Attempts returns the number of reconnect attempts made.
func (s *Supervisor) Attempts() int { return s.attempts }

func (s *Supervisor) transition(to State) {
	s.log.Debugf("Reboot protocol: %s -> %s", s.State(), to)
	s.history = append(s.history, to)
}

// RebootAndReconnect restarts the node behind sess and returns a new session
// once the node answers again. sess is closed in every case once the reboot
// has been issued.
//
// The reboot command either returns or takes the transport down with it, both
// are expected. A reboot that is refused while the session stays up (e.g. sudo
// rejecting the password) is returned as an error without waiting.
func (s *Supervisor) RebootAndReconnect(ctx context.Context, sess types.Session) (types.Session, error) {
	s.transition(RebootIssued)
	s.log.Info("Rebooting")
	res, err := sess.RunPrivileged(ctx, RebootCommand, s.opts.ConnectOptions.Credentials.Password)
	switch {
	case errors.Is(err, types.ErrUnexpectedDisconnect):
		s.log.Debug("Lost connection to the node as expected:", err)
	case errors.Is(err, types.ErrCommandTimeout):
		s.log.Debug("Reboot command did not return, assuming the node is going down:", err)
	case err != nil:
		return nil, err
	case !res.Succeeded() && res.Signal == "":
		return nil, &types.StepFailure{Command: RebootCommand, ExitStatus: res.ExitStatus, Output: res.Output()}
	}

	s.transition(Disconnected)
	if err := sess.Close(); err != nil {
		s.log.Debug("Error closing the session of the rebooting node:", err)
	}

	s.transition(Waiting)
	s.log.Infof("Waiting %s for the node to boot", s.opts.Wait)
	start := time.Now()
	err = sleep(ctx, s.opts.Wait)
	s.waited = time.Since(start)
	if err != nil {
		s.transition(ReconnectFailed)
		return nil, err
	}

	s.transition(Reconnecting)
	newSess, err := s.reconnect(ctx)
	if err != nil {
		s.transition(ReconnectFailed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s after %d attempt(s): %v: %w", s.opts.ConnectOptions.Address, s.attempts, err, types.ErrReconnectTimeout)
	}
	s.transition(Reconnected)
	s.log.Info("Reconnected")
	return newSess, nil
}

func (s *Supervisor) reconnect(ctx context.Context) (types.Session, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.Backoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.opts.Retries)), ctx)

	var sess types.Session
	op := func() error {
		s.attempts++
		var err error
		sess, err = s.opts.Connect(ctx, s.opts.ConnectOptions)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Warningf("Reconnect attempt %d failed, retrying in %s: %s", s.attempts, next.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return sess, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
