package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/reconnect"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

// StepError is returned by Run when a step could not complete.
type StepError struct {
	Step types.StepName
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %s", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Options are options for provisioning a single node.
type Options struct {
	// The node to provision. Its role selects the step sequence.
	Node types.NodeIdentity
	// Provisioning constants
	Config *types.ProvisionConfig
	// Connect is used to rejoin the node after it reboots
	Connect types.Connector
	// The options the current session was opened with
	ConnectOptions *types.ConnectOptions
}

// Provisioner runs the step sequence for one node's role over a session it
// owns. The session may be replaced during the sequence when the node reboots.
type Provisioner struct {
	node        types.NodeIdentity
	cfg         *types.ProvisionConfig
	connect     types.Connector
	connectOpts *types.ConnectOptions
	sess        types.Session
	steps       []Step
	log         *log.NodeLogger

	current    types.StepName
	completed  []types.StepName
	supervisor *reconnect.Supervisor
}

// New returns a Provisioner for opts.Node that takes ownership of sess.
func New(sess types.Session, opts *Options) (*Provisioner, error) {
	if sess == nil || sess.State() != types.SessionConnected {
		return nil, types.ErrSessionNotConnected
	}
	steps, err := StepsFor(opts.Node.Role)
	if err != nil {
		return nil, err
	}
	return &Provisioner{
		node:        opts.Node,
		cfg:         opts.Config,
		connect:     opts.Connect,
		connectOpts: opts.ConnectOptions,
		sess:        sess,
		steps:       steps,
		log:         log.ForNode(opts.Node.Name),
	}, nil
}

// Session returns the session currently in use.
func (p *Provisioner) Session() types.Session { return p.sess }

// Completed returns the steps that completed, in order.
func (p *Provisioner) Completed() []types.StepName {
	out := make([]types.StepName, len(p.completed))
	copy(out, p.completed)
	return out
}

// Supervisor returns the supervisor of the last reboot, if any.
func (p *Provisioner) Supervisor() *reconnect.Supervisor { return p.supervisor }

// Close releases the current session.
func (p *Provisioner) Close() error { return p.sess.Close() }

// Run executes every step in order. The first failing step aborts the rest and
// is returned as a *StepError. Cancellation is checked between steps.
func (p *Provisioner) Run(ctx context.Context) error {
	for _, step := range p.steps {
		p.current = step.Name
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name, Err: err}
		}
		if step.Applied != nil {
			applied, err := step.Applied(ctx, p)
			if err != nil {
				return &StepError{Step: step.Name, Err: err}
			}
			if applied {
				p.log.Infof("%s already applied, skipping", step.Name)
				p.completed = append(p.completed, step.Name)
				continue
			}
		}
		p.log.Infof("Running %s", step.Name)
		if err := step.Apply(ctx, p); err != nil {
			p.log.Errorf("%s failed: %s", step.Name, err)
			return &StepError{Step: step.Name, Err: err}
		}
		p.completed = append(p.completed, step.Name)
	}
	p.log.Info("Provisioning complete")
	return nil
}

// query runs a command whose exit status the caller interprets.
func (p *Provisioner) query(ctx context.Context, cmd string) (*types.CommandResult, error) {
	p.log.Debug("Running:", cmd)
	return p.sess.Run(ctx, cmd)
}

// run runs a command that must succeed.
func (p *Provisioner) run(ctx context.Context, cmd string) (*types.CommandResult, error) {
	res, err := p.query(ctx, cmd)
	return res, p.check(res, err)
}

// sudo runs a privileged command that must succeed.
func (p *Provisioner) sudo(ctx context.Context, cmd string) (*types.CommandResult, error) {
	p.log.Debug("Running with privileges:", cmd)
	res, err := p.sess.RunPrivileged(ctx, cmd, p.connectOpts.Credentials.Password)
	return res, p.check(res, err)
}

func (p *Provisioner) check(res *types.CommandResult, err error) error {
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return p.failure(res)
	}
	return nil
}

func (p *Provisioner) failure(res *types.CommandResult) error {
	return &types.StepFailure{
		Step:       p.current,
		Command:    res.Command,
		ExitStatus: res.ExitStatus,
		Output:     log.Redact(res.Output(), p.connectOpts.Credentials.Password),
	}
}

// fileContains greps file for pattern. A missing file is a failure.
func (p *Provisioner) fileContains(ctx context.Context, file, pattern string) (bool, error) {
	res, err := p.query(ctx, grepCommand(pattern, file))
	if err != nil {
		return false, err
	}
	switch res.ExitStatus {
	case 0:
		return strings.TrimSpace(res.Stdout) != "", nil
	case 1:
		return false, nil
	default:
		return false, p.failure(res)
	}
}

func nonEmptyLines(s string) []string {
	out := make([]string, 0)
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
