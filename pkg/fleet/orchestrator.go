package fleet

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/provision"
	"github.com/tinyzimmer/k3pi/pkg/session"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

// Options configure an Orchestrator.
type Options struct {
	// The roster, with roles assigned. See types.AssignRoles.
	Nodes []types.NodeIdentity
	// The password shared by every node
	Password string
	// Provisioning constants
	Config *types.ProvisionConfig
	// Connect dials nodes. Tests substitute a mock.
	Connect types.Connector
}

// Orchestrator provisions a roster of nodes one after the other. Node failures
// are recorded per node and never stop the run. Local failures do.
type Orchestrator struct {
	opts   Options
	signer ssh.Signer
}

// New returns an Orchestrator for the given options.
func New(opts *Options) *Orchestrator {
	return &Orchestrator{opts: *opts}
}

// Run provisions every node in roster order and returns one record per node in
// the same order. Cancellation is checked between nodes and between steps.
// Nodes that were not started because of a cancellation are recorded as failed.
//
// A *types.LocalError stops the run. It is returned along with the records of
// the nodes handled so far, and no further node is attempted.
func (o *Orchestrator) Run(ctx context.Context) ([]types.NodeRecord, error) {
	if keyFile := o.opts.Config.SSHKeyFile; keyFile != "" {
		signer, err := session.LoadKey(keyFile)
		if err != nil {
			log.Error("Cannot provision any node:", err)
			return nil, err
		}
		o.signer = signer
	}

	records := make([]types.NodeRecord, 0, len(o.opts.Nodes))
	for idx, node := range o.opts.Nodes {
		if err := ctx.Err(); err != nil {
			log.Warningf("Provisioning cancelled, %d node(s) not started", len(o.opts.Nodes)-idx)
			for _, rest := range o.opts.Nodes[idx:] {
				records = append(records, failed(rest, types.StepConnect, err, nil, 0))
			}
			break
		}
		log.Infof("Provisioning node %d/%d (%s - %s)", idx+1, len(o.opts.Nodes), node, node.Role)
		record, err := o.provisionNode(ctx, node)
		log.Info("Finished", record)
		records = append(records, record)
		if err != nil {
			log.Errorf("Stopping after %s, the remaining %d node(s) were not attempted", node.Name, len(o.opts.Nodes)-idx-1)
			return records, err
		}
	}
	return records, nil
}

func (o *Orchestrator) connectOptions(node types.NodeIdentity) *types.ConnectOptions {
	return &types.ConnectOptions{
		Credentials:    types.Credentials{Username: node.Username, Password: o.opts.Password},
		Address:        node.Address,
		Signer:         o.signer,
		Port:           o.opts.Config.SSHPort,
		CommandTimeout: o.opts.Config.CommandTimeout.Std(),
		PromptDelay:    o.opts.Config.PrivilegePromptDelay.Std(),
	}
}

// provisionNode returns the node's record, and an error only for failures that
// must stop the run.
func (o *Orchestrator) provisionNode(ctx context.Context, node types.NodeIdentity) (types.NodeRecord, error) {
	start := time.Now()
	connectOpts := o.connectOptions(node)

	log.Infof("Connecting to target node %s", node.Address)
	sess, err := o.opts.Connect(ctx, connectOpts)
	if err != nil {
		if errors.Is(err, types.ErrUnreachable) {
			log.Warningf("Could not connect to the host %s - will be skipped", node.Address)
			return types.NodeRecord{Node: node, State: types.NodeSkippedUnreachable, Duration: time.Since(start)}, nil
		}
		log.Errorf("Could not connect to the host %s: %s", node.Address, err)
		record := failed(node, types.StepConnect, err, nil, time.Since(start))
		var localErr *types.LocalError
		if errors.As(err, &localErr) {
			return record, localErr
		}
		return record, nil
	}

	prov, err := provision.New(sess, &provision.Options{
		Node:           node,
		Config:         o.opts.Config,
		Connect:        o.opts.Connect,
		ConnectOptions: connectOpts,
	})
	if err != nil {
		sess.Close()
		return failed(node, types.StepConnect, err, nil, time.Since(start)), nil
	}
	defer func() {
		if err := prov.Close(); err != nil {
			log.Debugf("Error closing connection to %s: %s", node.Address, err)
		}
	}()

	if err := prov.Run(ctx); err != nil {
		step := types.StepConnect
		var stepErr *provision.StepError
		if errors.As(err, &stepErr) {
			step, err = stepErr.Step, stepErr.Err
		}
		return failed(node, step, err, prov.Completed(), time.Since(start)), nil
	}
	return types.NodeRecord{
		Node:     node,
		State:    types.NodeProvisioned,
		Steps:    prov.Completed(),
		Duration: time.Since(start),
	}, nil
}

func failed(node types.NodeIdentity, step types.StepName, err error, steps []types.StepName, d time.Duration) types.NodeRecord {
	return types.NodeRecord{
		Node:       node,
		State:      types.NodeFailed,
		FailedStep: step,
		Reason:     err.Error(),
		Steps:      steps,
		Duration:   d,
	}
}
