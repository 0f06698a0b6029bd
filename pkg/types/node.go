package types

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// NodeRole represents the different roles a machine can take in the cluster
type NodeRole string

const (
	// NodeRoleController is the single node that runs the k3s server and
	// the cluster add-ons.
	NodeRoleController NodeRole = "controller"
	// NodeRoleWorker is a node that only runs workloads.
	NodeRoleWorker NodeRole = "worker"
)

// NodeIdentity identifies a single machine in the roster. It should be treated
// as immutable once constructed.
type NodeIdentity struct {
	// The user to log into the node as. Its home directory receives the kubeconfig.
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	// A display name for the node
	Name string `json:"name" yaml:"name"`
	// The network address of the node
	Address string `json:"address" yaml:"address"`
	// An optional role. When empty the first node in the roster is the controller.
	Role NodeRole `json:"role,omitempty" yaml:"role,omitempty"`
}

func (n NodeIdentity) String() string {
	return fmt.Sprintf("IP: %s, name: %s", n.Address, n.Name)
}

// HomeDir returns the home directory of the node's user.
func (n NodeIdentity) HomeDir() string {
	return fmt.Sprintf("/home/%s", n.Username)
}

// Credentials are the username and password used for SSH authentication and
// privilege escalation.
type Credentials struct {
	Username string
	Password string
}

// ConnectOptions are options for configuring a connection to a remote node.
type ConnectOptions struct {
	// Credentials to authenticate with. The password is also used for sudo.
	Credentials Credentials
	// An optional private key to try before the password. See session.LoadKey.
	Signer ssh.Signer
	// The address of the node
	Address string
	// The port to use for the SSH connection
	Port int
	// CommandTimeout bounds every command run over the session. Zero disables it.
	CommandTimeout time.Duration
	// PromptDelay is how long to wait for the sudo prompt before writing the password.
	PromptDelay time.Duration
}

// AssignRoles returns a copy of the roster with every node assigned a role.
// Nodes with an explicit role keep it. Otherwise the first node is the controller
// when no node claims that role, and the rest are workers.
func AssignRoles(roster []NodeIdentity) ([]NodeIdentity, error) {
	out := make([]NodeIdentity, len(roster))
	copy(out, roster)
	controllers := 0
	for _, n := range out {
		switch n.Role {
		case NodeRoleController:
			controllers++
		case NodeRoleWorker, "":
		default:
			return nil, fmt.Errorf("node %q has an invalid role %q", n.Name, n.Role)
		}
	}
	if controllers > 1 {
		return nil, fmt.Errorf("only one controller node is supported, found %d", controllers)
	}
	for idx := range out {
		if out[idx].Role != "" {
			continue
		}
		if idx == 0 && controllers == 0 {
			out[idx].Role = NodeRoleController
			continue
		}
		out[idx].Role = NodeRoleWorker
	}
	return out, nil
}
