package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that reads and writes as a string (e.g. "60s")
// in both yaml and json.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// BootConfigEdit is a flag that must be present in a boot configuration file,
// and the command that inserts it. The command runs against a copy of the file
// in the user's home directory.
type BootConfigEdit struct {
	// The name of the file inside the boot config directory
	File string `json:"file" yaml:"file"`
	// The flag to grep for
	Flag string `json:"flag" yaml:"flag"`
	// The shell command that inserts the flag
	Insert string `json:"insert" yaml:"insert"`
}

// ChartRepository is a helm chart repository added on the controller.
type ChartRepository struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// ProvisionConfig holds the roster and every constant the provisioning steps
// depend on.
type ProvisionConfig struct {
	// The nodes to provision, in order
	Nodes []NodeIdentity `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	// The user to SSH as when a node does not set one
	SSHUser string `json:"sshUser" yaml:"sshUser"`
	// The SSH port
	SSHPort int `json:"sshPort" yaml:"sshPort"`
	// An optional private key for SSH authentication. The password is still
	// needed for sudo.
	SSHKeyFile string `json:"sshKeyFile,omitempty" yaml:"sshKeyFile,omitempty"`

	// The directory holding the boot configuration files
	BootConfigDir string `json:"bootConfigDir" yaml:"bootConfigDir"`
	// The flags to ensure in the boot configuration files
	BootConfigEdits []BootConfigEdit `json:"bootConfigEdits" yaml:"bootConfigEdits"`
	// The extra kernel modules package to install
	KernelModulesPackage string `json:"kernelModulesPackage" yaml:"kernelModulesPackage"`

	// How long to wait for a node to boot before reconnecting
	RebootWait Duration `json:"rebootWait" yaml:"rebootWait"`
	// How many extra reconnect attempts to make after the first one fails
	ReconnectRetries int `json:"reconnectRetries" yaml:"reconnectRetries"`
	// The initial delay between reconnect attempts, doubled for each retry
	ReconnectBackoff Duration `json:"reconnectBackoff" yaml:"reconnectBackoff"`
	// How long to wait for the sudo password prompt before answering it. This
	// is a heuristic: the prompt is never detected, only waited for.
	PrivilegePromptDelay Duration `json:"privilegePromptDelay" yaml:"privilegePromptDelay"`
	// An optional limit on every remote command
	CommandTimeout Duration `json:"commandTimeout,omitempty" yaml:"commandTimeout,omitempty"`

	// The k3s install script
	K3sInstallURL string `json:"k3sInstallURL" yaml:"k3sInstallURL"`
	// The pinned k3s version
	K3sVersion string `json:"k3sVersion" yaml:"k3sVersion"`
	// The mode k3s writes its kubeconfig with
	K3sKubeconfigMode string `json:"k3sKubeconfigMode" yaml:"k3sKubeconfigMode"`
	// Where k3s writes its kubeconfig on the controller
	K3sKubeconfigPath string `json:"k3sKubeconfigPath" yaml:"k3sKubeconfigPath"`

	// The helm install script
	HelmInstallURL string `json:"helmInstallURL" yaml:"helmInstallURL"`
	// Chart repositories to add on the controller
	ChartRepositories []ChartRepository `json:"chartRepositories" yaml:"chartRepositories"`
	// Namespaces to create on the controller
	Namespaces []string `json:"namespaces" yaml:"namespaces"`

	// The cert-manager CRD manifest
	CertManagerCRDURL string `json:"certManagerCRDURL" yaml:"certManagerCRDURL"`
	// The cert-manager chart reference
	CertManagerChart string `json:"certManagerChart" yaml:"certManagerChart"`
	// The namespace cert-manager is installed into
	CertManagerNamespace string `json:"certManagerNamespace" yaml:"certManagerNamespace"`

	// When set, the controller's final kubeconfig is downloaded to this path
	KubeconfigOutput string `json:"kubeconfigOutput,omitempty" yaml:"kubeconfigOutput,omitempty"`
}

// Default returns a ProvisionConfig for Raspberry Pis running Ubuntu.
func Default() *ProvisionConfig {
	return &ProvisionConfig{
		SSHUser:       "rpi",
		SSHPort:       22,
		BootConfigDir: "/boot/firmware",
		BootConfigEdits: []BootConfigEdit{
			{
				File:   "config.txt",
				Flag:   "arm_64bit=1",
				Insert: "echo 'arm_64bit=1' | tee -a config.txt",
			},
			{
				File:   "cmdline.txt",
				Flag:   "cgroup_enable=memory",
				Insert: "echo $(cat cmdline.txt) cgroup_memory=1 cgroup_enable=memory > cmdline.txt",
			},
		},
		KernelModulesPackage: "linux-modules-extra-raspi",
		RebootWait:           Duration(60 * time.Second),
		ReconnectRetries:     0,
		ReconnectBackoff:     Duration(10 * time.Second),
		PrivilegePromptDelay: Duration(time.Second),
		K3sInstallURL:        "https://get.k3s.io",
		K3sVersion:           "v1.24.9+k3s1",
		K3sKubeconfigMode:    "644",
		K3sKubeconfigPath:    "/etc/rancher/k3s/k3s.yaml",
		HelmInstallURL:       "https://raw.githubusercontent.com/helm/helm/master/scripts/get-helm-3",
		ChartRepositories: []ChartRepository{
			{Name: "rancher-latest", URL: "https://releases.rancher.com/server-charts/latest"},
			{Name: "jetstack", URL: "https://charts.jetstack.io"},
		},
		Namespaces:           []string{"cattle-system", "cert-manager"},
		CertManagerCRDURL:    "https://github.com/jetstack/cert-manager/releases/download/v1.2.0-alpha.2/cert-manager.crds.yaml",
		CertManagerChart:     "jetstack/cert-manager",
		CertManagerNamespace: "cert-manager",
	}
}

// ConfigFromFile reads a yaml or json configuration on top of the defaults.
// Values missing from the file keep their default, unknown fields are an error.
func ConfigFromFile(path string) (*ProvisionConfig, error) {
	body, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if strings.HasSuffix(path, ".json") {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	} else if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.UnmarshalStrict(body, cfg)
	} else {
		return nil, fmt.Errorf("%s is not a valid yaml or json file", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// YAML returns the configuration as yaml.
func (p *ProvisionConfig) YAML() ([]byte, error) { return yaml.Marshal(p) }

// Roster returns the configured nodes with their usernames defaulted and
// roles assigned.
func (p *ProvisionConfig) Roster() ([]NodeIdentity, error) {
	nodes := make([]NodeIdentity, len(p.Nodes))
	for idx, n := range p.Nodes {
		if n.Username == "" {
			n.Username = p.SSHUser
		}
		if n.Name == "" {
			n.Name = n.Address
		}
		nodes[idx] = n
	}
	return AssignRoles(nodes)
}

// Validate checks the configuration for values the provisioner cannot work with.
func (p *ProvisionConfig) Validate() error {
	if len(p.Nodes) == 0 {
		return errors.New("no nodes configured")
	}
	for idx, n := range p.Nodes {
		if n.Address == "" {
			return fmt.Errorf("node %d has no address", idx)
		}
	}
	if p.SSHPort <= 0 || p.SSHPort > 65535 {
		return fmt.Errorf("%d is not a valid ssh port", p.SSHPort)
	}
	if p.ReconnectRetries < 0 {
		return errors.New("reconnectRetries cannot be negative")
	}
	for _, d := range []Duration{p.RebootWait, p.ReconnectBackoff, p.PrivilegePromptDelay, p.CommandTimeout} {
		if d < 0 {
			return fmt.Errorf("durations cannot be negative, got %s", d)
		}
	}
	for _, edit := range p.BootConfigEdits {
		if edit.File == "" || edit.Flag == "" || edit.Insert == "" {
			return fmt.Errorf("boot config edit %+v is missing a file, flag or insert command", edit)
		}
	}
	if p.K3sVersion == "" {
		return errors.New("a k3s version must be pinned")
	}
	return nil
}
