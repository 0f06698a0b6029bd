package provision

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/reconnect"
	"github.com/tinyzimmer/k3pi/pkg/types"
	"github.com/tinyzimmer/k3pi/pkg/util"
)

// Step is a named unit of provisioning work.
type Step struct {
	Name types.StepName
	// Applied optionally reports whether the step's effect is already present
	// on the node, in which case Apply is skipped.
	Applied func(ctx context.Context, p *Provisioner) (bool, error)
	// Apply performs the step. Edits to files on the node check for their
	// change before making it.
	Apply func(ctx context.Context, p *Provisioner) error
}

var (
	patchBootConfig      = Step{Name: types.StepPatchBootConfig, Apply: applyBootConfig}
	setLegacyIPTables    = Step{Name: types.StepSetLegacyIPTables, Apply: applyLegacyIPTables}
	installKernelModules = Step{Name: types.StepInstallKernelModules, Apply: applyKernelModules}

	installWorkerRuntime     = Step{Name: types.StepInstallRuntime, Apply: applyWorkerRuntime}
	installControllerRuntime = Step{Name: types.StepInstallRuntime, Applied: runtimeInstalled, Apply: applyControllerRuntime}

	prepareConfigDirectory     = Step{Name: types.StepPrepareConfigDirectory, Apply: applyConfigDirectory}
	writeFinalConfig           = Step{Name: types.StepWriteFinalConfig, Apply: applyFinalConfig}
	installHelmAndRepositories = Step{Name: types.StepInstallHelmAndRepositories, Apply: applyHelm}
	createNamespaces           = Step{Name: types.StepCreateNamespaces, Apply: applyNamespaces}
	installCertManager         = Step{Name: types.StepInstallCertManager, Apply: applyCertManager}
)

// StepsFor returns the step sequence for the given role.
func StepsFor(role types.NodeRole) ([]Step, error) {
	switch role {
	case types.NodeRoleWorker:
		return []Step{
			patchBootConfig,
			setLegacyIPTables,
			installKernelModules,
			installWorkerRuntime,
		}, nil
	case types.NodeRoleController:
		return []Step{
			patchBootConfig,
			setLegacyIPTables,
			installKernelModules,
			installControllerRuntime,
			prepareConfigDirectory,
			writeFinalConfig,
			installHelmAndRepositories,
			createNamespaces,
			installCertManager,
		}, nil
	default:
		return nil, fmt.Errorf("invalid node role %q", role)
	}
}

func applyBootConfig(ctx context.Context, p *Provisioner) error {
	dir := p.cfg.BootConfigDir
	for _, edit := range p.cfg.BootConfigEdits {
		target := path.Join(dir, edit.File)
		present, err := p.fileContains(ctx, target, edit.Flag)
		if err != nil {
			return err
		}
		if present {
			p.log.Infof("%s - flags already present, skipping", target)
			continue
		}
		p.log.Infof("Adding %q to %s", edit.Flag, target)
		if _, err := p.run(ctx, fmt.Sprintf("cp %s .", target)); err != nil {
			return err
		}
		if _, err := p.run(ctx, edit.Insert); err != nil {
			return err
		}
		if _, err := p.sudo(ctx, fmt.Sprintf("mv %s %s", edit.File, dir)); err != nil {
			return err
		}
	}
	return nil
}

func applyLegacyIPTables(ctx context.Context, p *Provisioner) error {
	for _, cmd := range []string{
		"iptables -F",
		"update-alternatives --set iptables /usr/sbin/iptables-legacy",
		"update-alternatives --set ip6tables /usr/sbin/ip6tables-legacy",
	} {
		if _, err := p.sudo(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func applyKernelModules(ctx context.Context, p *Provisioner) error {
	// the install scripts later in the sequence are fetched with curl
	if _, err := p.sudo(ctx, "apt install -y curl"); err != nil {
		return err
	}
	p.log.Infof("Installing %s (this can take up to 10 minutes)", p.cfg.KernelModulesPackage)
	// without noninteractive the restart prompt hangs the session
	if _, err := p.sudo(ctx, "DEBIAN_FRONTEND=noninteractive apt install -y "+p.cfg.KernelModulesPackage); err != nil {
		return err
	}

	p.supervisor = reconnect.New(&reconnect.Options{
		Node:           p.node.Name,
		Connect:        p.connect,
		ConnectOptions: p.connectOpts,
		Wait:           p.cfg.RebootWait.Std(),
		Retries:        p.cfg.ReconnectRetries,
		Backoff:        p.cfg.ReconnectBackoff.Std(),
	})
	sess, err := p.supervisor.RebootAndReconnect(ctx, p.sess)
	if err != nil {
		return err
	}
	p.sess = sess
	return nil
}

func applyWorkerRuntime(ctx context.Context, p *Provisioner) error {
	p.log.Info("Workers are joined to the cluster separately, nothing to install")
	return nil
}

func runtimeInstalled(ctx context.Context, p *Provisioner) (bool, error) {
	res, err := p.query(ctx, "k3s --version")
	if err != nil {
		return false, err
	}
	return res.Succeeded() && strings.Contains(res.Stdout, p.cfg.K3sVersion), nil
}

func applyControllerRuntime(ctx context.Context, p *Provisioner) error {
	cmd, err := k3sInstallCommand(p.cfg)
	if err != nil {
		return err
	}
	p.log.Infof("Installing k3s %s", p.cfg.K3sVersion)
	res, err := p.sudo(ctx, cmd)
	if err != nil {
		return err
	}
	if log.Verbose {
		log.TailReader("K3S", strings.NewReader(res.Stdout))
	}
	return nil
}

func applyConfigDirectory(ctx context.Context, p *Provisioner) error {
	if _, err := p.run(ctx, "mkdir -p ~/.kube"); err != nil {
		return err
	}
	export, err := kubeconfigExportLine(p.node)
	if err != nil {
		return err
	}
	present, err := p.fileContains(ctx, "~/.bashrc", export)
	if err != nil {
		return err
	}
	if present {
		p.log.Info("KUBECONFIG is already exported in ~/.bashrc")
	} else if _, err := p.run(ctx, appendLineCommand(export, "~/.bashrc")); err != nil {
		return err
	}
	_, err = p.run(ctx, ". ~/.bashrc")
	return err
}

func applyFinalConfig(ctx context.Context, p *Provisioner) error {
	kubeconfig := path.Join(p.node.HomeDir(), ".kube", "config")
	p.log.Infof("Copying %s to %s and setting the node's address", p.cfg.K3sKubeconfigPath, kubeconfig)
	if _, err := p.run(ctx, fmt.Sprintf("cp %s %s", p.cfg.K3sKubeconfigPath, kubeconfig)); err != nil {
		return err
	}
	if _, err := p.run(ctx, util.SedReplaceIPv4(kubeconfig, p.node.Address)); err != nil {
		return err
	}
	if p.cfg.KubeconfigOutput == "" {
		return nil
	}
	p.log.Infof("Downloading the kubeconfig to %s", p.cfg.KubeconfigOutput)
	f, err := os.OpenFile(p.cfg.KubeconfigOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.sess.Download(ctx, kubeconfig, f)
}

func applyHelm(ctx context.Context, p *Provisioner) error {
	res, err := p.query(ctx, "command -v helm")
	if err != nil {
		return err
	}
	if res.Succeeded() {
		p.log.Info("helm is already installed")
	} else {
		cmd, err := helmInstallCommand(p.cfg)
		if err != nil {
			return err
		}
		if _, err := p.sudo(ctx, cmd); err != nil {
			return err
		}
	}
	for _, repo := range p.cfg.ChartRepositories {
		cmd, err := helmRepoAddCommand(repo)
		if err != nil {
			return err
		}
		if _, err := p.run(ctx, cmd); err != nil {
			return err
		}
	}
	_, err = p.run(ctx, "helm repo update")
	return err
}

func applyNamespaces(ctx context.Context, p *Provisioner) error {
	for _, ns := range p.cfg.Namespaces {
		res, err := p.query(ctx, withKubeconfig(p.node, "kubectl create namespace "+ns))
		if err != nil {
			return err
		}
		if res.Succeeded() {
			continue
		}
		if strings.Contains(res.Output(), "AlreadyExists") || strings.Contains(res.Output(), "already exists") {
			p.log.Infof("Namespace %s already exists", ns)
			continue
		}
		return p.failure(res)
	}
	return nil
}

func applyCertManager(ctx context.Context, p *Provisioner) error {
	cmds, err := certManagerCommands(p.cfg)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if _, err := p.run(ctx, withKubeconfig(p.node, cmd)); err != nil {
			return err
		}
	}
	res, err := p.run(ctx, withKubeconfig(p.node, "kubectl get pods --namespace "+p.cfg.CertManagerNamespace))
	if err != nil {
		return err
	}
	for _, line := range nonEmptyLines(res.Stdout) {
		p.log.Info(line)
	}
	return nil
}
