package provision

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig"

	"github.com/tinyzimmer/k3pi/pkg/session"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

func executeTemplate(tmpl *template.Template, vars interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var k3sInstallTmpl = template.Must(template.New("").Funcs(sprig.TxtFuncMap()).Parse(
	`curl -sfL {{ .K3sInstallURL }} | INSTALL_K3S_VERSION={{ .K3sVersion | squote }} K3S_KUBECONFIG_MODE={{ .K3sKubeconfigMode | squote }} sh -s -`,
))

var helmInstallTmpl = template.Must(template.New("").Funcs(sprig.TxtFuncMap()).Parse(
	`curl -fsSL {{ .HelmInstallURL }} | bash`,
))

var kubeconfigExportTmpl = template.Must(template.New("").Funcs(sprig.TxtFuncMap()).Parse(
	`export KUBECONFIG={{ .HomeDir }}/.kube/config`,
))

var helmRepoAddTmpl = template.Must(template.New("").Funcs(sprig.TxtFuncMap()).Parse(
	`helm repo add {{ .Name }} {{ .URL }}`,
))

var certManagerTmpl = template.Must(template.New("").Funcs(sprig.TxtFuncMap()).Parse(`
{{- $ns := .CertManagerNamespace -}}
kubectl apply --validate=false -f {{ .CertManagerCRDURL }}
helm upgrade --install cert-manager {{ .CertManagerChart }} --namespace {{ $ns }}
`))

func k3sInstallCommand(cfg *types.ProvisionConfig) (string, error) {
	return executeTemplate(k3sInstallTmpl, cfg)
}

func helmInstallCommand(cfg *types.ProvisionConfig) (string, error) {
	return executeTemplate(helmInstallTmpl, cfg)
}

func kubeconfigExportLine(node types.NodeIdentity) (string, error) {
	return executeTemplate(kubeconfigExportTmpl, map[string]string{"HomeDir": node.HomeDir()})
}

func helmRepoAddCommand(repo types.ChartRepository) (string, error) {
	return executeTemplate(helmRepoAddTmpl, repo)
}

func certManagerCommands(cfg *types.ProvisionConfig) ([]string, error) {
	out, err := executeTemplate(certManagerTmpl, cfg)
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

func grepCommand(pattern, file string) string {
	return fmt.Sprintf("grep %s %s", session.ShellQuote(pattern), file)
}

func appendLineCommand(line, file string) string {
	return fmt.Sprintf("echo %q >> %s", line, file)
}

// kubectl and helm read the kubeconfig from the environment. Every command
// runs in a fresh shell, so the profile export does not apply to them.
func withKubeconfig(node types.NodeIdentity, cmd string) string {
	return fmt.Sprintf("KUBECONFIG=%s/.kube/config %s", node.HomeDir(), cmd)
}
