package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/tinyzimmer/k3pi/pkg/types"
	"github.com/tinyzimmer/k3pi/pkg/util"
)

// JournalEntry is a command received by a MockHost.
type JournalEntry struct {
	Address    string
	Command    string
	Privileged bool
}

// Journal records commands across one or more MockHosts in the order they
// were received.
type Journal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (j *Journal) append(e JournalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

// Entries returns a copy of every recorded entry.
func (j *Journal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Commands returns the commands received by the host at addr.
func (j *Journal) Commands(addr string) []string {
	out := make([]string, 0)
	for _, e := range j.Entries() {
		if e.Address == addr {
			out = append(out, e.Command)
		}
	}
	return out
}

// Reset discards every entry.
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

type mockHandler struct {
	substr string
	fn     func(cmd string) (*types.CommandResult, error)
}

// MockHost simulates a remote machine for tests. Files, installed software and
// namespaces survive reconnects and reboots. Commands the simulation does not
// know succeed with no output.
type MockHost struct {
	Address  string
	Username string
	Files    map[string]string
	Dirs     map[string]bool

	// Unreachable makes every connect fail with types.ErrUnreachable.
	Unreachable bool
	// RejectAuth makes every connect fail with a types.ConnectionError.
	RejectAuth bool
	// DownAfterReboot is how many connects fail as unreachable after each reboot.
	DownAfterReboot int
	// Reboots counts the reboots received.
	Reboots int
	// Connects counts successful connects.
	Connects int

	Journal *Journal

	mu          sync.Mutex
	handlers    []mockHandler
	downFor     int
	k3sVersion  string
	helm        bool
	namespaces  map[string]bool
	lastOptions *types.ConnectOptions
}

// NewMockHost returns a host at address with an empty home directory for username
// and a Raspberry Pi style boot partition.
func NewMockHost(address, username string, journal *Journal) *MockHost {
	if journal == nil {
		journal = &Journal{}
	}
	h := &MockHost{
		Address:    address,
		Username:   username,
		Files:      make(map[string]string),
		Dirs:       make(map[string]bool),
		Journal:    journal,
		namespaces: make(map[string]bool),
	}
	h.Dirs[h.home()] = true
	h.Files[h.home()+"/.bashrc"] = "# ~/.bashrc: executed by bash(1) for non-login shells.\n"
	h.Dirs["/boot/firmware"] = true
	h.Files["/boot/firmware/config.txt"] = "[pi4]\nmax_framebuffers=2\n"
	h.Files["/boot/firmware/cmdline.txt"] = "console=serial0,115200 root=LABEL=writable rootwait\n"
	return h
}

func (h *MockHost) home() string { return "/home/" + h.Username }

// Handle registers fn for every command containing substr. Handlers take
// precedence over the simulation, the most recently registered first.
func (h *MockHost) Handle(substr string, fn func(cmd string) (*types.CommandResult, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append([]mockHandler{{substr: substr, fn: fn}}, h.handlers...)
}

// Fail makes every command containing substr exit with the given status and output.
func (h *MockHost) Fail(substr string, status int, output string) {
	h.Handle(substr, func(cmd string) (*types.CommandResult, error) {
		return &types.CommandResult{Command: cmd, ExitStatus: status, Stderr: output}, nil
	})
}

// LastConnectOptions returns the options of the most recent connect attempt.
func (h *MockHost) LastConnectOptions() *types.ConnectOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastOptions
}

// Connect is a types.Connector for this host.
func (h *MockHost) Connect(ctx context.Context, opts *types.ConnectOptions) (types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	o := *opts
	h.lastOptions = &o
	if h.Unreachable {
		return nil, fmt.Errorf("%s: %w", h.Address, types.ErrUnreachable)
	}
	if h.downFor > 0 {
		h.downFor--
		return nil, fmt.Errorf("%s: %w: connection refused", h.Address, types.ErrUnreachable)
	}
	if h.RejectAuth {
		return nil, &types.ConnectionError{Address: h.Address, Err: fmt.Errorf("ssh: unable to authenticate")}
	}
	h.Connects++
	return &Mock{host: h, state: types.SessionConnected}, nil
}

// MockFleet routes connects to MockHosts by address. Unknown addresses are
// unreachable.
type MockFleet struct {
	Journal *Journal
	hosts   map[string]*MockHost
}

// NewMockFleet returns a fleet of hosts sharing one journal.
func NewMockFleet() *MockFleet {
	return &MockFleet{Journal: &Journal{}, hosts: make(map[string]*MockHost)}
}

// Add creates a host in the fleet.
func (f *MockFleet) Add(address, username string) *MockHost {
	h := NewMockHost(address, username, f.Journal)
	f.hosts[address] = h
	return h
}

// Host returns the host at address.
func (f *MockFleet) Host(address string) *MockHost { return f.hosts[address] }

// Connect is a types.Connector for the fleet.
func (f *MockFleet) Connect(ctx context.Context, opts *types.ConnectOptions) (types.Session, error) {
	h, ok := f.hosts[opts.Address]
	if !ok {
		return nil, fmt.Errorf("%s: %w: no route to host", opts.Address, types.ErrUnreachable)
	}
	return h.Connect(ctx, opts)
}

// Mock is a Session to a MockHost.
type Mock struct {
	host  *MockHost
	state types.SessionState
}

// Address returns the address of the host.
func (m *Mock) Address() string { return m.host.Address }

// State returns the current connection state.
func (m *Mock) State() types.SessionState { return m.state }

// Run simulates a plain command.
func (m *Mock) Run(ctx context.Context, command string) (*types.CommandResult, error) {
	return m.exec(ctx, command, false)
}

// RunPrivileged simulates a sudo command.
func (m *Mock) RunPrivileged(ctx context.Context, command, password string) (*types.CommandResult, error) {
	return m.exec(ctx, command, true)
}

// Download writes the simulated file to w.
func (m *Mock) Download(ctx context.Context, remotePath string, w io.Writer) error {
	if m.state != types.SessionConnected {
		return types.ErrSessionNotConnected
	}
	m.host.mu.Lock()
	body, ok := m.host.Files[m.host.resolve(remotePath)]
	m.host.mu.Unlock()
	if !ok {
		return fmt.Errorf("scp: %s: No such file or directory", remotePath)
	}
	_, err := io.WriteString(w, body)
	return err
}

// Close marks the session closed.
func (m *Mock) Close() error {
	m.state = types.SessionUnconnected
	return nil
}

func (m *Mock) exec(ctx context.Context, command string, privileged bool) (*types.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.state != types.SessionConnected {
		return nil, types.ErrSessionNotConnected
	}
	h := m.host
	h.Journal.append(JournalEntry{Address: h.Address, Command: command, Privileged: privileged})

	h.mu.Lock()
	for _, handler := range h.handlers {
		if strings.Contains(command, handler.substr) {
			h.mu.Unlock()
			res, err := handler.fn(command)
			if errors.Is(err, types.ErrUnexpectedDisconnect) {
				m.state = types.SessionFailed
			}
			return res, err
		}
	}
	defer h.mu.Unlock()

	if stripEnv(command) == "reboot" {
		h.Reboots++
		h.downFor = h.DownAfterReboot
		m.state = types.SessionFailed
		return nil, fmt.Errorf("%q on %s: connection reset by peer: %w", command, h.Address, types.ErrUnexpectedDisconnect)
	}
	return h.simulate(command), nil
}

var (
	grepRe        = regexp.MustCompile(`^grep(?: -\w+)* ('[^']*'|"[^"]*"|\S+) (\S+)$`)
	teeAppendRe   = regexp.MustCompile(`^echo '([^']*)' \| tee -a (\S+)$`)
	catRewriteRe  = regexp.MustCompile(`^echo \$\(cat (\S+)\) (.*) > (\S+)$`)
	echoAppendRe  = regexp.MustCompile(`^echo (?:"([^"]*)"|'([^']*)') >> (\S+)$`)
	sedRe         = regexp.MustCompile(`^sed -i -r 's/(.+)/((?:[^/\\]|\\.)*)/g' (\S+)$`)
	sedUnescape   = regexp.MustCompile(`\\(.)`)
	k3sVersionRe  = regexp.MustCompile(`INSTALL_K3S_VERSION='?"?([^'" ]+)`)
	namespaceRe   = regexp.MustCompile(`^kubectl create namespace (\S+)$`)
	envAssignment = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*=\S+ `)
)

func stripEnv(command string) string {
	for envAssignment.MatchString(command) {
		command = envAssignment.ReplaceAllString(command, "")
	}
	return command
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (h *MockHost) resolve(p string) string {
	p = unquote(p)
	switch {
	case p == "~" || p == ".":
		return h.home()
	case strings.HasPrefix(p, "~/"):
		return path.Join(h.home(), strings.TrimPrefix(p, "~/"))
	case strings.HasPrefix(p, "/"):
		return path.Clean(p)
	default:
		return path.Join(h.home(), p)
	}
}

func (h *MockHost) destination(src, dst string) string {
	dst = h.resolve(dst)
	if h.Dirs[dst] {
		return path.Join(dst, path.Base(src))
	}
	return dst
}

func succeeded(cmd string) *types.CommandResult { return &types.CommandResult{Command: cmd} }

func exited(cmd string, status int, stderr string) *types.CommandResult {
	return &types.CommandResult{Command: cmd, ExitStatus: status, Stderr: stderr}
}

func (h *MockHost) simulate(cmd string) *types.CommandResult {
	bare := stripEnv(cmd)
	fields := strings.Fields(bare)
	if len(fields) == 0 {
		return succeeded(cmd)
	}

	if m := grepRe.FindStringSubmatch(bare); m != nil {
		body, exists := h.Files[h.resolve(m[2])]
		if !exists {
			return exited(cmd, 2, fmt.Sprintf("grep: %s: No such file or directory", m[2]))
		}
		pattern := unquote(m[1])
		var matched []string
		for _, line := range strings.Split(body, "\n") {
			if strings.Contains(line, pattern) {
				matched = append(matched, line)
			}
		}
		if len(matched) == 0 {
			return exited(cmd, 1, "")
		}
		res := succeeded(cmd)
		if !strings.Contains(bare, " -q") {
			res.Stdout = strings.Join(matched, "\n") + "\n"
		}
		return res
	}

	if m := teeAppendRe.FindStringSubmatch(bare); m != nil {
		f := h.resolve(m[2])
		h.Files[f] = h.Files[f] + m[1] + "\n"
		res := succeeded(cmd)
		res.Stdout = m[1] + "\n"
		return res
	}

	if m := catRewriteRe.FindStringSubmatch(bare); m != nil {
		body, exists := h.Files[h.resolve(m[1])]
		if !exists {
			return exited(cmd, 1, fmt.Sprintf("cat: %s: No such file or directory", m[1]))
		}
		h.Files[h.resolve(m[3])] = strings.Join(append(strings.Fields(body), m[2]), " ") + "\n"
		return succeeded(cmd)
	}

	if m := echoAppendRe.FindStringSubmatch(bare); m != nil {
		line := m[1] + m[2]
		f := h.resolve(m[3])
		h.Files[f] = h.Files[f] + line + "\n"
		return succeeded(cmd)
	}

	if m := sedRe.FindStringSubmatch(bare); m != nil {
		f := h.resolve(m[3])
		body, exists := h.Files[f]
		if !exists {
			return exited(cmd, 2, fmt.Sprintf("sed: can't read %s: No such file or directory", m[3]))
		}
		h.Files[f] = util.ReplaceIPv4(body, sedUnescape.ReplaceAllString(m[2], "$1"))
		return succeeded(cmd)
	}

	if m := namespaceRe.FindStringSubmatch(bare); m != nil {
		if h.namespaces[m[1]] {
			return exited(cmd, 1, fmt.Sprintf("Error from server (AlreadyExists): namespaces %q already exists", m[1]))
		}
		h.namespaces[m[1]] = true
		res := succeeded(cmd)
		res.Stdout = fmt.Sprintf("namespace/%s created\n", m[1])
		return res
	}

	switch {
	case fields[0] == "cat" && len(fields) == 2:
		body, exists := h.Files[h.resolve(fields[1])]
		if !exists {
			return exited(cmd, 1, fmt.Sprintf("cat: %s: No such file or directory", fields[1]))
		}
		res := succeeded(cmd)
		res.Stdout = body
		return res

	case fields[0] == "cp" && len(fields) == 3, fields[0] == "mv" && len(fields) == 3:
		src := h.resolve(fields[1])
		body, exists := h.Files[src]
		if !exists {
			return exited(cmd, 1, fmt.Sprintf("%s: cannot stat '%s': No such file or directory", fields[0], fields[1]))
		}
		h.Files[h.destination(src, fields[2])] = body
		if fields[0] == "mv" {
			delete(h.Files, src)
		}
		return succeeded(cmd)

	case fields[0] == "mkdir":
		for _, dir := range fields[1:] {
			if !strings.HasPrefix(dir, "-") {
				h.Dirs[h.resolve(dir)] = true
			}
		}
		return succeeded(cmd)

	case bare == "k3s --version":
		if h.k3sVersion == "" {
			return exited(cmd, 127, "sh: 1: k3s: not found")
		}
		res := succeeded(cmd)
		res.Stdout = fmt.Sprintf("k3s version %s (f5c7ba2a)\ngo version go1.18.10\n", h.k3sVersion)
		return res

	case bare == "command -v helm":
		if !h.helm {
			return exited(cmd, 1, "")
		}
		res := succeeded(cmd)
		res.Stdout = "/usr/local/bin/helm\n"
		return res

	case strings.Contains(bare, "INSTALL_K3S_VERSION"):
		if m := k3sVersionRe.FindStringSubmatch(bare); m != nil {
			h.k3sVersion = m[1]
		}
		h.Dirs["/etc/rancher/k3s"] = true
		h.Files["/etc/rancher/k3s/k3s.yaml"] = mockKubeconfig
		return succeeded(cmd)

	case strings.Contains(bare, "get-helm-3"):
		h.helm = true
		return succeeded(cmd)
	}

	return succeeded(cmd)
}

const mockKubeconfig = `apiVersion: v1
clusters:
- cluster:
    certificate-authority-data: LS0tLS1CRUdJTi
    server: https://127.0.0.1:6443
  name: default
contexts:
- context:
    cluster: default
    user: default
  name: default
current-context: default
kind: Config
`
