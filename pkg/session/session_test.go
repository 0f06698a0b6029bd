package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

func TestSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session Suite")
}

var _ = Describe("Sessions", func() {
	// Send log output to the ginkgo writer
	log.LogWriter = GinkgoWriter

	Describe("Quoting shell words", func() {
		It("Should wrap plain words in single quotes", func() {
			Expect(ShellQuote("apt install -y curl")).To(Equal(`'apt install -y curl'`))
		})
		It("Should escape embedded single quotes", func() {
			Expect(ShellQuote("echo 'x' | tee -a f")).To(Equal(`'echo '"'"'x'"'"' | tee -a f'`))
		})
	})

	Describe("Remote sessions", func() {
		Context("When nothing listens at the address", func() {
			var port int

			BeforeEach(func() {
				l, err := net.Listen("tcp", "127.0.0.1:0")
				Expect(err).ToNot(HaveOccurred())
				port = l.Addr().(*net.TCPAddr).Port
				Expect(l.Close()).To(Succeed())
			})

			It("Should report the node as unreachable", func() {
				_, err := Connect(context.Background(), &types.ConnectOptions{
					Credentials: types.Credentials{Username: "rpi", Password: "secret"},
					Address:     "127.0.0.1",
					Port:        port,
				})
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, types.ErrUnreachable)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring(strconv.Itoa(port)))
			})
		})

		Context("When the key file cannot be read", func() {
			It("Should return a local error", func() {
				_, err := LoadKey("/nonexistent/id_ed25519")
				var localErr *types.LocalError
				Expect(errors.As(err, &localErr)).To(BeTrue())
				Expect(errors.Is(err, types.ErrUnreachable)).To(BeFalse())
			})
		})

		Context("When the context is already cancelled", func() {
			It("Should return the context error", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				_, err := Connect(ctx, &types.ConnectOptions{Address: "127.0.0.1", Port: 1})
				Expect(err).To(MatchError(context.Canceled))
			})
		})

		Context("When the session was never connected", func() {
			r := &Remote{state: types.SessionUnconnected}
			It("Should refuse commands", func() {
				_, err := r.Run(context.Background(), "true")
				Expect(err).To(MatchError(types.ErrSessionNotConnected))
				Expect(r.Download(context.Background(), "/etc/hostname", &bytes.Buffer{})).To(MatchError(types.ErrSessionNotConnected))
			})
			It("Should close without error, more than once", func() {
				Expect(r.Close()).To(Succeed())
				Expect(r.Close()).To(Succeed())
			})
		})
	})

	Describe("Mock hosts", func() {
		var (
			host *MockHost
			sess types.Session
			ctx  = context.Background()
		)

		BeforeEach(func() {
			host = NewMockHost("10.0.0.1", "rpi", nil)
			var err error
			sess, err = host.Connect(ctx, &types.ConnectOptions{Address: "10.0.0.1"})
			Expect(err).ToNot(HaveOccurred())
		})

		It("Should journal commands in order", func() {
			sess.Run(ctx, "mkdir -p ~/.kube")
			sess.RunPrivileged(ctx, "iptables -F", "secret")
			entries := host.Journal.Entries()
			Expect(entries).To(HaveLen(2))
			Expect(entries[0]).To(Equal(JournalEntry{Address: "10.0.0.1", Command: "mkdir -p ~/.kube"}))
			Expect(entries[1].Privileged).To(BeTrue())
			Expect(host.Journal.Commands("10.0.0.1")).To(Equal([]string{"mkdir -p ~/.kube", "iptables -F"}))
			host.Journal.Reset()
			Expect(host.Journal.Entries()).To(BeEmpty())
		})

		It("Should grep files", func() {
			res, err := sess.Run(ctx, "grep 'max_framebuffers' /boot/firmware/config.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.ExitStatus).To(Equal(0))
			Expect(res.Stdout).To(Equal("max_framebuffers=2\n"))

			res, _ = sess.Run(ctx, "grep 'arm_64bit=1' /boot/firmware/config.txt")
			Expect(res.ExitStatus).To(Equal(1))

			res, _ = sess.Run(ctx, "grep 'x' /nope")
			Expect(res.ExitStatus).To(Equal(2))
		})

		It("Should copy, edit and move files", func() {
			sess.Run(ctx, "cp /boot/firmware/cmdline.txt .")
			sess.Run(ctx, "echo $(cat cmdline.txt) cgroup_memory=1 cgroup_enable=memory > cmdline.txt")
			sess.RunPrivileged(ctx, "mv cmdline.txt /boot/firmware", "secret")
			Expect(host.Files["/boot/firmware/cmdline.txt"]).To(Equal(
				"console=serial0,115200 root=LABEL=writable rootwait cgroup_memory=1 cgroup_enable=memory\n",
			))
			Expect(host.Files).ToNot(HaveKey("/home/rpi/cmdline.txt"))
		})

		It("Should serve downloads from its files", func() {
			var buf bytes.Buffer
			Expect(sess.Download(ctx, "/boot/firmware/config.txt", &buf)).To(Succeed())
			Expect(buf.String()).To(Equal("[pi4]\nmax_framebuffers=2\n"))
			Expect(sess.Download(ctx, "/nope", &buf)).ToNot(Succeed())
		})

		It("Should drop the session on reboot", func() {
			host.DownAfterReboot = 1
			_, err := sess.RunPrivileged(ctx, "reboot", "secret")
			Expect(err).To(MatchError(types.ErrUnexpectedDisconnect))
			Expect(sess.State()).To(Equal(types.SessionFailed))
			Expect(host.Reboots).To(Equal(1))

			_, err = host.Connect(ctx, &types.ConnectOptions{Address: "10.0.0.1"})
			Expect(err).To(MatchError(types.ErrUnreachable))
			_, err = host.Connect(ctx, &types.ConnectOptions{Address: "10.0.0.1"})
			Expect(err).ToNot(HaveOccurred())
		})

		It("Should let handlers override the simulation", func() {
			host.Fail("k3s", 1, "nope")
			host.Fail("k3s --version", 3, "newest")
			res, err := sess.Run(ctx, "k3s --version")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.ExitStatus).To(Equal(3))
			Expect(res.Stderr).To(Equal("newest"))
		})

		It("Should refuse commands once closed", func() {
			Expect(sess.Close()).To(Succeed())
			_, err := sess.Run(ctx, "true")
			Expect(err).To(MatchError(types.ErrSessionNotConnected))
		})
	})

	Describe("Mock fleets", func() {
		It("Should route by address and treat unknown hosts as unreachable", func() {
			fleet := NewMockFleet()
			fleet.Add("10.0.0.1", "rpi")
			_, err := fleet.Connect(context.Background(), &types.ConnectOptions{Address: "10.0.0.1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(fleet.Host("10.0.0.1").Connects).To(Equal(1))
			_, err = fleet.Connect(context.Background(), &types.ConnectOptions{Address: "10.0.0.9"})
			Expect(err).To(MatchError(types.ErrUnreachable))
		})

		It("Should fail authentication with a connection error", func() {
			fleet := NewMockFleet()
			fleet.Add("10.0.0.1", "rpi").RejectAuth = true
			_, err := fleet.Connect(context.Background(), &types.ConnectOptions{Address: "10.0.0.1"})
			var connErr *types.ConnectionError
			Expect(errors.As(err, &connErr)).To(BeTrue())
			Expect(errors.Is(err, types.ErrUnreachable)).To(BeFalse())
		})
	})
})
