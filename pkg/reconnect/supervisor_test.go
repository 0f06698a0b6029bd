package reconnect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fatih/color"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/session"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

func TestReconnect(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reconnect Suite")
}

var _ = Describe("Reboot and reconnect", func() {
	// Send log output to the ginkgo writer
	log.LogWriter = GinkgoWriter

	var (
		ctx         context.Context
		host        *session.MockHost
		sess        types.Session
		opts        *Options
		sup         *Supervisor
		reconnected types.Session
		err         error
		cancel      context.CancelFunc
	)

	BeforeEach(func() {
		ctx = context.Background()
		host = session.NewMockHost("10.0.0.1", "rpi", nil)
		connectOpts := &types.ConnectOptions{
			Credentials: types.Credentials{Username: "rpi", Password: "secret"},
			Address:     "10.0.0.1",
		}
		cancel = func() {}
		sess, err = host.Connect(ctx, connectOpts)
		Expect(err).ToNot(HaveOccurred())
		opts = &Options{
			Connect:        host.Connect,
			ConnectOptions: connectOpts,
			Wait:           20 * time.Millisecond,
			Backoff:        time.Millisecond,
		}
	})

	AfterEach(func() { cancel() })

	JustBeforeEach(func() {
		sup = New(opts)
		reconnected, err = sup.RebootAndReconnect(ctx, sess)
	})

	Context("When the node comes back after the wait", func() {
		It("Should reconnect with a new session", func() {
			Expect(err).ToNot(HaveOccurred())
			Expect(reconnected).ToNot(BeNil())
			Expect(reconnected).ToNot(BeIdenticalTo(sess))
			Expect(reconnected.State()).To(Equal(types.SessionConnected))
			Expect(sess.State()).To(Equal(types.SessionUnconnected))
			Expect(host.Reboots).To(Equal(1))
		})
		It("Should wait at least the configured time before reconnecting", func() {
			Expect(sup.Waited()).To(BeNumerically(">=", 20*time.Millisecond))
			Expect(sup.Attempts()).To(Equal(1))
		})
		It("Should move through every state", func() {
			Expect(sup.State()).To(Equal(Reconnected))
			Expect(sup.History()).To(Equal([]State{
				Running, RebootIssued, Disconnected, Waiting, Reconnecting, Reconnected,
			}))
		})
		It("Should reuse the original credentials", func() {
			Expect(host.LastConnectOptions().Credentials.Password).To(Equal("secret"))
		})
		It("Should send the reboot with privileges", func() {
			entries := host.Journal.Entries()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Command).To(Equal(RebootCommand))
			Expect(entries[0].Privileged).To(BeTrue())
		})
	})

	Context("When the reboot command returns before the node goes down", func() {
		BeforeEach(func() {
			host.Handle("reboot", func(cmd string) (*types.CommandResult, error) {
				return &types.CommandResult{Command: cmd}, nil
			})
		})
		It("Should still wait and reconnect", func() {
			Expect(err).ToNot(HaveOccurred())
			Expect(sup.State()).To(Equal(Reconnected))
		})
	})

	Context("When the reboot command times out", func() {
		BeforeEach(func() {
			host.Handle("reboot", func(cmd string) (*types.CommandResult, error) {
				return nil, fmt.Errorf("%q: %w", cmd, types.ErrCommandTimeout)
			})
		})
		It("Should treat the node as going down", func() {
			Expect(err).ToNot(HaveOccurred())
			Expect(sup.State()).To(Equal(Reconnected))
		})
	})

	Context("When the node stays down for a few attempts", func() {
		BeforeEach(func() {
			host.DownAfterReboot = 2
			opts.Retries = 3
		})
		It("Should retry until the node answers", func() {
			Expect(err).ToNot(HaveOccurred())
			Expect(sup.Attempts()).To(Equal(3))
			Expect(sup.State()).To(Equal(Reconnected))
		})
	})

	Context("When the node does not come back and retries are disabled", func() {
		BeforeEach(func() {
			host.DownAfterReboot = 5
			opts.Retries = 0
		})
		It("Should fail with a reconnect timeout after one attempt", func() {
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, types.ErrReconnectTimeout)).To(BeTrue())
			Expect(reconnected).To(BeNil())
			Expect(sup.Attempts()).To(Equal(1))
			Expect(sup.State()).To(Equal(ReconnectFailed))
		})
	})

	Context("When the node does not come back within the retries", func() {
		BeforeEach(func() {
			host.DownAfterReboot = 10
			opts.Retries = 2
		})
		It("Should fail with a reconnect timeout", func() {
			Expect(errors.Is(err, types.ErrReconnectTimeout)).To(BeTrue())
			Expect(sup.Attempts()).To(Equal(3))
		})
	})

	Context("When the reboot is refused", func() {
		BeforeEach(func() {
			host.Fail("reboot", 1, "sudo: 3 incorrect password attempts")
		})
		It("Should fail without waiting", func() {
			var failure *types.StepFailure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.ExitStatus).To(Equal(1))
			Expect(sup.Waited()).To(BeZero())
			Expect(sup.History()).To(Equal([]State{Running, RebootIssued}))
			Expect(host.Connects).To(Equal(1))
		})
	})

	Context("When the context is cancelled during the wait", func() {
		BeforeEach(func() {
			opts.Wait = time.Minute
			ctx, cancel = context.WithTimeout(ctx, 20*time.Millisecond)
		})
		It("Should stop waiting and return the context error", func() {
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(sup.Waited()).To(BeNumerically("<", time.Minute))
			Expect(sup.State()).To(Equal(ReconnectFailed))
			Expect(sup.Attempts()).To(BeZero())
		})
	})

	Context("When the node has a name", func() {
		var buf *bytes.Buffer

		BeforeEach(func() {
			color.NoColor = true
			buf = new(bytes.Buffer)
			log.LogWriter = buf
			opts.Node = "pi-1"
		})

		AfterEach(func() { log.LogWriter = GinkgoWriter })

		It("Should log with the name instead of the address", func() {
			Expect(err).ToNot(HaveOccurred())
			Expect(buf.String()).To(ContainSubstring("pi-1: Rebooting"))
			Expect(buf.String()).To(ContainSubstring("pi-1: Reconnected"))
			Expect(buf.String()).ToNot(ContainSubstring("10.0.0.1: "))
		})
	})
})
