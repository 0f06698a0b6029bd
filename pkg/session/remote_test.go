package session

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"io/ioutil"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"

	"github.com/tinyzimmer/k3pi/pkg/types"
)

// execRecord is a command received by a testServer.
type execRecord struct {
	command string
	pty     bool
	stdin   string
	elapsed time.Duration
}

// testServer is an in-process sshd. Commands behave as follows:
//   - on a pty, the first line of stdin is recorded and "done" is printed
//   - "hang" never exits
//   - "drop" closes the whole connection
//   - "fail" prints to both streams and exits 3
//   - anything else prints "hello" and exits 0
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig

	mu    sync.Mutex
	execs []*execRecord
}

func newTestServer(password string) *testServer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	Expect(err).ToNot(HaveOccurred())
	hostKey, err := ssh.NewSignerFromKey(priv)
	Expect(err).ToNot(HaveOccurred())

	s := &testServer{
		config: &ssh.ServerConfig{
			PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
				if conn.User() == "rpi" && string(pass) == password {
					return nil, nil
				}
				return nil, errors.New("access denied")
			},
		},
	}
	s.config.AddHostKey(hostKey)
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())
	go s.accept()
	return s
}

func (s *testServer) port() int { return s.listener.Addr().(*net.TCPAddr).Port }

func (s *testServer) close() { s.listener.Close() }

func (s *testServer) last() execRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	Expect(s.execs).ToNot(BeEmpty())
	return *s.execs[len(s.execs)-1]
}

func (s *testServer) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *testServer) serve(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.session(sconn, ch, chReqs)
	}
}

func (s *testServer) session(conn *ssh.ServerConn, ch ssh.Channel, reqs <-chan *ssh.Request) {
	rec := &execRecord{}
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			rec.pty = true
			req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			rec.command = payload.Command
			s.mu.Lock()
			s.execs = append(s.execs, rec)
			s.mu.Unlock()
			req.Reply(true, nil)
			go s.exec(conn, ch, rec, time.Now())
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *testServer) exec(conn *ssh.ServerConn, ch ssh.Channel, rec *execRecord, started time.Time) {
	switch {
	case rec.pty:
		line, _ := bufio.NewReader(ch).ReadString('\n')
		s.mu.Lock()
		rec.stdin = line
		rec.elapsed = time.Since(started)
		s.mu.Unlock()
		io.WriteString(ch, "done\n")
		exitWith(ch, 0)
	case rec.command == "hang":
		io.Copy(ioutil.Discard, ch)
	case rec.command == "drop":
		conn.Close()
	case rec.command == "fail":
		io.WriteString(ch, "partial\n")
		io.WriteString(ch.Stderr(), "boom\n")
		exitWith(ch, 3)
	default:
		io.WriteString(ch, "hello\n")
		exitWith(ch, 0)
	}
}

func exitWith(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	ch.Close()
}

var _ = Describe("Remote sessions over SSH", func() {

	var (
		server *testServer
		opts   *types.ConnectOptions
		remote *Remote
		ctx    = context.Background()
	)

	BeforeEach(func() {
		server = newTestServer("secret")
		opts = &types.ConnectOptions{
			Credentials: types.Credentials{Username: "rpi", Password: "secret"},
			Address:     "127.0.0.1",
			Port:        server.port(),
			PromptDelay: 100 * time.Millisecond,
		}
	})

	AfterEach(func() {
		if remote != nil {
			remote.Close()
			remote = nil
		}
		server.close()
	})

	connect := func() {
		var err error
		remote, err = Connect(ctx, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(remote.State()).To(Equal(types.SessionConnected))
	}

	Context("With the right password", func() {
		JustBeforeEach(connect)

		It("Should capture the output of plain commands", func() {
			res, err := remote.Run(ctx, "uname -a")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Succeeded()).To(BeTrue())
			Expect(res.Stdout).To(Equal("hello\n"))
			rec := server.last()
			Expect(rec.command).To(Equal("uname -a"))
			Expect(rec.pty).To(BeFalse())
		})

		It("Should report non-zero exits in the result", func() {
			res, err := remote.Run(ctx, "fail")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.ExitStatus).To(Equal(3))
			Expect(res.Stdout).To(Equal("partial\n"))
			Expect(res.Stderr).To(Equal("boom\n"))
			Expect(remote.State()).To(Equal(types.SessionConnected))
		})

		It("Should answer the sudo prompt on a terminal after the delay", func() {
			res, err := remote.RunPrivileged(ctx, "mv 'a' /boot", "secret")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Command).To(Equal("mv 'a' /boot"))
			Expect(res.Stdout).To(Equal("done\n"))
			rec := server.last()
			Expect(rec.command).To(Equal(`sudo sh -c 'mv '"'"'a'"'"' /boot'`))
			Expect(rec.pty).To(BeTrue())
			Expect(rec.stdin).To(Equal("secret\n"))
			Expect(rec.elapsed).To(BeNumerically(">=", opts.PromptDelay))
		})

		It("Should allocate a terminal even without a password", func() {
			_, err := remote.RunPrivileged(ctx, "true", "")
			Expect(err).ToNot(HaveOccurred())
			rec := server.last()
			Expect(rec.pty).To(BeTrue())
			Expect(rec.stdin).To(Equal("\n"))
		})

		It("Should treat a dropped connection as an unexpected disconnect", func() {
			_, err := remote.Run(ctx, "drop")
			Expect(errors.Is(err, types.ErrUnexpectedDisconnect)).To(BeTrue())
			Expect(remote.State()).To(Equal(types.SessionFailed))
			_, err = remote.Run(ctx, "uname -a")
			Expect(err).To(MatchError(types.ErrSessionNotConnected))
		})

		It("Should refuse commands on a cancelled context", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := remote.Run(cctx, "uname -a")
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Context("With a command timeout", func() {
		BeforeEach(func() {
			opts.CommandTimeout = 100 * time.Millisecond
		})
		JustBeforeEach(connect)

		It("Should give up on commands that do not exit", func() {
			start := time.Now()
			_, err := remote.Run(ctx, "hang")
			Expect(errors.Is(err, types.ErrCommandTimeout)).To(BeTrue())
			Expect(time.Since(start)).To(BeNumerically(">=", opts.CommandTimeout))
			Expect(remote.State()).To(Equal(types.SessionConnected))

			res, err := remote.Run(ctx, "uname -a")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Stdout).To(Equal("hello\n"))
		})
	})

	Context("With the wrong password", func() {
		BeforeEach(func() {
			opts.Credentials.Password = "hunter2"
		})

		It("Should fail with a connection error", func() {
			_, err := Connect(ctx, opts)
			var connErr *types.ConnectionError
			Expect(errors.As(err, &connErr)).To(BeTrue())
			Expect(errors.Is(err, types.ErrUnreachable)).To(BeFalse())
		})
	})
})
