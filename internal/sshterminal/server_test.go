package sshterminal

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "tester"
	testPassword = "secret"
)

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

// testSSHServer is an in-process SSH server with PTY shells and exec.
// Shells print "ready", echo input back with an "echo:" prefix, and exit
// when the input contains "exit". Exec replies "out:<command>".
type testSSHServer struct {
	t        *testing.T
	addr     string
	listener net.Listener
	config   *ssh.ServerConfig

	mu        sync.Mutex
	conns     []*ssh.ServerConn
	shells    int
	ptys      []ptyRequest
	resizes   []windowChange
	rejectPTY bool
	ptyDelay  time.Duration
}

func startTestSSHServer(t *testing.T, authorized ssh.PublicKey) *testSSHServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	srv := &testSSHServer{t: t}
	srv.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("bad password")
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	srv.config.AddHostKey(hostSigner)

	srv.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.addr = srv.listener.Addr().String()

	go func() {
		for {
			netConn, err := srv.listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(netConn)
		}
	}()

	t.Cleanup(func() {
		srv.listener.Close()
		srv.dropAll()
	})
	return srv
}

func (srv *testSSHServer) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(srv.addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func (srv *testSSHServer) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, srv.config)
	if err != nil {
		netConn.Close()
		return
	}
	srv.mu.Lock()
	srv.conns = append(srv.conns, sshConn)
	srv.mu.Unlock()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go srv.handleSession(ch, requests)
	}
}

func (srv *testSSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var pty ptyRequest
			ssh.Unmarshal(req.Payload, &pty)
			srv.mu.Lock()
			reject, delay := srv.rejectPTY, srv.ptyDelay
			if !reject {
				srv.ptys = append(srv.ptys, pty)
			}
			srv.mu.Unlock()
			time.Sleep(delay)
			req.Reply(!reject, nil)

		case "window-change":
			var wc windowChange
			ssh.Unmarshal(req.Payload, &wc)
			srv.mu.Lock()
			srv.resizes = append(srv.resizes, wc)
			srv.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			srv.mu.Lock()
			srv.shells++
			srv.mu.Unlock()
			req.Reply(true, nil)
			ch.Write([]byte("ready\r\n"))
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						if strings.Contains(string(buf[:n]), "exit") {
							ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
							ch.Close()
							return
						}
						ch.Write(append([]byte("echo:"), buf[:n]...))
					}
					if err != nil {
						return
					}
				}
			}()

		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)
			ch.Write([]byte("out:" + payload.Command))
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// dropAll closes every server-side connection, simulating a remote hangup.
func (srv *testSSHServer) dropAll() {
	srv.mu.Lock()
	conns := srv.conns
	srv.conns = nil
	srv.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (srv *testSSHServer) shellCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.shells
}

func (srv *testSSHServer) lastPTY() (ptyRequest, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.ptys) == 0 {
		return ptyRequest{}, false
	}
	return srv.ptys[len(srv.ptys)-1], true
}

func (srv *testSSHServer) resizeCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.resizes)
}

func (srv *testSSHServer) lastResize() windowChange {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.resizes[len(srv.resizes)-1]
}

// passwordParams returns connect params for srv using password auth.
func (srv *testSSHServer) passwordParams() ConnectParams {
	host, port := srv.hostPort()
	return ConnectParams{Host: host, Port: port, Username: testUser, Password: testPassword}
}

// openTestSession starts a server, a registry and one password session.
func openTestSession(t *testing.T, cfg Config) (*testSSHServer, *Registry, *Session) {
	t.Helper()
	srv := startTestSSHServer(t, nil)
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	reg := NewRegistry(cfg)
	t.Cleanup(reg.CloseAll)

	s, err := reg.Open(context.Background(), srv.passwordParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return srv, reg, s
}

// recordingSink collects shell output per session.
type recordingSink struct {
	mu     sync.Mutex
	output map[string]*bytes.Buffer
	closed chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{output: make(map[string]*bytes.Buffer), closed: make(chan string, 8)}
}

func (rs *recordingSink) ShellOutput(id string, data []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	buf, ok := rs.output[id]
	if !ok {
		buf = &bytes.Buffer{}
		rs.output[id] = buf
	}
	buf.Write(data)
}

func (rs *recordingSink) ShellClosed(id string) {
	rs.closed <- id
}

func (rs *recordingSink) text(id string) string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if buf, ok := rs.output[id]; ok {
		return buf.String()
	}
	return ""
}

// waitFor polls cond until it holds or timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
