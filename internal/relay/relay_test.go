package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
)

type createCall struct {
	id         string
	cols, rows int
}

// fakeSessions records relay calls and lets tests emit shell output through
// the wired sink.
type fakeSessions struct {
	mu          sync.Mutex
	known       map[string]bool
	shells      map[string]bool
	sinks       map[string]sshterminal.OutputSink
	creates     []createCall
	inputs      map[string][]string
	resizes     []createCall
	failCreate  bool
	rejectInput bool
}

func newFakeSessions(ids ...string) *fakeSessions {
	fs := &fakeSessions{
		known:  make(map[string]bool),
		shells: make(map[string]bool),
		sinks:  make(map[string]sshterminal.OutputSink),
		inputs: make(map[string][]string),
	}
	for _, id := range ids {
		fs.known[id] = true
	}
	return fs
}

func (fs *fakeSessions) HasShell(id string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.shells[id]
}

func (fs *fakeSessions) CreateShell(id string, cols, rows int) (*sshterminal.TerminalSession, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.known[id] {
		return nil, sshterminal.ErrSessionNotFound
	}
	if fs.failCreate {
		return nil, &sshterminal.ChannelError{SessionID: id, Op: "shell", Err: errors.New("rejected")}
	}
	if !fs.shells[id] {
		fs.shells[id] = true
		fs.creates = append(fs.creates, createCall{id, cols, rows})
	}
	return &sshterminal.TerminalSession{}, nil
}

func (fs *fakeSessions) WireOutput(id string, sink sshterminal.OutputSink) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.shells[id] {
		return false, sshterminal.ErrNoShell
	}
	if fs.sinks[id] != nil {
		return false, nil
	}
	fs.sinks[id] = sink
	return true, nil
}

func (fs *fakeSessions) SendInput(id string, data []byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.shells[id] || fs.rejectInput {
		return false
	}
	fs.inputs[id] = append(fs.inputs[id], string(data))
	return true
}

func (fs *fakeSessions) Resize(id string, cols, rows int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.resizes = append(fs.resizes, createCall{id, cols, rows})
	return nil
}

// addShell gives id a shell wired to sink, as if created earlier.
func (fs *fakeSessions) addShell(id string, sink sshterminal.OutputSink) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.known[id] = true
	fs.shells[id] = true
	fs.sinks[id] = sink
}

// closeShell simulates the remote shell exiting.
func (fs *fakeSessions) closeShell(id string) {
	fs.mu.Lock()
	sink := fs.sinks[id]
	delete(fs.shells, id)
	delete(fs.sinks, id)
	fs.mu.Unlock()
	if sink != nil {
		sink.ShellClosed(id)
	}
}

// dropShell releases id's shell without notifying its sink, leaving the
// close notice for the test to deliver later.
func (fs *fakeSessions) dropShell(id string) sshterminal.OutputSink {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	sink := fs.sinks[id]
	delete(fs.shells, id)
	delete(fs.sinks, id)
	return sink
}

func (fs *fakeSessions) sink(id string) sshterminal.OutputSink {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sinks[id]
}

func (fs *fakeSessions) inputsFor(id string) []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.inputs[id]...)
}

func startRelay(t *testing.T, fs *fakeSessions, opts Options) (*Relay, string) {
	t.Helper()
	rl := New(fs, opts)
	srv := httptest.NewServer(rl)
	t.Cleanup(func() {
		rl.Close()
		srv.Close()
	})
	return rl, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, f Frame) {
	t.Helper()
	msg, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sendRaw(t, c, msg)
}

func sendRaw(t *testing.T, c *websocket.Conn, msg []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

// syncFrames sends a ping and waits for its pong, so every earlier frame from c
// has been handled. Any other frame received first is returned.
func syncFrames(t *testing.T, c *websocket.Conn, id string) []Frame {
	t.Helper()
	send(t, c, Frame{Type: TypePing, SessionID: id})
	var before []Frame
	for {
		f := recv(t, c)
		if f.Type == TypePong && f.SessionID == id {
			return before
		}
		before = append(before, f)
	}
}

func TestInputCreatesShellAndDelivers(t *testing.T) {
	fs := newFakeSessions("s1")
	_, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "ls\n"})
	if extra := syncFrames(t, c, "s1"); len(extra) != 0 {
		t.Fatalf("unexpected frames: %+v", extra)
	}

	fs.mu.Lock()
	creates := fs.creates
	fs.mu.Unlock()
	if len(creates) != 1 || creates[0].cols != 0 || creates[0].rows != 0 {
		t.Fatalf("creates = %+v, want one default-size create", creates)
	}
	if got := fs.inputsFor("s1"); len(got) != 1 || got[0] != "ls\n" {
		t.Fatalf("inputs = %q", got)
	}
	if fs.sink("s1") == nil {
		t.Fatal("output was not wired")
	}
}

func TestOutputReachesBoundSocket(t *testing.T) {
	fs := newFakeSessions("s1")
	_, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "x"})
	syncFrames(t, c, "s1")

	fs.sink("s1").ShellOutput("s1", []byte("hello"))
	f := recv(t, c)
	if f.Type != TypeOutput || f.SessionID != "s1" || f.Data != "hello" {
		t.Fatalf("got %+v", f)
	}
}

func TestLastBoundSocketWins(t *testing.T) {
	fs := newFakeSessions("s1")
	_, url := startRelay(t, fs, Options{})
	a := dial(t, url)
	b := dial(t, url)

	send(t, a, Frame{Type: TypeInput, SessionID: "s1", Data: "x"})
	syncFrames(t, a, "s1")
	send(t, b, Frame{Type: TypeResize, SessionID: "s1", Cols: 80, Rows: 24})
	syncFrames(t, b, "s1")

	fs.sink("s1").ShellOutput("s1", []byte("for b"))

	f := recv(t, b)
	if f.Type != TypeOutput || f.Data != "for b" {
		t.Fatalf("b got %+v", f)
	}
	if extra := syncFrames(t, a, "s1"); len(extra) != 0 {
		t.Fatalf("a received output after rebinding: %+v", extra)
	}

	fs.mu.Lock()
	resizes := fs.resizes
	fs.mu.Unlock()
	if len(resizes) != 1 || resizes[0].cols != 80 || resizes[0].rows != 24 {
		t.Fatalf("resizes = %+v", resizes)
	}
}

func TestResizeCreatesShellWithDimensions(t *testing.T) {
	fs := newFakeSessions("s1")
	_, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	send(t, c, Frame{Type: TypeResize, SessionID: "s1", Cols: 132, Rows: 43})
	syncFrames(t, c, "s1")

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.creates) != 1 || fs.creates[0].cols != 132 || fs.creates[0].rows != 43 {
		t.Fatalf("creates = %+v", fs.creates)
	}
	if len(fs.resizes) != 0 {
		t.Fatalf("resize sent to a fresh shell: %+v", fs.resizes)
	}
}

func TestResizeUnknownSessionIsSilent(t *testing.T) {
	fs := newFakeSessions()
	_, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	send(t, c, Frame{Type: TypeResize, SessionID: "pending", Cols: 80, Rows: 24})
	if extra := syncFrames(t, c, "pending"); len(extra) != 0 {
		t.Fatalf("resize on unknown session replied %+v", extra)
	}
}

func TestInputErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		fs := newFakeSessions()
		_, url := startRelay(t, fs, Options{})
		c := dial(t, url)
		send(t, c, Frame{Type: TypeInput, SessionID: "nope", Data: "x"})
		f := recv(t, c)
		if f.Type != TypeError || f.Code != CodeNotFound || f.SessionID != "nope" {
			t.Fatalf("got %+v", f)
		}
	})

	t.Run("channel rejected", func(t *testing.T) {
		fs := newFakeSessions("s1")
		fs.failCreate = true
		_, url := startRelay(t, fs, Options{})
		c := dial(t, url)
		send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "x"})
		f := recv(t, c)
		if f.Type != TypeError || f.Code != CodeChannelError {
			t.Fatalf("got %+v", f)
		}
	})

	t.Run("write rejected", func(t *testing.T) {
		fs := newFakeSessions("s1")
		fs.rejectInput = true
		_, url := startRelay(t, fs, Options{})
		c := dial(t, url)
		send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "x"})
		f := recv(t, c)
		if f.Type != TypeError || f.Code != CodeChannelError {
			t.Fatalf("got %+v", f)
		}
	})

	t.Run("too large", func(t *testing.T) {
		fs := newFakeSessions("s1")
		_, url := startRelay(t, fs, Options{})
		c := dial(t, url)
		send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: strings.Repeat("a", sshterminal.MaxInputMessageSize+1)})
		f := recv(t, c)
		if f.Type != TypeError || f.Code != CodeTooLarge {
			t.Fatalf("got %+v", f)
		}
		if len(fs.inputsFor("s1")) != 0 {
			t.Fatal("oversized input was delivered")
		}
	})
}

func TestBadFramesKeepSocketOpen(t *testing.T) {
	fs := newFakeSessions("s1")
	_, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	tests := []struct {
		name string
		msg  string
		code string
	}{
		{"malformed json", `{"type":`, CodeBadFrame},
		{"unknown type", `{"type":"launch","sessionId":"s1"}`, CodeUnknownType},
		{"missing type", `{"sessionId":"s1"}`, CodeUnknownType},
		{"input without session", `{"type":"input","data":"x"}`, CodeBadFrame},
		{"zero resize", `{"type":"resize","sessionId":"s1","cols":0,"rows":24}`, CodeBadFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendRaw(t, c, []byte(tt.msg))
			f := recv(t, c)
			if f.Type != TypeError || f.Code != tt.code {
				t.Fatalf("got %+v, want error %s", f, tt.code)
			}
		})
	}

	send(t, c, Frame{Type: TypePing, SessionID: "s1"})
	if f := recv(t, c); f.Type != TypePong || f.SessionID != "s1" {
		t.Fatalf("socket unusable after bad frames: %+v", f)
	}
}

func TestShellClosedSendsDisconnect(t *testing.T) {
	fs := newFakeSessions("s1")
	rl, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "exit\n"})
	syncFrames(t, c, "s1")

	fs.closeShell("s1")
	f := recv(t, c)
	if f.Type != TypeDisconnect || f.SessionID != "s1" {
		t.Fatalf("got %+v", f)
	}
	if rl.BoundSessions() != 0 {
		t.Fatalf("binding kept after shell close")
	}
}

func TestReplacedShellCloseKeepsBinding(t *testing.T) {
	fs := newFakeSessions("s1")
	rl, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "exit\n"})
	syncFrames(t, c, "s1")
	old := fs.dropShell("s1")

	send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "ls\n"})
	syncFrames(t, c, "s1")
	current := fs.sink("s1")
	if current == nil || current == old {
		t.Fatal("replacement shell was not wired")
	}

	old.ShellClosed("s1")
	current.ShellOutput("s1", []byte("fresh"))

	f := recv(t, c)
	if f.Type != TypeOutput || f.Data != "fresh" {
		t.Fatalf("got %+v, want output of the replacement shell", f)
	}
	if rl.BoundSessions() != 1 {
		t.Fatalf("BoundSessions = %d after replaced shell closed", rl.BoundSessions())
	}

	fs.closeShell("s1")
	if f := recv(t, c); f.Type != TypeDisconnect {
		t.Fatalf("got %+v, want disconnect for the current shell", f)
	}
}

func TestUnknownSessionsAreNotBound(t *testing.T) {
	fs := newFakeSessions()
	rl, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("made-up-%d", i)
		send(t, c, Frame{Type: TypeInput, SessionID: id, Data: "x"})
		if f := recv(t, c); f.Code != CodeNotFound {
			t.Fatalf("input for %s: %+v", id, f)
		}
		send(t, c, Frame{Type: TypeResize, SessionID: id, Cols: 80, Rows: 24})
	}
	syncFrames(t, c, "")
	if n := rl.BoundSessions(); n != 0 {
		t.Fatalf("BoundSessions = %d for sessions that do not exist", n)
	}
}

func TestOutputWithoutBindingIsDropped(t *testing.T) {
	fs := newFakeSessions("s1")
	rl, url := startRelay(t, fs, Options{})
	fs.addShell("s1", rl)
	c := dial(t, url)

	rl.ShellOutput("s1", []byte("nobody listening"))

	send(t, c, Frame{Type: TypeResize, SessionID: "s1", Cols: 100, Rows: 30})
	if extra := syncFrames(t, c, "s1"); len(extra) != 0 {
		t.Fatalf("dropped output was replayed: %+v", extra)
	}
	rl.ShellOutput("s1", []byte("now bound"))
	if f := recv(t, c); f.Data != "now bound" {
		t.Fatalf("got %+v", f)
	}
}

func TestSocketCloseClearsBinding(t *testing.T) {
	fs := newFakeSessions("s1")
	rl, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "x"})
	syncFrames(t, c, "s1")
	if rl.BoundSessions() != 1 {
		t.Fatalf("BoundSessions = %d", rl.BoundSessions())
	}

	c.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(5 * time.Second)
	for rl.SocketCount() != 0 || rl.BoundSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sockets=%d bindings=%d after close", rl.SocketCount(), rl.BoundSessions())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRateLimit(t *testing.T) {
	fs := newFakeSessions("s1")
	_, url := startRelay(t, fs, Options{RateLimit: 0.001, RateBurst: 1})
	c := dial(t, url)

	send(t, c, Frame{Type: TypePing, SessionID: "s1"})
	send(t, c, Frame{Type: TypePing, SessionID: "s1"})

	if f := recv(t, c); f.Type != TypePong {
		t.Fatalf("first frame: %+v", f)
	}
	if f := recv(t, c); f.Type != TypeError || f.Code != CodeRateLimited {
		t.Fatalf("second frame: %+v", f)
	}
}

func TestUnresponsiveSocketTerminated(t *testing.T) {
	const interval = 200 * time.Millisecond
	fs := newFakeSessions()
	rl, url := startRelay(t, fs, Options{PingInterval: interval})

	// A client that reads keeps answering pings.
	live := dial(t, url)
	go func() {
		for {
			if _, _, err := live.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	// A client that never reads never answers.
	dial(t, url)
	start := time.Now()
	for rl.SocketCount() != 2 {
		if time.Since(start) > interval {
			t.Fatalf("SocketCount = %d, want both sockets registered", rl.SocketCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// At most two missed intervals, plus scheduling slack.
	deadline := start.Add(2*interval + 300*time.Millisecond)
	for rl.SocketCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("SocketCount = %d %v after connect, want 1", rl.SocketCount(), time.Since(start))
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(3 * interval)
	if rl.SocketCount() != 1 {
		t.Fatalf("responsive socket was terminated")
	}
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // e2 82 ac
	tests := []struct {
		name     string
		in       []byte
		complete string
		rest     []byte
	}{
		{"ascii", []byte("abc"), "abc", nil},
		{"whole rune", append([]byte("a"), euro...), "a€", nil},
		{"one byte of three", append([]byte("a"), euro[0]), "a", euro[:1]},
		{"two bytes of three", append([]byte("a"), euro[:2]...), "a", euro[:2]},
		{"invalid byte passes", []byte{'a', 0xff}, "a\xff", nil},
		{"empty", nil, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, rest := splitUTF8(tt.in)
			if string(complete) != tt.complete || string(rest) != string(tt.rest) {
				t.Errorf("splitUTF8(%q) = %q, %q", tt.in, complete, rest)
			}
		})
	}
}

func TestOutputJoinsSplitRunes(t *testing.T) {
	fs := newFakeSessions("s1")
	rl, url := startRelay(t, fs, Options{})
	c := dial(t, url)

	send(t, c, Frame{Type: TypeInput, SessionID: "s1", Data: "x"})
	syncFrames(t, c, "s1")

	euro := []byte("€")
	rl.ShellOutput("s1", append([]byte("price "), euro[:1]...))
	rl.ShellOutput("s1", append(euro[1:], '5'))

	if f := recv(t, c); f.Data != "price " {
		t.Fatalf("first chunk %q", f.Data)
	}
	if f := recv(t, c); f.Data != "€5" {
		t.Fatalf("second chunk %q", f.Data)
	}
}
