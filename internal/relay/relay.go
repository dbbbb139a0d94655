package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
	"golang.org/x/time/rate"
)

// Sessions is the part of the session registry the relay drives.
// *sshterminal.Registry satisfies it.
type Sessions interface {
	HasShell(id string) bool
	CreateShell(id string, cols, rows int) (*sshterminal.TerminalSession, error)
	WireOutput(id string, sink sshterminal.OutputSink) (bool, error)
	SendInput(id string, data []byte) bool
	Resize(id string, cols, rows int) error
}

// Options tunes a Relay. Zero fields take defaults.
type Options struct {
	PingInterval time.Duration
	ReadLimit    int64
	SendQueue    int
	RateLimit    rate.Limit
	RateBurst    int
}

const (
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 1 << 20
	defaultSendQueue    = 256
	defaultRateLimit    = 200
	defaultRateBurst    = 200
)

// Relay terminates client websockets and bridges their frames to sessions.
// Shell output goes only to the socket most recently bound to its session.
type Relay struct {
	sessions Sessions
	opts     Options

	mu       sync.Mutex
	sockets  map[*socket]struct{}
	bindings map[string]*socket
	wired    map[string]*shellSink
	partial  map[string][]byte // incomplete UTF-8 tail per session

	nextID atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a relay and starts its liveness sweep.
func New(sessions Sessions, opts Options) *Relay {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = defaultRateBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	rl := &Relay{
		sessions: sessions,
		opts:     opts,
		sockets:  make(map[*socket]struct{}),
		bindings: make(map[string]*socket),
		wired:    make(map[string]*shellSink),
		partial:  make(map[string][]byte),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// ServeHTTP upgrades the request and serves frames until the client goes away.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[relay] accept failed: %v", err)
		return
	}
	conn.SetReadLimit(rl.opts.ReadLimit)

	s := newSocket(r.Context(), rl.nextID.Add(1), r.RemoteAddr, conn, rl.opts.SendQueue, rl.opts.RateLimit, rl.opts.RateBurst)
	rl.mu.Lock()
	rl.sockets[s] = struct{}{}
	rl.mu.Unlock()
	log.Printf("[relay] socket %d connected from %s", s.id, logutil.SanitizeForLog(s.remote))

	go s.writeLoop()
	defer rl.drop(s)

	for {
		typ, data, err := conn.Read(s.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				log.Printf("[relay] socket %d closed: %v", s.id, status)
			} else if s.ctx.Err() == nil {
				log.Printf("[relay] socket %d read: %v", s.id, err)
			}
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		rl.handleFrame(s, data)
	}
}

// drop unregisters s and clears every binding that still points at it.
func (rl *Relay) drop(s *socket) {
	rl.mu.Lock()
	delete(rl.sockets, s)
	for id, bound := range rl.bindings {
		if bound == s {
			delete(rl.bindings, id)
		}
	}
	rl.mu.Unlock()
	s.terminate()
	log.Printf("[relay] socket %d disconnected", s.id)
}

func (rl *Relay) handleFrame(s *socket, data []byte) {
	if !s.limiter.Allow() {
		s.sendError("", CodeRateLimited, "too many frames")
		return
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError("", CodeBadFrame, "malformed frame")
		return
	}

	switch f.Type {
	case TypeInput:
		rl.handleInput(s, f)
	case TypeResize:
		rl.handleResize(s, f)
	case TypePing:
		s.enqueue(Frame{Type: TypePong, SessionID: f.SessionID})
	default:
		s.sendError(f.SessionID, CodeUnknownType, fmt.Sprintf("unknown frame type %q", logutil.SanitizeForLog(f.Type)))
	}
}

func (rl *Relay) handleInput(s *socket, f Frame) {
	if f.SessionID == "" {
		s.sendError("", CodeBadFrame, "sessionId is required")
		return
	}
	if len(f.Data) > sshterminal.MaxInputMessageSize {
		s.sendError(f.SessionID, CodeTooLarge, fmt.Sprintf("input exceeds %d bytes", sshterminal.MaxInputMessageSize))
		return
	}

	if err := rl.ensureShell(s, f.SessionID, 0, 0); err != nil {
		s.sendError(f.SessionID, errorCode(err), err.Error())
		return
	}
	if !rl.sessions.SendInput(f.SessionID, []byte(f.Data)) {
		s.sendError(f.SessionID, CodeChannelError, "input rejected by shell")
	}
}

func (rl *Relay) handleResize(s *socket, f Frame) {
	if f.SessionID == "" {
		s.sendError("", CodeBadFrame, "sessionId is required")
		return
	}
	if f.Cols <= 0 || f.Rows <= 0 {
		s.sendError(f.SessionID, CodeBadFrame, "cols and rows must be positive")
		return
	}

	if rl.sessions.HasShell(f.SessionID) {
		rl.bind(f.SessionID, s)
		if err := rl.sessions.Resize(f.SessionID, f.Cols, f.Rows); err != nil {
			log.Printf("[relay] resize session %s: %v", logutil.SanitizeForLog(f.SessionID), err)
		}
		return
	}
	// The session may still be connecting; a failed create is not reported.
	rl.ensureShell(s, f.SessionID, f.Cols, f.Rows)
}

// ensureShell opens the session's shell if needed, binds s to it and starts
// output delivery. s is bound only once the session is known to exist, and
// before wiring so the first output of a new shell is not dropped.
func (rl *Relay) ensureShell(s *socket, id string, cols, rows int) error {
	if _, err := rl.sessions.CreateShell(id, cols, rows); err != nil {
		return err
	}
	rl.bind(id, s)

	sink := &shellSink{rl: rl}
	wired, err := rl.sessions.WireOutput(id, sink)
	if err != nil && !errors.Is(err, sshterminal.ErrNoShell) {
		return err
	}
	if wired {
		rl.mu.Lock()
		if !sink.closed {
			rl.wired[id] = sink
		}
		rl.mu.Unlock()
	}
	return nil
}

func errorCode(err error) string {
	if errors.Is(err, sshterminal.ErrSessionNotFound) {
		return CodeNotFound
	}
	return CodeChannelError
}

func (rl *Relay) bind(id string, s *socket) {
	rl.mu.Lock()
	prev := rl.bindings[id]
	rl.bindings[id] = s
	rl.mu.Unlock()
	if prev != nil && prev != s {
		log.Printf("[relay] session %s rebound from socket %d to %d", logutil.SanitizeForLog(id), prev.id, s.id)
	}
}

// ShellOutput forwards shell output to the socket bound to sessionID.
// Output for an unbound session is dropped.
func (rl *Relay) ShellOutput(sessionID string, data []byte) {
	rl.mu.Lock()
	if tail := rl.partial[sessionID]; len(tail) > 0 {
		data = append(tail, data...)
	}
	text, rest := splitUTF8(data)
	if len(rest) > 0 {
		rl.partial[sessionID] = append([]byte(nil), rest...)
	} else {
		delete(rl.partial, sessionID)
	}
	s := rl.bindings[sessionID]
	rl.mu.Unlock()

	if s == nil || len(text) == 0 {
		return
	}
	s.enqueue(Frame{Type: TypeOutput, SessionID: sessionID, Data: string(text)})
}

// ShellClosed tells the bound socket the shell is gone and clears the binding.
func (rl *Relay) ShellClosed(sessionID string) {
	rl.mu.Lock()
	s := rl.unbindLocked(sessionID)
	rl.mu.Unlock()

	if s != nil {
		s.enqueue(Frame{Type: TypeDisconnect, SessionID: sessionID})
	}
}

// unbindLocked forgets everything held for sessionID and returns the socket
// that was bound to it. Caller holds rl.mu.
func (rl *Relay) unbindLocked(sessionID string) *socket {
	s := rl.bindings[sessionID]
	delete(rl.bindings, sessionID)
	delete(rl.wired, sessionID)
	delete(rl.partial, sessionID)
	return s
}

// shellSink is the OutputSink wired for a single shell. A close notice from
// a sink that has been replaced by a newer shell's sink is ignored.
type shellSink struct {
	rl     *Relay
	closed bool // guarded by rl.mu
}

func (ss *shellSink) ShellOutput(sessionID string, data []byte) {
	ss.rl.ShellOutput(sessionID, data)
}

func (ss *shellSink) ShellClosed(sessionID string) {
	rl := ss.rl
	rl.mu.Lock()
	ss.closed = true
	if cur := rl.wired[sessionID]; cur != nil && cur != ss {
		rl.mu.Unlock()
		log.Printf("[relay] session %s: ignoring close of a replaced shell", logutil.SanitizeForLog(sessionID))
		return
	}
	s := rl.unbindLocked(sessionID)
	rl.mu.Unlock()

	if s != nil {
		s.enqueue(Frame{Type: TypeDisconnect, SessionID: sessionID})
	}
}

func (rl *Relay) sweepLoop() {
	defer close(rl.done)
	ticker := time.NewTicker(rl.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep terminates sockets that missed the previous ping and pings the rest.
// Pings run in their own goroutines so one slow client cannot stall the sweep.
func (rl *Relay) sweep() {
	for _, s := range rl.snapshot() {
		if !s.alive.Swap(false) {
			log.Printf("[relay] socket %d missed ping, terminating", s.id)
			s.terminate()
			continue
		}
		go s.ping(rl.opts.PingInterval)
	}
}

func (rl *Relay) snapshot() []*socket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]*socket, 0, len(rl.sockets))
	for s := range rl.sockets {
		out = append(out, s)
	}
	return out
}

// SocketCount returns the number of connected sockets.
func (rl *Relay) SocketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sockets)
}

// BoundSessions returns the number of sessions with a bound socket.
func (rl *Relay) BoundSessions() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.bindings)
}

// Close stops the liveness sweep and closes every socket with a going-away status.
func (rl *Relay) Close() {
	rl.cancel()
	<-rl.done
	for _, s := range rl.snapshot() {
		s.close(websocket.StatusGoingAway, "server shutting down")
	}
	log.Printf("[relay] closed")
}
