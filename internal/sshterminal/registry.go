package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoShell is returned when an operation needs a shell the session does not have.
	ErrNoShell = errors.New("session has no shell")

	errSessionClosed = errors.New("session closed")
)

// ChannelError reports a shell or exec channel request rejected by the SSH
// connection. The session itself stays registered.
type ChannelError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// OutputSink receives shell output once a session's shell has been wired.
// Both methods are called from the shell's read goroutine and must not block.
type OutputSink interface {
	ShellOutput(sessionID string, data []byte)
	ShellClosed(sessionID string)
}

// Config holds registry defaults.
type Config struct {
	DefaultCols       int
	DefaultRows       int
	TermType          string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration // zero disables keepalive
}

// Session is one SSH connection plus the at most one interactive shell
// opened over it.
type Session struct {
	ID        string
	Host      string
	Port      int
	Username  string
	CreatedAt time.Time

	conn Conn

	mu         sync.Mutex
	shell      *TerminalSession
	wired      bool // a read goroutine is delivering shell output
	cols, rows int
	lastActive time.Time
	closed     bool
	done       chan struct{}

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// SessionInfo is a point-in-time view of a Session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
	HasShell   bool      `json:"hasShell"`
	Cols       int       `json:"cols,omitempty"`
	Rows       int       `json:"rows,omitempty"`
}

// Shell returns the session's shell, or nil if none is open.
func (s *Session) Shell() *TerminalSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell
}

// LastActive returns the time of the last input, output or resize.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:         s.ID,
		Host:       s.Host,
		Port:       s.Port,
		Username:   s.Username,
		CreatedAt:  s.CreatedAt,
		LastActive: s.lastActive,
		HasShell:   s.shell != nil,
	}
	if s.shell != nil {
		info.Cols, info.Rows = s.cols, s.rows
	}
	return info
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Registry tracks live sessions by id and manages their shells.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session

	// shells collapses concurrent CreateShell calls for one session id.
	shells singleflight.Group
}

// NewRegistry creates an empty registry. Zero config fields take package defaults.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = DefaultCols
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = DefaultRows
	}
	if cfg.TermType == "" {
		cfg.TermType = DefaultTermType
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Open dials p and registers the resulting connection as a new session.
func (r *Registry) Open(ctx context.Context, p ConnectParams) (*Session, error) {
	client, err := Dial(ctx, p, r.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	port := p.Port
	if port == 0 {
		port = 22
	}
	return r.Add(client, p.Host, port, p.Username), nil
}

// Add registers an established connection. The session is removed when
// the connection ends or keepalives stop being answered.
func (r *Registry) Add(conn Conn, host string, port int, username string) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.New().String(),
		Host:       host,
		Port:       port,
		Username:   username,
		CreatedAt:  now,
		conn:       conn,
		lastActive: now,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	go func() {
		err := conn.Wait()
		r.teardown(s, fmt.Sprintf("connection ended: %v", err))
	}()
	if r.cfg.KeepaliveInterval > 0 {
		go r.keepalive(s)
	}

	log.Printf("[session-mgr] opened session %s to %s@%s:%d", s.ID,
		logutil.SanitizeForLog(username), logutil.SanitizeForLog(host), port)
	return s
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, logutil.SanitizeForLog(id))
	}
	return s, nil
}

// HasShell reports whether session id exists and currently has a shell.
func (r *Registry) HasShell(id string) bool {
	s, err := r.Get(id)
	if err != nil {
		return false
	}
	return s.Shell() != nil
}

// CreateShell returns the session's shell, opening one first if needed.
// Non-positive cols or rows use the configured defaults. Concurrent calls for
// the same id share a single open request and all receive the same shell.
func (r *Registry) CreateShell(id string, cols, rows int) (*TerminalSession, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if term := s.Shell(); term != nil {
		return term, nil
	}

	v, err, _ := r.shells.Do(id, func() (any, error) {
		if term := s.Shell(); term != nil {
			return term, nil
		}
		if cols <= 0 {
			cols = r.cfg.DefaultCols
		}
		if rows <= 0 {
			rows = r.cfg.DefaultRows
		}
		cols, rows = ClampSize(cols, rows)

		term, err := CreateInteractiveSession(s.conn, PTYOptions{Term: r.cfg.TermType, Cols: cols, Rows: rows})
		if err != nil {
			log.Printf("[session-mgr] session %s shell open failed: %v", s.ID, err)
			return nil, &ChannelError{SessionID: s.ID, Op: "shell", Err: err}
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			term.Close()
			return nil, &ChannelError{SessionID: s.ID, Op: "shell", Err: errSessionClosed}
		}
		s.shell = term
		s.wired = false
		s.cols, s.rows = cols, rows
		s.lastActive = time.Now()
		s.mu.Unlock()

		log.Printf("[session-mgr] session %s shell opened (%dx%d)", s.ID, cols, rows)
		return term, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TerminalSession), nil
}

// WireOutput starts delivering the session's shell output to sink. It
// reports false when output is already wired for the current shell.
func (r *Registry) WireOutput(id string, sink OutputSink) (bool, error) {
	s, err := r.Get(id)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	term := s.shell
	if term == nil {
		s.mu.Unlock()
		return false, ErrNoShell
	}
	if s.wired {
		s.mu.Unlock()
		return false, nil
	}
	s.wired = true
	s.mu.Unlock()

	go r.pump(s, term, sink)
	return true, nil
}

// pump copies shell stdout to sink until the shell ends, then notifies sink
// and releases the shell.
func (r *Registry) pump(s *Session, term *TerminalSession, sink OutputSink) {
	buf := make([]byte, 32*1024)
	for {
		n, err := term.Stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.bytesOut.Add(int64(n))
			s.touch()
			sink.ShellOutput(s.ID, data)
		}
		if err != nil {
			log.Printf("[session-mgr] session %s shell ended: %v", s.ID, err)
			// Notify while term is still current, so a shell opened after
			// the release never sees this notice.
			sink.ShellClosed(s.ID)
			r.releaseShell(s, term)
			return
		}
	}
}

// releaseShell drops term from s if it is still the current shell, so the
// next CreateShell opens and wires a fresh one.
func (r *Registry) releaseShell(s *Session, term *TerminalSession) {
	s.mu.Lock()
	if s.shell == term {
		s.shell = nil
		s.wired = false
	}
	s.mu.Unlock()
	term.Close()
}

// CloseShell closes the session's shell, keeping the connection. A wired
// shell is released by its read goroutine, which also notifies the sink.
func (r *Registry) CloseShell(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	term := s.shell
	if term != nil && !s.wired {
		s.shell = nil
	}
	s.mu.Unlock()

	if term == nil {
		return nil
	}
	return term.Close()
}

// SendInput writes data to the session's shell. It reports false when the
// session or shell is missing or the write fails.
func (r *Registry) SendInput(id string, data []byte) bool {
	s, err := r.Get(id)
	if err != nil {
		return false
	}
	term := s.Shell()
	if term == nil {
		return false
	}
	if _, err := term.Stdin.Write(data); err != nil {
		log.Printf("[session-mgr] session %s input rejected: %v", s.ID, err)
		return false
	}
	s.bytesIn.Add(int64(len(data)))
	s.touch()
	return true
}

// Resize forwards a window change to the session's shell. Without a shell it does nothing.
func (r *Registry) Resize(id string, cols, rows int) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	term := s.Shell()
	if term == nil {
		return nil
	}
	cols, rows = ClampSize(cols, rows)
	if err := term.Resize(cols, rows); err != nil {
		return &ChannelError{SessionID: s.ID, Op: "resize", Err: err}
	}
	s.mu.Lock()
	if s.shell == term {
		s.cols, s.rows = cols, rows
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
	return nil
}

// Exec runs cmd on a fresh channel of the session's connection and returns
// its combined output. It does not touch the interactive shell.
func (r *Registry) Exec(ctx context.Context, id, cmd string) ([]byte, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	sess, err := s.conn.NewSession()
	if err != nil {
		return nil, &ChannelError{SessionID: s.ID, Op: "exec", Err: err}
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		s.touch()
		if res.err != nil {
			return res.out, fmt.Errorf("exec on session %s: %w", s.ID, res.err)
		}
		return res.out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the session with id: shell, connection and registration.
func (r *Registry) Close(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	r.teardown(s, "closed by request")
	return nil
}

// CloseAll tears down every session. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		r.teardown(s, "shutdown")
	}
	log.Printf("[session-mgr] all sessions closed (%d total)", len(all))
}

func (r *Registry) teardown(s *Session, reason string) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	term := s.shell
	if !s.wired {
		s.shell = nil
	}
	close(s.done)
	s.mu.Unlock()

	if term != nil {
		term.Close()
	}
	s.conn.Close()

	log.Printf("[session-mgr] closed session %s (%s; in %s, out %s)", s.ID, reason,
		units.HumanSize(float64(s.bytesIn.Load())), units.HumanSize(float64(s.bytesOut.Load())))
}

// List returns a snapshot of every session, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CleanupIdle closes sessions with no activity for longer than timeout and
// returns how many were closed. A non-positive timeout disables cleanup.
func (r *Registry) CleanupIdle(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		r.teardown(s, fmt.Sprintf("idle since %s", s.LastActive().Format(time.RFC3339)))
	}
	return len(idle)
}

// keepalive probes the connection and tears the session down once the
// server stops answering.
func (r *Registry) keepalive(s *Session) {
	ticker := time.NewTicker(r.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[session-mgr] session %s keepalive failed: %v", s.ID, err)
				r.teardown(s, "keepalive failed")
				return
			}
		}
	}
}
