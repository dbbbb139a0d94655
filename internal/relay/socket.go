package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// socket is one accepted client connection. Frames are queued on send and
// written by a single writer goroutine so a slow client never blocks the
// shell read loops feeding it.
type socket struct {
	id      uint64
	remote  string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// alive is cleared by each liveness sweep and set again when a ping is answered.
	alive atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closing   atomic.Bool
	closeOnce sync.Once
}

func newSocket(parent context.Context, id uint64, remote string, conn *websocket.Conn, queue int, limit rate.Limit, burst int) *socket {
	ctx, cancel := context.WithCancel(parent)
	s := &socket{
		id:      id,
		remote:  remote,
		conn:    conn,
		send:    make(chan []byte, queue),
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.alive.Store(true)
	return s
}

// enqueue queues f for delivery. A full queue closes the socket rather than
// letting output pile up behind an unresponsive client.
func (s *socket) enqueue(f Frame) bool {
	if s.closing.Load() {
		return false
	}
	msg, err := json.Marshal(f)
	if err != nil {
		log.Printf("[relay] socket %d: marshal %s frame: %v", s.id, f.Type, err)
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		log.Printf("[relay] socket %d: send queue full (%d frames), closing", s.id, cap(s.send))
		s.close(websocket.StatusPolicyViolation, "send queue overflow")
		return false
	}
}

func (s *socket) sendError(sessionID, code, msg string) {
	s.enqueue(errorFrame(sessionID, code, msg))
}

// writeLoop drains the send queue until the socket is done.
func (s *socket) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					log.Printf("[relay] socket %d: write failed: %v", s.id, err)
				}
				s.terminate()
				return
			}
		}
	}
}

// ping sends a websocket ping and marks the socket alive when the pong arrives.
func (s *socket) ping(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	if err := s.conn.Ping(ctx); err == nil {
		s.alive.Store(true)
	}
}

// close starts a close handshake without blocking the caller.
func (s *socket) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		go s.conn.Close(code, reason)
	})
}

// terminate drops the connection without a close handshake.
func (s *socket) terminate() {
	s.closing.Store(true)
	s.conn.CloseNow()
	s.cancel()
}
