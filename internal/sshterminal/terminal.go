package sshterminal

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// TerminalSession is the interactive shell channel of a Session: one SSH
// channel with a PTY attached and the login shell running on it.
type TerminalSession struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Session *ssh.Session
}

// PTYOptions describes the pseudo-terminal requested for a shell.
type PTYOptions struct {
	Term string
	Cols int
	Rows int
}

var ptyModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

func (ts *TerminalSession) Resize(cols, rows int) error {
	return ts.Session.WindowChange(rows, cols)
}

func (ts *TerminalSession) Close() error {
	return ts.Session.Close()
}

// CreateInteractiveSession opens a channel on conn, attaches a PTY of the
// requested size and starts the remote user's login shell. The channel is
// closed again if any step fails.
func CreateInteractiveSession(conn Conn, opts PTYOptions) (ts *TerminalSession, err error) {
	cols, rows := ClampSize(opts.Cols, opts.Rows)
	if opts.Term == "" {
		opts.Term = DefaultTermType
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer func() {
		if err != nil {
			session.Close()
		}
	}()

	if err = session.RequestPty(opts.Term, rows, cols, ptyModes); err != nil {
		return nil, fmt.Errorf("request %dx%d pty: %w", cols, rows, err)
	}
	ts = &TerminalSession{Session: session}
	if ts.Stdin, err = session.StdinPipe(); err != nil {
		return nil, fmt.Errorf("attach stdin: %w", err)
	}
	if ts.Stdout, err = session.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("attach stdout: %w", err)
	}
	if err = session.Shell(); err != nil {
		return nil, fmt.Errorf("start login shell: %w", err)
	}
	return ts, nil
}
