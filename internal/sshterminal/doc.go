// Package sshterminal multiplexes interactive SSH shells.
//
// A [Registry] owns every open SSH connection, keyed by a generated session
// id. Each [Session] carries at most one PTY shell ([TerminalSession]),
// created lazily by [Registry.CreateShell]. Concurrent creates for the same
// id collapse into a single channel request.
//
// Shell output is delivered to an [OutputSink] once [Registry.WireOutput]
// starts the read goroutine for the current shell. When the remote shell
// exits the sink is told via ShellClosed and then the shell is released, so
// the next input opens a fresh one on the same connection.
//
// Sessions end on [Registry.Close], when the connection drops, when
// keepalives fail, or when the [Reaper] finds them idle.
//
// Logs use the [session-mgr] prefix.
package sshterminal
