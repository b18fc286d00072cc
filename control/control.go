// Package control carries the daemon's local control protocol: newline
// delimited JSON over a unix domain socket in the state directory, one
// request and one response per connection. The socket is filesystem
// scoped and never network exposed.
package control

import (
	"errors"
	"time"
)

// Op is a control verb.
type Op string

const (
	OpWatch        Op = "watch"
	OpList         Op = "list"
	OpRemove       Op = "remove"
	OpKill         Op = "kill"
	OpSessionStart Op = "session-start"
	OpSessionEnd   Op = "session-end"
)

// Error codes carried in Response.Code so clients can react without
// parsing message text.
const (
	CodeAlreadyWatched = "already_watched"
	CodeNotFound       = "not_found"
	CodeNotARepo       = "not_a_repository"
	CodeInternal       = "internal"
)

// ErrDaemonNotRunning is returned by the client when no daemon socket is
// listening.
var ErrDaemonNotRunning = errors.New("autosave daemon is not running")

// Request is a single control command.
type Request struct {
	Op Op `json:"op"`
	// Path is the repository path for watch/remove, or the main
	// repository path for session ops.
	Path string `json:"path,omitempty"`
	// Branch overrides the configured target branch for watch, and names
	// the sandbox branch for session ops.
	Branch string `json:"branch,omitempty"`
	// Message overrides the configured commit message.
	Message string `json:"message,omitempty"`
	// Session is the sandbox session name for session ops.
	Session string `json:"session,omitempty"`
	// WorktreePath is the sandbox working directory for session-start.
	WorktreePath string `json:"worktree_path,omitempty"`
	// OwnerPID is the client process owning a sandbox session.
	OwnerPID int `json:"owner_pid,omitempty"`
}

// EntryInfo is one row of `list` output.
type EntryInfo struct {
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	Session    string    `json:"session,omitempty"`
	LastCommit time.Time `json:"last_commit,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Active     bool      `json:"active"`
}

// Response answers a Request.
type Response struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Entries []EntryInfo `json:"entries,omitempty"`
	// SessionID identifies a sandbox session created by session-start.
	SessionID string `json:"session_id,omitempty"`
}
