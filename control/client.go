package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Client issues control requests to a running daemon.
type Client struct {
	socketPath string
}

// NewClient returns a client for the daemon socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

const dialTimeout = 2 * time.Second

// Ping reports whether a daemon is listening on the socket.
func (c *Client) Ping() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Call sends one request and reads the response. A missing or refused
// socket maps to ErrDaemonNotRunning.
func (c *Client) Call(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		var opErr *net.OpError
		if os.IsNotExist(err) || errors.As(err, &opErr) {
			return nil, ErrDaemonNotRunning
		}
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Watch registers a repository path with the daemon.
func (c *Client) Watch(path, branch, message string) (*Response, error) {
	return c.Call(Request{Op: OpWatch, Path: path, Branch: branch, Message: message})
}

// List fetches the current watch entries.
func (c *Client) List() ([]EntryInfo, error) {
	resp, err := c.Call(Request{Op: OpList})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}
	return resp.Entries, nil
}

// Remove unregisters a repository path.
func (c *Client) Remove(path string) (*Response, error) {
	return c.Call(Request{Op: OpRemove, Path: path})
}

// Kill asks the daemon to shut down gracefully.
func (c *Client) Kill() (*Response, error) {
	return c.Call(Request{Op: OpKill})
}

// SessionStart attaches a sandbox watcher for a session worktree.
func (c *Client) SessionStart(repoPath, worktreePath, branch, session string) (*Response, error) {
	return c.Call(Request{
		Op:           OpSessionStart,
		Path:         repoPath,
		WorktreePath: worktreePath,
		Branch:       branch,
		Session:      session,
		OwnerPID:     os.Getpid(),
	})
}

// SessionEnd flushes and detaches a sandbox watcher.
func (c *Client) SessionEnd(session string) (*Response, error) {
	return c.Call(Request{Op: OpSessionEnd, Session: session})
}
