// Package vcs drives the git binary for the working tree that mirrors the
// Flight Recorder.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	DefaultAuthorName  = "devs-agent"
	DefaultAuthorEmail = "devs@local"
)

// GitError reports a failed git invocation with its output.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	msg := "git " + strings.Join(e.Args, " ")
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }

// ExitCode returns git's exit status, or -1 when the process did not run.
func (e *GitError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Client runs git in one working directory.
type Client struct {
	dir         string
	binary      string
	authorName  string
	authorEmail string
	lockRetries int
	allowEmpty  bool
	ignores     []string
	logger      *slog.Logger
}

type Option func(*Client)

// WithIdentity sets the identity written to local config when none is set.
func WithIdentity(name, email string) Option {
	return func(c *Client) {
		if name != "" {
			c.authorName = name
		}
		if email != "" {
			c.authorEmail = email
		}
	}
}

// WithLockRetries sets how many attempts are made when git reports a
// transient .lock conflict. Values below 1 mean a single attempt.
func WithLockRetries(n int) Option {
	return func(c *Client) { c.lockRetries = n }
}

// WithAllowEmpty lets Commit record a commit with no staged changes.
func WithAllowEmpty(allow bool) Option {
	return func(c *Client) { c.allowEmpty = allow }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithIgnores adds .gitignore entries on top of DefaultIgnores, normally the
// state directory when it lives elsewhere in the working tree.
func WithIgnores(entries ...string) Option {
	return func(c *Client) {
		for _, e := range entries {
			if e != "" {
				c.ignores = append(c.ignores, e)
			}
		}
	}
}

// WithBinary overrides the git executable.
func WithBinary(path string) Option {
	return func(c *Client) { c.binary = path }
}

func NewClient(dir string, opts ...Option) *Client {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	c := &Client{
		dir:         dir,
		binary:      "git",
		authorName:  DefaultAuthorName,
		authorEmail: DefaultAuthorEmail,
		lockRetries: 3,
		ignores:     append([]string(nil), DefaultIgnores...),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "vcs", "dir", c.dir)
	return c
}

// Dir returns the working directory.
func (c *Client) Dir() string { return c.dir }

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		return "", &GitError{Args: args, Output: out, Err: err}
	}
	return stdout.String(), nil
}

// runLocked runs a mutating git command, retrying transient lock conflicts.
func (c *Client) runLocked(ctx context.Context, args ...string) (string, error) {
	return WithLockRetry(ctx, c.lockRetries, func() (string, error) {
		return c.run(ctx, args...)
	})
}

// Init creates a repository in the working directory unless one exists, and
// makes sure the ignore entries are in place.
func (c *Client) Init(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if out, err := c.run(ctx, "rev-parse", "--is-inside-work-tree"); err != nil || strings.TrimSpace(out) != "true" {
		if _, err := c.run(ctx, "init", "--quiet"); err != nil {
			return err
		}
	}
	return c.EnsureIgnores(ctx)
}

// Status is the working tree state split the way preconditions need it.
type Status struct {
	Staged    []string
	Unstaged  []string
	Untracked []string
}

func (s Status) IsClean() bool {
	return len(s.Staged) == 0 && len(s.Unstaged) == 0 && len(s.Untracked) == 0
}

// Dirty lists every path with a change, staged first.
func (s Status) Dirty() []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{s.Staged, s.Unstaged, s.Untracked} {
		for _, p := range group {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	out, err := c.run(ctx, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return Status{}, err
	}
	return parsePorcelain(out), nil
}

// parsePorcelain decodes `git status --porcelain=v1 -z`.
func parsePorcelain(out string) Status {
	var st Status
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		if len(e) < 4 {
			continue
		}
		x, y, path := e[0], e[1], e[3:]
		if x == 'R' || x == 'C' {
			// The source path follows as its own entry.
			i++
		}
		if x == '?' && y == '?' {
			st.Untracked = append(st.Untracked, path)
			continue
		}
		if x != ' ' && x != '!' {
			st.Staged = append(st.Staged, path)
		}
		if y != ' ' && y != '!' {
			st.Unstaged = append(st.Unstaged, path)
		}
	}
	return st
}

// Add stages the given paths.
func (c *Client) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := c.runLocked(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// AddAll stages every change including deletions and untracked files.
func (c *Client) AddAll(ctx context.Context) error {
	_, err := c.runLocked(ctx, "add", "-A")
	return err
}

// Commit records the index and returns the new HEAD hash.
func (c *Client) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", &GitError{Args: []string{"commit"}, Err: errors.New("empty commit message")}
	}
	if err := c.EnsureIdentity(ctx); err != nil {
		return "", err
	}
	args := []string{"commit", "--quiet", "--no-verify", "-m", message}
	if c.allowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := c.runLocked(ctx, args...); err != nil {
		return "", err
	}
	hash, err := c.Head(ctx)
	if err != nil {
		return "", err
	}
	c.logger.Debug("git commit", "hash", hash)
	return hash, nil
}

// Snapshot stages everything and commits it.
func (c *Client) Snapshot(ctx context.Context, message string) (string, error) {
	if err := c.AddAll(ctx); err != nil {
		return "", err
	}
	return c.Commit(ctx, message)
}

// Checkout moves the working tree to ref; force discards local changes.
func (c *Client) Checkout(ctx context.Context, ref string, force bool) error {
	args := []string{"checkout", "--quiet"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, ref, "--")
	_, err := c.runLocked(ctx, args...)
	return err
}

// RevParse resolves ref to a full commit hash.
func (c *Client) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) Head(ctx context.Context) (string, error) {
	return c.RevParse(ctx, "HEAD")
}

// CommitExists reports whether hash names a commit in the object store.
func (c *Client) CommitExists(ctx context.Context, hash string) (bool, error) {
	if strings.TrimSpace(hash) == "" {
		return false, nil
	}
	_, err := c.run(ctx, "cat-file", "-e", hash+"^{commit}")
	if err == nil {
		return true, nil
	}
	var gitErr *GitError
	if errors.As(err, &gitErr) && gitErr.ExitCode() > 0 {
		return false, nil
	}
	return false, err
}

// EnsureIdentity writes a local user.name/user.email when git has none.
func (c *Client) EnsureIdentity(ctx context.Context) error {
	for _, kv := range [][2]string{{"user.name", c.authorName}, {"user.email", c.authorEmail}} {
		out, err := c.run(ctx, "config", "--get", kv[0])
		if err == nil && strings.TrimSpace(out) != "" {
			continue
		}
		var gitErr *GitError
		if err != nil && !(errors.As(err, &gitErr) && gitErr.ExitCode() == 1) {
			return err
		}
		if _, err := c.runLocked(ctx, "config", "--local", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// CheckObjectStore runs a connectivity-only fsck.
func (c *Client) CheckObjectStore(ctx context.Context) error {
	_, err := c.run(ctx, "fsck", "--connectivity-only", "--no-dangling", "--quiet")
	return err
}
