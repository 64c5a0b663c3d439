package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fullHash = regexp.MustCompile(`^[0-9a-f]{40}$`)

func newRepo(t *testing.T) *Client {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	c := NewClient(t.TempDir(), WithIdentity("tester", "tester@example.com"))
	require.NoError(t, c.Init(context.Background()))
	return c
}

func writeFile(t *testing.T, c *Client, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), name), []byte(content), 0o644))
}

func TestCommitMessage(t *testing.T) {
	t.Run("hash verbatim", func(t *testing.T) {
		msg := CommitMessage(42, StateSnapshot{Hash: "abc123"})
		assert.Equal(t, "task: complete 42\n\nTASK-ID: 42\ndevs-state-snapshot: abc123", msg)
	})
	t.Run("summary is compact sorted json", func(t *testing.T) {
		msg := CommitMessage(7, StateSnapshot{Summary: map[string]any{"requirements": 3, "projects": 1, "hash": "ignored", "note": "a<b"}})
		assert.True(t, strings.HasSuffix(msg, `devs-state-snapshot: {"note":"a<b","projects":1,"requirements":3}`), msg)
	})
	t.Run("empty summary", func(t *testing.T) {
		assert.True(t, strings.HasSuffix(CommitMessage(1, StateSnapshot{}), "devs-state-snapshot: {}"))
	})
	t.Run("long value truncated", func(t *testing.T) {
		msg := CommitMessage(1, StateSnapshot{Hash: strings.Repeat("x", 1200)})
		value := strings.TrimPrefix(msg[strings.Index(msg, "devs-state-snapshot: "):], "devs-state-snapshot: ")
		assert.Equal(t, strings.Repeat("x", MaxSnapshotChars)+"...", value)
	})
	t.Run("trailer round trip", func(t *testing.T) {
		id, ok := ParseTaskID(CommitMessage(99, StateSnapshot{Hash: "h"}))
		assert.True(t, ok)
		assert.Equal(t, int64(99), id)
	})
}

func TestParsePorcelain(t *testing.T) {
	out := "M  staged.go\x00 M edited.go\x00MM both.go\x00R  new.go\x00old.go\x00?? fresh.txt\x00"
	st := parsePorcelain(out)
	assert.Equal(t, []string{"staged.go", "both.go", "new.go"}, st.Staged)
	assert.Equal(t, []string{"edited.go", "both.go"}, st.Unstaged)
	assert.Equal(t, []string{"fresh.txt"}, st.Untracked)
	assert.False(t, st.IsClean())
	assert.True(t, parsePorcelain("").IsClean())
}

func TestWithLockRetry(t *testing.T) {
	old := lockRetryInitial
	lockRetryInitial = time.Millisecond
	t.Cleanup(func() { lockRetryInitial = old })
	ctx := context.Background()
	lockErr := &GitError{Args: []string{"commit"}, Output: "fatal: Unable to create '/repo/.git/index.lock': File exists."}

	calls := 0
	v, err := WithLockRetry(ctx, 3, func() (string, error) {
		calls++
		if calls < 3 {
			return "", lockErr
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = WithLockRetry(ctx, 5, func() (string, error) {
		calls++
		return "", errors.New("fatal: not a git repository")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-lock errors are not retried")

	calls = 0
	_, err = WithLockRetry(ctx, 2, func() (string, error) {
		calls++
		return "", lockErr
	})
	var gitErr *GitError
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, 2, calls)
}

func TestIsTransientLockError(t *testing.T) {
	assert.True(t, IsTransientLockError(errors.New("error: could not lock config file .git/config: File exists")))
	assert.True(t, IsTransientLockError(errors.New("fatal: Unable to create '/x/.git/refs/heads/main.lock'")))
	assert.False(t, IsTransientLockError(errors.New("nothing to commit, working tree clean")))
	assert.False(t, IsTransientLockError(nil))
}

func TestClient_SnapshotCommitAndCheckout(t *testing.T) {
	c := newRepo(t)
	ctx := context.Background()

	writeFile(t, c, "a.txt", "one")
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{".gitignore", "a.txt"}, st.Untracked)

	first, err := c.Snapshot(ctx, CommitMessage(1, StateSnapshot{Hash: "s1"}))
	require.NoError(t, err)
	assert.Regexp(t, fullHash, first)

	writeFile(t, c, "a.txt", "two")
	require.NoError(t, c.AddAll(ctx))
	second, err := c.Commit(ctx, "second")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	ok, err := c.CommitExists(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.CommitExists(ctx, strings.Repeat("0", 40))
	require.NoError(t, err)
	assert.False(t, ok)

	writeFile(t, c, "a.txt", "local edit")
	require.NoError(t, c.Checkout(ctx, first, true))
	head, err := c.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, head)
	data, err := os.ReadFile(filepath.Join(c.Dir(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestClient_CommitWithNothingStagedFails(t *testing.T) {
	c := newRepo(t)
	ctx := context.Background()
	writeFile(t, c, "a.txt", "one")
	_, err := c.Snapshot(ctx, "initial")
	require.NoError(t, err)

	_, err = c.Commit(ctx, "nothing")
	var gitErr *GitError
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, "commit", gitErr.Args[0])

	empty := NewClient(c.Dir(), WithAllowEmpty(true))
	hash, err := empty.Commit(ctx, "anchor")
	require.NoError(t, err)
	assert.Regexp(t, fullHash, hash)
}

func TestClient_VerifyWorkspace(t *testing.T) {
	c := newRepo(t)
	ctx := context.Background()

	report := c.VerifyWorkspace(ctx)
	assert.False(t, report.HeadExists)
	assert.False(t, report.Passed())

	writeFile(t, c, "a.txt", "one")
	first, err := c.Snapshot(ctx, "initial")
	require.NoError(t, err)
	assert.True(t, c.VerifyWorkspace(ctx).Passed())
	assert.Empty(t, c.VerifyObjectStore(ctx))

	writeFile(t, c, "b.txt", "untracked")
	report = c.VerifyWorkspace(ctx)
	assert.True(t, report.Dirty)
	assert.Equal(t, []string{"b.txt"}, report.DirtyFiles)

	require.NoError(t, os.Remove(filepath.Join(c.Dir(), "b.txt")))
	require.NoError(t, c.Checkout(ctx, first, false))
	report = c.VerifyWorkspace(ctx)
	assert.True(t, report.DetachedHead)
	assert.Equal(t, ViolationDetachedHead, report.Violations[0].Kind)
}

func TestIgnoreEntry(t *testing.T) {
	ws := filepath.Join("/", "work", "repo")
	assert.Equal(t, ".devs/", IgnoreEntry(ws, filepath.Join(ws, ".devs")))
	assert.Equal(t, "var/state/", IgnoreEntry(ws, filepath.Join(ws, "var", "state")))
	assert.Empty(t, IgnoreEntry(ws, filepath.Join("/", "var", "lib", "flightrec")))
	assert.Empty(t, IgnoreEntry(ws, ws))
}

func TestEnsureIgnoreFile(t *testing.T) {
	t.Run("creates file", func(t *testing.T) {
		dir := t.TempDir()
		added, err := EnsureIgnoreFile(dir, []string{".devs/"})
		require.NoError(t, err)
		assert.Equal(t, []string{".devs/"}, added)
		data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
		require.NoError(t, err)
		assert.Equal(t, "# flightrec runtime state\n.devs/\n", string(data))
	})
	t.Run("keeps existing lines and appends once", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, ".gitignore")
		require.NoError(t, os.WriteFile(file, []byte("node_modules/\n*.log"), 0o644))

		_, err := EnsureIgnoreFile(dir, []string{".devs/", "state/"})
		require.NoError(t, err)
		added, err := EnsureIgnoreFile(dir, []string{".devs/", "state/"})
		require.NoError(t, err)
		assert.Empty(t, added)

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Equal(t, "node_modules/\n*.log\n\n# flightrec runtime state\n.devs/\nstate/\n", string(data))
	})
	t.Run("entry without trailing slash counts", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("/.devs\n"), 0o644))
		added, err := EnsureIgnoreFile(dir, DefaultIgnores)
		require.NoError(t, err)
		assert.Empty(t, added)
	})
}

func TestClient_InitIgnoresStateDir(t *testing.T) {
	c := newRepo(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Join(c.Dir(), ".devs"), 0o755))
	writeFile(t, c, ".devs/state.sqlite", "db")
	writeFile(t, c, "a.txt", "one")

	_, err := c.Snapshot(ctx, "initial")
	require.NoError(t, err)
	out, err := exec.Command("git", "-C", c.Dir(), "ls-files").Output()
	require.NoError(t, err)
	assert.Equal(t, ".gitignore\na.txt\n", string(out))

	// Running Init again on an existing repository leaves the file alone.
	before, err := os.ReadFile(filepath.Join(c.Dir(), ".gitignore"))
	require.NoError(t, err)
	require.NoError(t, c.Init(ctx))
	after, err := os.ReadFile(filepath.Join(c.Dir(), ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
