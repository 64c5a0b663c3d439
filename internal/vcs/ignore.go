package vcs

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultIgnores keeps the Flight Recorder's own state out of the history it
// records. The state file is rewritten under an open WAL, so committing it
// and later checking it out would replace the live database with a stale one.
var DefaultIgnores = []string{".devs/"}

// IgnoreEntry returns the .gitignore entry for stateDir relative to workDir,
// or "" when stateDir lies outside the working tree.
func IgnoreEntry(workDir, stateDir string) string {
	rel, err := filepath.Rel(workDir, stateDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel) + "/"
}

// EnsureIgnoreFile appends each missing entry to dir/.gitignore, creating the
// file when needed. Existing lines are never removed or reordered. It
// returns the entries it added.
func EnsureIgnoreFile(dir string, entries []string) ([]string, error) {
	file := filepath.Join(dir, ".gitignore")
	existing, err := os.ReadFile(file)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read .gitignore: %w", err)
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		present[normalizeIgnore(line)] = true
	}
	var missing []string
	for _, e := range entries {
		key := normalizeIgnore(e)
		if key == "" || present[key] {
			continue
		}
		present[key] = true
		missing = append(missing, e)
	}
	if len(missing) == 0 {
		return nil, nil
	}

	var b strings.Builder
	if len(existing) > 0 {
		b.WriteString(strings.TrimRight(string(existing), "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("# flightrec runtime state\n")
	for _, e := range missing {
		b.WriteString(e)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(file, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write .gitignore: %w", err)
	}
	return missing, nil
}

// normalizeIgnore maps ".devs", "/.devs" and ".devs/" to one key.
func normalizeIgnore(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return path.Clean(strings.TrimPrefix(strings.TrimSuffix(line, "/"), "/"))
}

// EnsureIgnores writes the client's ignore entries to the working tree's
// .gitignore.
func (c *Client) EnsureIgnores(_ context.Context) error {
	added, err := EnsureIgnoreFile(c.dir, c.ignores)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		c.logger.Info("added .gitignore entries", "entries", added)
	}
	return nil
}
