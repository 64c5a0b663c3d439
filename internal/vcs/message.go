package vcs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxSnapshotChars bounds the devs-state-snapshot footer value.
const MaxSnapshotChars = 900

// StateSnapshot describes the recorder state a commit corresponds to. A
// non-empty Hash is used verbatim; otherwise Summary is rendered as compact
// JSON with sorted keys.
type StateSnapshot struct {
	Hash    string
	Summary map[string]any
}

// CommitMessage renders the task-completion commit message:
//
//	task: complete {id}
//
//	TASK-ID: {id}
//	devs-state-snapshot: {value}
func CommitMessage(taskID int64, snapshot StateSnapshot) string {
	id := strconv.FormatInt(taskID, 10)
	return fmt.Sprintf("task: complete %s\n\nTASK-ID: %s\ndevs-state-snapshot: %s", id, id, snapshotValue(snapshot))
}

func snapshotValue(s StateSnapshot) string {
	value := s.Hash
	if value == "" {
		summary := make(map[string]any, len(s.Summary))
		for k, v := range s.Summary {
			if k != "hash" {
				summary[k] = v
			}
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(summary); err != nil {
			value = "{}"
		} else {
			value = strings.TrimSuffix(buf.String(), "\n")
		}
	}
	if utf8.RuneCountInString(value) > MaxSnapshotChars {
		runes := []rune(value)
		value = string(runes[:MaxSnapshotChars]) + "..."
	}
	return value
}

// ParseTaskID returns the TASK-ID trailer of a commit message.
func ParseTaskID(message string) (int64, bool) {
	for _, line := range strings.Split(message, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "TASK-ID:")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
