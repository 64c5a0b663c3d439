package vcs

import (
	"context"
	"fmt"
	"strings"
)

type ViolationKind string

const (
	ViolationDirtyWorkspace ViolationKind = "dirty_workspace"
	ViolationDetachedHead   ViolationKind = "detached_head"
	ViolationMissingHead    ViolationKind = "missing_head"
	ViolationObjectStore    ViolationKind = "object_store_corruption"
)

type Violation struct {
	Kind    ViolationKind
	Message string
	Details string
}

// IntegrityReport is the result of VerifyWorkspace.
type IntegrityReport struct {
	Dirty        bool
	DetachedHead bool
	HeadExists   bool
	DirtyFiles   []string
	Violations   []Violation
}

func (r IntegrityReport) Passed() bool { return len(r.Violations) == 0 }

// VerifyWorkspace checks that the tree is clean and HEAD is a reachable
// commit on a branch. It never returns an error; failures become violations.
func (c *Client) VerifyWorkspace(ctx context.Context) IntegrityReport {
	report := IntegrityReport{HeadExists: true}

	st, err := c.Status(ctx)
	switch {
	case err != nil:
		report.Dirty = true
		report.Violations = append(report.Violations, Violation{
			Kind:    ViolationDirtyWorkspace,
			Message: "failed to read workspace status",
			Details: err.Error(),
		})
	case !st.IsClean():
		report.Dirty = true
		report.DirtyFiles = st.Dirty()
		preview := report.DirtyFiles
		suffix := ""
		if len(preview) > 5 {
			preview, suffix = preview[:5], " …"
		}
		report.Violations = append(report.Violations, Violation{
			Kind:    ViolationDirtyWorkspace,
			Message: fmt.Sprintf("workspace has %d uncommitted change(s): %s%s", len(report.DirtyFiles), strings.Join(preview, ", "), suffix),
			Details: strings.Join(report.DirtyFiles, "\n"),
		})
	}

	if _, err := c.run(ctx, "rev-parse", "--verify", "HEAD"); err != nil {
		report.HeadExists = false
		report.Violations = append(report.Violations, Violation{
			Kind:    ViolationMissingHead,
			Message: "HEAD is not reachable; the repository has no commits or HEAD is corrupt",
			Details: err.Error(),
		})
	}
	if _, err := c.run(ctx, "symbolic-ref", "--quiet", "HEAD"); err != nil && report.HeadExists {
		report.DetachedHead = true
		report.Violations = append(report.Violations, Violation{
			Kind:    ViolationDetachedHead,
			Message: "HEAD is detached; check out a branch before taking a snapshot",
			Details: err.Error(),
		})
	}
	return report
}

// VerifyObjectStore reports object store corruption as a violation list.
func (c *Client) VerifyObjectStore(ctx context.Context) []Violation {
	if err := c.CheckObjectStore(ctx); err != nil {
		return []Violation{{
			Kind:    ViolationObjectStore,
			Message: "git object store integrity check failed",
			Details: err.Error(),
		}}
	}
	return nil
}
