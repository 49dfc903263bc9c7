// Package errors classifies failures from the Task Store and the Git
// Workspace Manager into the taxonomy the rest of the core reacts to,
// generalizing the status-driven retry classification the teacher used for
// its upstream API client.
package errors

import (
	"errors"
	"fmt"
)

// Class is the Task Store's TRANSIENT/FATAL tag (§4.1, §7).
type Class string

const (
	Transient Class = "TRANSIENT"
	Fatal     Class = "FATAL"
)

// StoreError wraps a storage-layer failure with its retry class.
type StoreError struct {
	Class Class
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError tags an underlying storage error with its retry class.
func NewStoreError(op string, class Class, err error) *StoreError {
	return &StoreError{Class: class, Op: op, Err: err}
}

// IsTransient reports whether err (or a wrapped StoreError within it) should
// be retried by the caller.
func IsTransient(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Class == Transient
	}
	return false
}

// GitFailureKind is the Git error taxonomy from §7.
type GitFailureKind string

const (
	GitDirtyTree    GitFailureKind = "dirty_tree"
	GitConflict     GitFailureKind = "conflict"
	GitRemoteReject GitFailureKind = "remote_reject"
	GitMissingBranch GitFailureKind = "missing_branch"
	GitToolAbsent   GitFailureKind = "tool_absent"
)

// GitError is a classified failure from the Git Workspace Manager. Callers
// switch on Kind to decide the recovery path (§7): dirty_tree triggers a
// salvage commit, conflict spawns the merger agent, remote_reject triggers a
// rebase, anything else fails the merge and blocks the task.
type GitError struct {
	Kind GitFailureKind
	Op   string
	Err  error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

func NewGitError(op string, kind GitFailureKind, err error) *GitError {
	return &GitError{Kind: kind, Op: op, Err: err}
}

// ClassOfGitError extracts the GitFailureKind from err, defaulting to
// GitToolAbsent (treated as a hard failure) when err isn't a *GitError.
func ClassOfGitError(err error) GitFailureKind {
	var ge *GitError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return GitToolAbsent
}
