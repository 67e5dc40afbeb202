// Package validate centralizes the pre-condition checks every primitive
// runs on its arguments before an executor or the registry ever sees them.
// A failed check returns an opserr.Error of Kind validation and never
// creates a task.
package validate

import (
	"net/url"
	"os"
	"path/filepath"

	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/task"
)

// MaxTaskBytes bounds the free-text instruction given to the agent.
const MaxTaskBytes = 32 * 1024

// Task checks the free-text instruction bound.
func Task(instruction string) error {
	if instruction == "" {
		return opserr.New(opserr.KindValidation, "task must not be empty")
	}
	if len(instruction) > MaxTaskBytes {
		return opserr.New(opserr.KindValidation, "task exceeds 32 KiB")
	}
	return nil
}

// Mode checks that mode is one of the three enumerated sandbox levels.
func Mode(mode string) error {
	switch task.Mode(mode) {
	case task.ModeReadOnly, task.ModeWorkspaceWrite, task.ModeDangerFullAccess:
		return nil
	default:
		return opserr.New(opserr.KindValidation, "mode must be one of read-only, workspace-write, danger-full-access")
	}
}

// Confirm enforces that mutation-capable modes require an explicit confirm=true.
func Confirm(mode string, confirm bool) error {
	if task.Mode(mode).RequiresConfirmation() && !confirm {
		return opserr.New(opserr.KindValidation, "mode "+mode+" requires confirm=true")
	}
	return nil
}

// WorkingDir checks that, when present, working_dir is an absolute path
// that resolves to an existing directory and does not escape outside
// itself via traversal.
func WorkingDir(dir string) error {
	if dir == "" {
		return nil
	}
	if !filepath.IsAbs(dir) {
		return opserr.New(opserr.KindValidation, "working_dir must be an absolute path")
	}
	clean := filepath.Clean(dir)
	if clean != dir {
		return opserr.New(opserr.KindValidation, "working_dir must not contain traversal segments")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return opserr.Wrap(opserr.KindValidation, "working_dir does not exist", err)
	}
	if !info.IsDir() {
		return opserr.New(opserr.KindValidation, "working_dir must be a directory")
	}
	return nil
}

// TaskID checks that an id matches the canonical T-<origin>-<unique> shape.
func TaskID(id string) error {
	if !task.ValidID(id) {
		return opserr.New(opserr.KindValidation, "task_id must match ^T-(local|cloud)-[a-z0-9]+$")
	}
	return nil
}

// RepoURL checks that a repository URL parses and carries a scheme or an
// scp-style git@host:path shape, for cloud_github_setup.
func RepoURL(raw string) error {
	if raw == "" {
		return opserr.New(opserr.KindValidation, "repo_url must not be empty")
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		return nil
	}
	if len(raw) > len("git@:") && raw[:4] == "git@" {
		return nil
	}
	return opserr.New(opserr.KindValidation, "repo_url must be a valid URL or git@host:path")
}
