package orchestrator

import (
	"path/filepath"
	"strings"
)

// PathPolicy approves file writes inside the workspace's allowed directories,
// denies writes that escape the workspace or touch restricted directories, and
// escalates every other request to the user.
type PathPolicy struct {
	AllowedPaths    []string // Workspace-relative prefixes writable without asking
	RestrictedPaths []string // Workspace-relative prefixes never writable
	SafeCommands    []string // Command prefixes approved without asking
}

// NewPathPolicy returns the default policy: src/ and tests/ writable, .elisa/
// and .git/ off limits, no pre-approved commands.
func NewPathPolicy() *PathPolicy {
	return &PathPolicy{
		AllowedPaths:    append([]string(nil), defaultAllowedPaths...),
		RestrictedPaths: append(append([]string(nil), defaultRestrictedPaths...), ".git/"),
	}
}

// Evaluate implements PermissionPolicy.
func (p *PathPolicy) Evaluate(permissionType, target, taskID, workspace string) PermissionDecision {
	d := PermissionDecision{Decision: DecisionEscalate, PermissionType: permissionType}

	switch permissionType {
	case PermissionFileWrite:
		rel, ok := workspaceRelative(workspace, target)
		if !ok {
			d.Decision, d.Reason = DecisionDenied, "path is outside the workspace"
			return d
		}
		for _, prefix := range p.RestrictedPaths {
			if hasPathPrefix(rel, prefix) {
				d.Decision, d.Reason = DecisionDenied, "path is restricted: "+prefix
				return d
			}
		}
		for _, prefix := range p.AllowedPaths {
			if hasPathPrefix(rel, prefix) {
				d.Decision, d.Reason = DecisionApproved, "path is inside "+prefix
				return d
			}
		}
		d.Reason = "path is not in an allowed directory"

	case PermissionCommand:
		cmd := strings.TrimSpace(target)
		for _, safe := range p.SafeCommands {
			if cmd == safe || strings.HasPrefix(cmd, safe+" ") {
				d.Decision, d.Reason = DecisionApproved, "command is pre-approved"
				return d
			}
		}
		d.Reason = "command needs approval"

	default:
		d.Reason = "needs approval"
	}
	return d
}

// workspaceRelative returns target relative to workspace, in slash form.
// ok is false when target resolves outside the workspace.
func workspaceRelative(workspace, target string) (string, bool) {
	if target == "" {
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(workspace, target)
	}
	rel, err := filepath.Rel(filepath.Clean(workspace), filepath.Clean(target))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func hasPathPrefix(rel, prefix string) bool {
	prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}
