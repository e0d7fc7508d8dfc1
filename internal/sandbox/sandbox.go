// Package sandbox builds the argument vector that launches a child process
// as a workspace's (uid, gid) with a filesystem allowlist, optional network
// denial, and credential hiding. Every external command executed on a
// session's behalf goes through here: clones, git invocations, agent spawns.
package sandbox

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
)

// Spec describes the isolation applied to one child process.
type Spec struct {
	UID int
	GID int
	// Dir is the child's working directory.
	Dir string
	// WritePaths stay writable. Ownership already restricts writes to the
	// workspace's own tree; the list makes the intended surface explicit.
	WritePaths []string
	// ReadPaths are remounted read-only in the child's mount namespace.
	ReadPaths []string
	// AllowNetwork leaves the child in the host network namespace. When
	// false the child gets an interface-less namespace and every connect
	// fails.
	AllowNetwork bool
	// MaskPaths are hidden from the child: files read back empty,
	// directories read back vacant.
	MaskPaths []string
	// Env is the child's entire environment. The helper inherits nothing
	// from the host.
	Env map[string]string
}

// BuildArgv produces the runas helper invocation for spec and argv.
// Environment entries are emitted in sorted key order so the produced
// vector is deterministic.
func BuildArgv(runasPath string, spec *Spec, argv []string) []string {
	out := []string{
		runasPath,
		"--uid", strconv.Itoa(spec.UID),
		"--gid", strconv.Itoa(spec.GID),
		"--dir", spec.Dir,
	}
	for _, p := range spec.WritePaths {
		out = append(out, "--write", p)
	}
	for _, p := range spec.ReadPaths {
		out = append(out, "--read", p)
	}
	if !spec.AllowNetwork {
		out = append(out, "--deny-network")
	}
	for _, p := range spec.MaskPaths {
		out = append(out, "--mask", p)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, "--env", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	out = append(out, "--")
	return append(out, argv...)
}

// GitCredentialMaskPaths returns the well-known credential locations under
// home that are hidden when a worktree denies git credential access.
func GitCredentialMaskPaths(home string) []string {
	return []string{
		filepath.Join(home, ".git-credentials"),
		filepath.Join(home, ".config", "git", "credentials"),
		filepath.Join(home, ".ssh"),
	}
}
