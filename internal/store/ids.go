package store

import (
	"fmt"
	"regexp"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const hexAlphabet = "0123456789abcdef"

var (
	workspaceIDPattern = regexp.MustCompile(`^w[0-9a-f]{24}$`)
	sessionIDPattern   = regexp.MustCompile(`^[0-9a-f]{32}$`)
	worktreeIDPattern  = regexp.MustCompile(`^w[0-9a-f]{12}$`)
)

// NewWorkspaceID mints a workspace id of the form w<24 hex>.
func NewWorkspaceID() (string, error) {
	suffix, err := gonanoid.Generate(hexAlphabet, 24)
	if err != nil {
		return "", fmt.Errorf("failed to generate workspace id: %w", err)
	}
	return "w" + suffix, nil
}

// NewSessionID mints an opaque 32-hex session id.
func NewSessionID() (string, error) {
	id, err := gonanoid.Generate(hexAlphabet, 32)
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return id, nil
}

// NewWorktreeID mints a worktree id of the form w<12 hex>.
func NewWorktreeID() (string, error) {
	suffix, err := gonanoid.Generate(hexAlphabet, 12)
	if err != nil {
		return "", fmt.Errorf("failed to generate worktree id: %w", err)
	}
	return "w" + suffix, nil
}

// ValidWorkspaceID reports whether id matches w[0-9a-f]{24}.
func ValidWorkspaceID(id string) bool {
	return workspaceIDPattern.MatchString(id)
}

// ValidSessionID reports whether id is 32 lowercase hex characters.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ValidWorktreeID reports whether id is "main" or matches w[0-9a-f]{12}.
func ValidWorktreeID(id string) bool {
	return id == MainWorktreeID || worktreeIDPattern.MatchString(id)
}
