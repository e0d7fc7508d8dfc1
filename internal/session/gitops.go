package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/store"
	"github.com/vibe80/vibe80/internal/workspacefs"
)

// localGitTimeout bounds git invocations that never touch the network.
// Clones and fetches run without one; slow remotes are not an error.
const localGitTimeout = 2 * time.Minute

// gitPath is the PATH handed to sandboxed git processes. The helper
// inherits nothing from the host environment.
const gitPath = "/usr/local/bin:/usr/bin:/bin"

// gitSpec builds the sandbox containment for one git invocation. dir is
// the working directory; network stays off unless the command talks to
// the remote.
func (m *Manager) gitSpec(ws *store.Workspace, paths *workspacefs.SessionPaths, dir string, network bool) *sandbox.Spec {
	home := m.fs.HomeDir(ws.ID)
	return &sandbox.Spec{
		UID:          ws.UID,
		GID:          ws.GID,
		Dir:          dir,
		WritePaths:   []string{paths.Root, home},
		AllowNetwork: network,
		Env: map[string]string{
			"HOME":                home,
			"PATH":                gitPath,
			"GIT_TERMINAL_PROMPT": "0",
		},
	}
}

// runGit executes git with args under spec and returns the trimmed
// combined output. The error keeps the output so callers can classify.
func (m *Manager) runGit(ctx context.Context, spec *sandbox.Spec, args ...string) (string, error) {
	argv := append([]string{"git"}, args...)
	out, err := m.runner.Run(ctx, spec, argv)
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %s: %w", args[0], text, err)
	}
	return text, nil
}

// runGitLocal is runGit with the local-operation timeout applied.
func (m *Manager) runGitLocal(ctx context.Context, spec *sandbox.Spec, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, localGitTimeout)
	defer cancel()
	return m.runGit(ctx, spec, args...)
}

// RepoAuth carries one-shot credentials for the initial clone. The material
// is written to files owned by the workspace user and never persisted in
// the store.
type RepoAuth struct {
	// SSHKey is a PEM private key used for ssh remotes.
	SSHKey string `json:"sshKey,omitempty"`
	// Username and Password authenticate http(s) remotes; Password holds
	// tokens too.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (a *RepoAuth) empty() bool {
	return a == nil || (a.SSHKey == "" && a.Username == "" && a.Password == "")
}

// cloneAuth is the materialized form of RepoAuth: extra environment,
// extra `git -c` config, and the files to scrub afterwards.
type cloneAuth struct {
	env        map[string]string
	configArgs []string
	files      []string
}

func (c *cloneAuth) cleanup() {
	for _, f := range c.files {
		_ = os.Remove(f)
	}
}

// writeCloneAuth writes auth material into the session's tmp dir, 0600 and
// owned by the workspace user so the sandboxed git process can read it.
func (m *Manager) writeCloneAuth(ws *store.Workspace, paths *workspacefs.SessionPaths, repoURL string, auth *RepoAuth) (*cloneAuth, error) {
	out := &cloneAuth{env: map[string]string{}}
	if auth.empty() {
		return out, nil
	}

	if auth.SSHKey != "" {
		keyPath := filepath.Join(paths.TmpDir, "clone-key")
		if err := writeOwnedFile(keyPath, []byte(auth.SSHKey), ws.UID, ws.GID); err != nil {
			return nil, apperr.Wrap(apperr.TypeIOFailed, "failed to write ssh key", err)
		}
		out.files = append(out.files, keyPath)
		out.env["GIT_SSH_COMMAND"] = fmt.Sprintf(
			"ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", keyPath)
	}

	if auth.Username != "" || auth.Password != "" {
		line, err := credentialLine(repoURL, auth.Username, auth.Password)
		if err != nil {
			return nil, err
		}
		credPath := filepath.Join(paths.TmpDir, "clone-credentials")
		if err := writeOwnedFile(credPath, []byte(line+"\n"), ws.UID, ws.GID); err != nil {
			return nil, apperr.Wrap(apperr.TypeIOFailed, "failed to write git credentials", err)
		}
		out.files = append(out.files, credPath)
		out.configArgs = append(out.configArgs,
			"-c", fmt.Sprintf("credential.helper=store --file=%s", credPath))
	}

	return out, nil
}

// persistCloneAuth moves working credentials into the workspace home after
// a successful clone so later fetches and agent-driven pushes keep working.
// Worktrees that deny git credential access have these paths masked.
func (m *Manager) persistCloneAuth(ctx context.Context, ws *store.Workspace, paths *workspacefs.SessionPaths, sessionID, repoURL string, auth *RepoAuth) {
	if auth.empty() {
		return
	}
	home := m.fs.HomeDir(ws.ID)
	spec := m.gitSpec(ws, paths, paths.RepoDir, false)

	if auth.Username != "" || auth.Password != "" {
		line, err := credentialLine(repoURL, auth.Username, auth.Password)
		if err == nil {
			credPath := filepath.Join(home, ".git-credentials")
			if err := appendOwnedLine(credPath, line, ws.UID, ws.GID); err != nil {
				m.log.Warn("failed to persist git credentials",
					zap.String("session_id", sessionID), zap.Error(err))
			} else if _, err := m.runGitLocal(ctx, spec, "config", "credential.helper", "store"); err != nil {
				m.log.Warn("failed to configure credential helper",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}

	if auth.SSHKey != "" {
		sshDir := filepath.Join(home, ".ssh")
		if err := os.MkdirAll(sshDir, 0o700); err == nil {
			_ = chownIfRoot(sshDir, ws.UID, ws.GID)
			keyPath := filepath.Join(sshDir, "session-"+sessionID+".key")
			if err := writeOwnedFile(keyPath, []byte(auth.SSHKey), ws.UID, ws.GID); err != nil {
				m.log.Warn("failed to persist ssh key",
					zap.String("session_id", sessionID), zap.Error(err))
			} else {
				sshCmd := fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", keyPath)
				if _, err := m.runGitLocal(ctx, spec, "config", "core.sshCommand", sshCmd); err != nil {
					m.log.Warn("failed to configure ssh command",
						zap.String("session_id", sessionID), zap.Error(err))
				}
			}
		}
	}
}

// credentialLine renders the git credential-store line for a remote.
func credentialLine(repoURL, username, password string) (string, error) {
	scheme, host := splitRemote(repoURL)
	if scheme == "" || host == "" {
		return "", apperr.New(apperr.TypeGitInvalidURL, "cannot derive credential host from repository URL")
	}
	if username == "" {
		username = "git"
	}
	return fmt.Sprintf("%s://%s:%s@%s", scheme, username, password, host), nil
}

// splitRemote extracts scheme and host from an http(s) remote URL.
func splitRemote(repoURL string) (scheme, host string) {
	for _, s := range []string{"https", "http"} {
		prefix := s + "://"
		if !strings.HasPrefix(repoURL, prefix) {
			continue
		}
		rest := strings.TrimPrefix(repoURL, prefix)
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			rest = rest[at+1:]
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		return s, rest
	}
	return "", ""
}

// validateRepoURL rejects URLs no git transport will accept before anything
// touches the filesystem.
func validateRepoURL(repoURL string) error {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return apperr.New(apperr.TypeGitInvalidURL, "repository URL must not be empty")
	}
	if strings.ContainsAny(repoURL, " \t\n\r") {
		return apperr.New(apperr.TypeGitInvalidURL, "repository URL must not contain whitespace")
	}
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://", "file://"} {
		if strings.HasPrefix(repoURL, scheme) {
			if len(repoURL) == len(scheme) {
				return apperr.New(apperr.TypeGitInvalidURL, "repository URL has no host")
			}
			return nil
		}
	}
	// scp-like: user@host:path
	if at := strings.IndexByte(repoURL, '@'); at > 0 {
		if colon := strings.IndexByte(repoURL[at:], ':'); colon > 1 {
			return nil
		}
	}
	// Local mirror paths are allowed; the sandbox bounds what the clone
	// can actually read.
	if filepath.IsAbs(repoURL) {
		return nil
	}
	return apperr.Newf(apperr.TypeGitInvalidURL, "unsupported repository URL %q", repoURL)
}

// classifyCloneError maps git clone output onto the error taxonomy. The
// output tail rides in the message for operators; secrets never appear in
// clone output.
func classifyCloneError(output string, err error) error {
	lower := strings.ToLower(output)
	tail := outputTail(output, 3)

	switch {
	case containsAny(lower,
		"authentication failed",
		"could not read username",
		"could not read password",
		"invalid username or password",
		"permission denied (publickey",
		"access denied",
		"terminal prompts disabled",
		"401",
		"403"):
		return apperr.New(apperr.TypeGitAuthFailed, "git authentication failed: "+tail)
	case containsAny(lower,
		"repository not found",
		"not found",
		"does not appear to be a git repository",
		"does not exist",
		"404"):
		return apperr.New(apperr.TypeGitRepoNotFound, "repository not found: "+tail)
	case containsAny(lower,
		"could not resolve host",
		"unable to access",
		"connection refused",
		"connection timed out",
		"operation timed out",
		"connection reset",
		"network is unreachable",
		"failed to connect",
		"early eof",
		"remote end hung up"):
		return apperr.New(apperr.TypeGitNetwork, "network failure during clone: "+tail)
	case strings.Contains(lower, "is not supported") || strings.Contains(lower, "invalid url"):
		return apperr.New(apperr.TypeGitInvalidURL, "unsupported repository URL: "+tail)
	case containsAny(lower,
		"no space left",
		"read-only file system",
		"disk quota exceeded",
		"input/output error",
		"permission denied"):
		return apperr.New(apperr.TypeIOFailed, "filesystem failure during clone: "+tail)
	default:
		return apperr.Wrap(apperr.TypeInternal, "git clone failed: "+tail, err)
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// outputTail returns the last n non-empty lines of command output.
func outputTail(out string, n int) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			kept = append([]string{line}, kept...)
		}
	}
	return strings.Join(kept, " | ")
}

// writeOwnedFile writes data 0600 and chowns it to the workspace user when
// running as root.
func writeOwnedFile(path string, data []byte, uid, gid int) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	return chownIfRoot(path, uid, gid)
}

// appendOwnedLine appends one line to path, creating it 0600 if needed.
func appendOwnedLine(path, line string, uid, gid int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return chownIfRoot(path, uid, gid)
}

func chownIfRoot(path string, uid, gid int) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return os.Chown(path, uid, gid)
}
