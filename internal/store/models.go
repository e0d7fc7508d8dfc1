package store

import "time"

// Credential types accepted in a workspace's provider map.
const (
	CredentialAPIKey     = "api_key"
	CredentialAuthJSON   = "auth_json_b64"
	CredentialSetupToken = "setup_token"
)

// ProviderCredential is an opaque credential blob. Expiry, when any, is
// enforced by the provider; the server never synthesizes one.
type ProviderCredential struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ProviderConfig is one entry of a workspace's providers map.
type ProviderConfig struct {
	Enabled    bool                `json:"enabled"`
	Credential *ProviderCredential `json:"credential,omitempty"`
}

// Workspace is a tenant: its own uid/gid, filesystem roots, and provider
// credentials. The clear secret is emitted exactly once at creation; only
// the bcrypt hash is stored.
type Workspace struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	SecretHash string                    `json:"-"`
	UID        int                       `json:"uid"`
	GID        int                       `json:"gid"`
	Providers  map[string]ProviderConfig `json:"providers"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// EnabledProviders returns the names of enabled providers, sorted order not
// guaranteed.
func (w *Workspace) EnabledProviders() []string {
	var out []string
	for name, cfg := range w.Providers {
		if cfg.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// BacklogItem is one persisted note on a session's backlog.
type BacklogItem struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a cloned repository bound to one workspace. All of its files
// live under the workspace's data directory and are owned by the
// workspace's (uid, gid).
type Session struct {
	ID                    string        `json:"id"`
	WorkspaceID           string        `json:"workspace_id"`
	RepoURL               string        `json:"repo_url"`
	Name                  string        `json:"name"`
	CreatedAt             time.Time     `json:"created_at"`
	LastActivityAt        time.Time     `json:"last_activity_at"`
	DefaultInternetAccess bool          `json:"default_internet_access"`
	DefaultDenyGitCreds   bool          `json:"default_deny_git_credentials_access"`
	ActiveProvider        string        `json:"active_provider"`
	Providers             []string      `json:"providers"`
	GitDir                string        `json:"git_dir"`
	RepoDir               string        `json:"repo_dir"`
	AttachmentsDir        string        `json:"attachments_dir"`
	Backlog               []BacklogItem `json:"backlog"`
}

// Touch advances LastActivityAt, keeping it monotone.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// Worktree statuses.
const (
	WorktreeStatusCreating   = "creating"
	WorktreeStatusReady      = "ready"
	WorktreeStatusProcessing = "processing"
	WorktreeStatusStopped    = "stopped"
	WorktreeStatusError      = "error"
)

// Worktree creation contexts.
const (
	WorktreeContextNew  = "new"
	WorktreeContextFork = "fork"
)

// MainWorktreeID is the id of the primary clone's worktree.
const MainWorktreeID = "main"

// Worktree is a branch working copy inside a session. The id is "main" for
// the primary clone, otherwise w<12hex>. A fork records its source's
// ThreadID and Provider at creation; the inherited ThreadID is the agent's
// resume point for the fork's first turn.
type Worktree struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	BranchName       string    `json:"branch_name"`
	Name             string    `json:"name"`
	Provider         string    `json:"provider"`
	Context          string    `json:"context"`
	SourceWorktreeID string    `json:"source_worktree_id,omitempty"`
	Model            string    `json:"model,omitempty"`
	ReasoningEffort  string    `json:"reasoning_effort,omitempty"`
	InternetAccess   bool      `json:"internet_access"`
	DenyGitCreds     bool      `json:"deny_git_credentials_access"`
	Status           string    `json:"status"`
	Color            string    `json:"color"`
	ThreadID         string    `json:"thread_id,omitempty"`
	CurrentTurnID    string    `json:"current_turn_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Message roles.
const (
	RoleUser             = "user"
	RoleAssistant        = "assistant"
	RoleCommandExecution = "commandExecution"
	RoleToolResult       = "tool_result"
)

// ToolResult carries the structured payload of command / tool messages.
type ToolResult struct {
	ToolName string `json:"tool_name,omitempty"`
	Command  string `json:"command,omitempty"`
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// Message is one append-only record in a worktree's conversation log.
type Message struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"session_id"`
	WorktreeID  string      `json:"worktree_id"`
	Role        string      `json:"role"`
	Text        string      `json:"text"`
	Attachments []string    `json:"attachments,omitempty"`
	ToolResult  *ToolResult `json:"tool_result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// RefreshToken is stored by hash only; the clear token never touches disk.
// UsedAt marks the single permitted rotation.
type RefreshToken struct {
	Hash        string     `json:"hash"`
	WorkspaceID string     `json:"workspace_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}
