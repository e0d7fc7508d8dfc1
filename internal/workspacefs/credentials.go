package workspacefs

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/store"
)

// authFileRelPath maps a provider to the auth file its CLI reads, relative
// to the workspace home. Providers not listed here get a generic file under
// the workspace's credentials directory.
var authFileRelPath = map[string]string{
	"codex":  filepath.Join(".codex", "auth.json"),
	"claude": filepath.Join(".claude", ".credentials.json"),
}

// WriteCredentials materializes auth_json_b64 credentials into the files
// the provider CLIs expect, readable only by the workspace user. api_key
// and setup_token credentials are injected as environment variables at
// spawn time and leave nothing on disk.
func (m *Manager) WriteCredentials(ws *store.Workspace) error {
	for name, cfg := range ws.Providers {
		cred := cfg.Credential
		if cred == nil || cred.Type != store.CredentialAuthJSON {
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(cred.Value)
		if err != nil {
			return fmt.Errorf("provider %s: failed to decode auth blob: %w", name, err)
		}

		var path string
		if rel, ok := authFileRelPath[name]; ok {
			path = filepath.Join(m.HomeDir(ws.ID), rel)
		} else {
			path = filepath.Join(m.CredentialsDir(ws.ID), name+".auth.json")
		}

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("provider %s: failed to create auth dir: %w", name, err)
		}
		if err := m.chown(dir, ws.UID, ws.GID); err != nil {
			return err
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return fmt.Errorf("provider %s: failed to write auth file: %w", name, err)
		}
		if err := m.chown(path, ws.UID, ws.GID); err != nil {
			return err
		}
		m.logger.Debug("materialized provider credentials",
			zap.String("workspace_id", ws.ID),
			zap.String("provider", name))
	}
	return nil
}
