package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/store"
)

// monoTokenFile holds the long-lived mono-user auth token under dataRoot.
const monoTokenFile = "mono_auth_token"

// MonoOptions configures the mono-user bootstrap.
type MonoOptions struct {
	DataRoot  string
	PublicURL string
	// Providers are the catalog names enabled on the implicit workspace.
	// Mono mode collects no credentials; the CLIs authenticate via device
	// login inside the sandbox.
	Providers []string
	// URLFile, when set, receives the handoff URL for scripts to pick up.
	URLFile string
	// QR prints a terminal QR code below the URL.
	QR bool
	// Out receives the announcement; defaults to stdout.
	Out io.Writer
}

// BootstrapMono prepares mono-user mode: it ensures the implicit workspace
// exists, loads or mints the mono auth token, and announces a single-use
// handoff URL for the first login.
func (s *Service) BootstrapMono(ctx context.Context, opts MonoOptions) (*store.Workspace, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	ws, err := s.ensureMonoWorkspace(ctx, opts.Providers)
	if err != nil {
		return nil, err
	}
	token, err := loadOrCreateMonoToken(filepath.Join(opts.DataRoot, monoTokenFile))
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeIOFailed, "failed to prepare mono auth token", err)
	}
	s.SetMonoAuth(ws.ID, token)

	handoff, _, err := s.MintHandoff(ctx, ws.ID, "")
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(opts.PublicURL, "/") + "/handoff?token=" + handoff

	if opts.URLFile != "" {
		if err := os.WriteFile(opts.URLFile, []byte(url+"\n"), 0o600); err != nil {
			s.log.Warn("failed to write handoff url file",
				zap.String("path", opts.URLFile), zap.Error(err))
		}
	}

	fmt.Fprintf(opts.Out, "==> Open this URL to authenticate: %s\n", url)
	if opts.QR {
		qrterminal.GenerateHalfBlock(url, qrterminal.L, opts.Out)
	}

	s.log.Info("mono-user bootstrap complete", zap.String("workspace_id", ws.ID))
	return ws, nil
}

// ensureMonoWorkspace returns the implicit workspace, creating it on first
// start with every given provider enabled and no credentials, so sessions
// can start right after the first login. Mono-user deployments hold exactly
// one workspace; the clear secret of a freshly created one is discarded
// because login goes through the mono auth token instead.
func (s *Service) ensureMonoWorkspace(ctx context.Context, providerNames []string) (*store.Workspace, error) {
	existing, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to list workspaces", err)
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	providers := make(map[string]store.ProviderConfig, len(providerNames))
	for _, name := range providerNames {
		providers[name] = store.ProviderConfig{Enabled: true}
	}
	ws, _, err := s.CreateWorkspace(ctx, "default", providers)
	return ws, err
}

func loadOrCreateMonoToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read mono auth token: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate mono auth token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create data root: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write mono auth token: %w", err)
	}
	return token, nil
}
