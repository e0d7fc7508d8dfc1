package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/store"
)

func TestListBranches(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)

	wt, err := rig.m.CreateWorktree(ctx, rig.ws.ID, sess.ID, CreateWorktreeRequest{})
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	branches, err := rig.m.ListBranches(ctx, rig.ws.ID, sess.ID)
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	byName := make(map[string]Branch, len(branches))
	for _, b := range branches {
		byName[b.Name] = b
	}
	main, ok := byName["main"]
	if !ok || !main.Current {
		t.Errorf("expected main to be listed as current, got %+v", branches)
	}
	side, ok := byName[wt.BranchName]
	if !ok || side.Current {
		t.Errorf("expected %q listed and not current, got %+v", wt.BranchName, branches)
	}
}

func TestSwitchBranch(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)
	runGit(t, sess.RepoDir, "branch", "side")

	if err := rig.m.SwitchBranch(ctx, rig.ws.ID, sess.ID, "side"); err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	head := strings.TrimSpace(runGit(t, sess.RepoDir, "rev-parse", "--abbrev-ref", "HEAD"))
	if head != "side" {
		t.Errorf("expected HEAD on side, got %q", head)
	}
	main, err := rig.st.GetWorktree(ctx, sess.ID, store.MainWorktreeID)
	if err != nil {
		t.Fatalf("GetWorktree failed: %v", err)
	}
	if main.BranchName != "side" {
		t.Errorf("main worktree row not updated, got %q", main.BranchName)
	}

	if err := rig.m.SwitchBranch(ctx, rig.ws.ID, sess.ID, "ghost"); apperr.TypeOf(err) != apperr.TypeValidation {
		t.Errorf("expected VALIDATION for unknown branch, got %v", err)
	}
}

func TestSwitchBranchDirtyTreeRefused(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)
	runGit(t, sess.RepoDir, "branch", "side")
	writeFile(t, sess.RepoDir, "README.md", "# dirty")

	err := rig.m.SwitchBranch(ctx, rig.ws.ID, sess.ID, "side")
	if apperr.TypeOf(err) != apperr.TypeConflict {
		t.Fatalf("expected CONFLICT for dirty tree, got %v", err)
	}
}

func TestSetGitIdentity(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)

	if err := rig.m.SetGitIdentity(ctx, rig.ws.ID, sess.ID, "Agent Smith", "smith@example.com"); err != nil {
		t.Fatalf("SetGitIdentity failed: %v", err)
	}
	name := strings.TrimSpace(runGit(t, sess.RepoDir, "config", "user.name"))
	if name != "Agent Smith" {
		t.Errorf("expected configured name, got %q", name)
	}

	if err := rig.m.SetGitIdentity(ctx, rig.ws.ID, sess.ID, "", "x@y"); apperr.TypeOf(err) != apperr.TypeValidation {
		t.Errorf("expected VALIDATION for blank name, got %v", err)
	}
}

func TestWorktreeUnifiedDiff(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)

	diff, err := rig.m.WorktreeUnifiedDiff(ctx, rig.ws.ID, sess.ID, store.MainWorktreeID)
	if err != nil {
		t.Fatalf("WorktreeUnifiedDiff failed: %v", err)
	}
	if diff != "" {
		t.Errorf("clean tree must diff empty, got %q", diff)
	}

	writeFile(t, sess.RepoDir, "README.md", "# changed")
	diff, err = rig.m.WorktreeUnifiedDiff(ctx, rig.ws.ID, sess.ID, store.MainWorktreeID)
	if err != nil {
		t.Fatalf("WorktreeUnifiedDiff failed: %v", err)
	}
	if !strings.Contains(diff, "README.md") || !strings.Contains(diff, "+# changed") {
		t.Errorf("diff missing the change: %q", diff)
	}
}

func TestWorktreeCommits(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)

	writeFile(t, sess.RepoDir, "second.txt", "two")
	runGit(t, sess.RepoDir, "add", ".")
	runGit(t, sess.RepoDir, "-c", "user.email=test@test.com", "-c", "user.name=Test User", "commit", "-m", "Second commit")

	commits, err := rig.m.WorktreeCommits(ctx, rig.ws.ID, sess.ID, store.MainWorktreeID, 0)
	if err != nil {
		t.Fatalf("WorktreeCommits failed: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].Subject != "Second commit" {
		t.Errorf("expected newest first, got %q", commits[0].Subject)
	}
	if commits[0].AuthorName != "Test User" || commits[0].AuthorEmail != "test@test.com" {
		t.Errorf("author fields wrong: %+v", commits[0])
	}
	if commits[0].SHA == "" || commits[0].CommittedAt.IsZero() {
		t.Errorf("sha or timestamp missing: %+v", commits[0])
	}

	limited, err := rig.m.WorktreeCommits(ctx, rig.ws.ID, sess.ID, store.MainWorktreeID, 1)
	if err != nil {
		t.Fatalf("WorktreeCommits failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit respected, got %d commits", len(limited))
	}
}

func TestWorktreeStatusEntries(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)

	writeFile(t, sess.RepoDir, "README.md", "# changed")
	writeFile(t, sess.RepoDir, "fresh.txt", "new")

	entries, err := rig.m.WorktreeStatusEntries(ctx, rig.ws.ID, sess.ID, store.MainWorktreeID)
	if err != nil {
		t.Fatalf("WorktreeStatusEntries failed: %v", err)
	}
	byPath := make(map[string]string, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e.Code
	}
	if byPath["README.md"] != " M" {
		t.Errorf("expected ' M' for README.md, got %q", byPath["README.md"])
	}
	if byPath["fresh.txt"] != "??" {
		t.Errorf("expected '??' for fresh.txt, got %q", byPath["fresh.txt"])
	}
}

func TestMergeWorktreeFastForward(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)

	wt, err := rig.m.CreateWorktree(ctx, rig.ws.ID, sess.ID, CreateWorktreeRequest{})
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}
	wtDir := rig.fs.WorktreeDir(rig.ws.ID, sess.ID, wt.ID)
	writeFile(t, wtDir, "feature.txt", "done")
	runGit(t, wtDir, "add", ".")
	runGit(t, wtDir, "-c", "user.email=test@test.com", "-c", "user.name=Test User", "commit", "-m", "Add feature")

	if err := rig.m.MergeWorktree(ctx, rig.ws.ID, sess.ID, wt.ID); err != nil {
		t.Fatalf("MergeWorktree failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sess.RepoDir, "feature.txt")); err != nil {
		t.Errorf("merged file missing from primary copy: %v", err)
	}
}

func TestMergeMainWorktreeRefused(t *testing.T) {
	rig := createTestRig(t)
	sess := createTestSession(t, rig)

	err := rig.m.MergeWorktree(context.Background(), rig.ws.ID, sess.ID, store.MainWorktreeID)
	if apperr.TypeOf(err) != apperr.TypeValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestMergeConflictLeavesMergeInProgress(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)
	if err := rig.m.SetGitIdentity(ctx, rig.ws.ID, sess.ID, "Test User", "test@test.com"); err != nil {
		t.Fatalf("SetGitIdentity failed: %v", err)
	}

	wt, err := rig.m.CreateWorktree(ctx, rig.ws.ID, sess.ID, CreateWorktreeRequest{})
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}
	wtDir := rig.fs.WorktreeDir(rig.ws.ID, sess.ID, wt.ID)
	writeFile(t, wtDir, "README.md", "# theirs")
	runGit(t, wtDir, "commit", "-am", "Theirs")
	writeFile(t, sess.RepoDir, "README.md", "# ours")
	runGit(t, sess.RepoDir, "commit", "-am", "Ours")

	err = rig.m.MergeWorktree(ctx, rig.ws.ID, sess.ID, wt.ID)
	if apperr.TypeOf(err) != apperr.TypeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	// The conflicted merge stays in progress until aborted.
	if err := rig.m.AbortMerge(ctx, rig.ws.ID, sess.ID); err != nil {
		t.Fatalf("AbortMerge failed: %v", err)
	}
	if err := rig.m.AbortMerge(ctx, rig.ws.ID, sess.ID); apperr.TypeOf(err) != apperr.TypeValidation {
		t.Errorf("expected VALIDATION with no merge in progress, got %v", err)
	}
}

func TestCherryPick(t *testing.T) {
	rig := createTestRig(t)
	ctx := context.Background()
	sess := createTestSession(t, rig)
	if err := rig.m.SetGitIdentity(ctx, rig.ws.ID, sess.ID, "Test User", "test@test.com"); err != nil {
		t.Fatalf("SetGitIdentity failed: %v", err)
	}

	wt, err := rig.m.CreateWorktree(ctx, rig.ws.ID, sess.ID, CreateWorktreeRequest{})
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	writeFile(t, sess.RepoDir, "hotfix.txt", "fix")
	runGit(t, sess.RepoDir, "add", ".")
	runGit(t, sess.RepoDir, "commit", "-m", "Hotfix")
	sha := strings.TrimSpace(runGit(t, sess.RepoDir, "rev-parse", "HEAD"))

	if err := rig.m.CherryPick(ctx, rig.ws.ID, sess.ID, wt.ID, sha); err != nil {
		t.Fatalf("CherryPick failed: %v", err)
	}
	wtDir := rig.fs.WorktreeDir(rig.ws.ID, sess.ID, wt.ID)
	if _, err := os.Stat(filepath.Join(wtDir, "hotfix.txt")); err != nil {
		t.Errorf("picked file missing from worktree: %v", err)
	}

	if err := rig.m.CherryPick(ctx, rig.ws.ID, sess.ID, wt.ID, "deadbeefdeadbee"); apperr.TypeOf(err) != apperr.TypeValidation {
		t.Errorf("expected VALIDATION for unknown commit, got %v", err)
	}
}

func TestValidateSHA(t *testing.T) {
	tests := []struct {
		sha     string
		wantErr bool
	}{
		{"abc1234", false},
		{"ABCDEF1234567890abcdef1234567890abcdef12", false},
		{"abc123", true},
		{"", true},
		{"abc1234!", true},
		{strings.Repeat("a", 41), true},
	}
	for _, tt := range tests {
		t.Run(tt.sha, func(t *testing.T) {
			err := validateSHA(tt.sha)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateSHA(%q) = %v, wantErr %v", tt.sha, err, tt.wantErr)
			}
		})
	}
}
