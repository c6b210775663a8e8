// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package githost

import (
	"context"
	"os"
	"path/filepath"

	"github.com/lazyaf/core/internal/apperr"
)

// EnsureWorkingBranch creates branch off base (an existing ref or commit) if
// it does not already exist, idempotently, for the Pipeline Engine's working
// branch (spec §4.G).
func (h *Host) EnsureWorkingBranch(ctx context.Context, repoID, branch, base string) error {
	lock := h.lockFor(repoID)
	lock.Lock()
	defer lock.Unlock()

	path := h.Path(repoID)
	if _, err := h.revParse(ctx, path, "refs/heads/"+branch); err == nil {
		return nil
	}
	if err := h.run(ctx, path, "branch", branch, base); err != nil {
		return apperr.Wrap(apperr.KindGit, "failed to create working branch", err)
	}
	return nil
}

// CommitFile writes content to relPath on branch and commits it, used by the
// Pipeline Engine to persist step logs and metadata.json under
// .lazyaf-context/ (spec §4.G "Context directory"). Returns the new commit
// SHA.
func (h *Host) CommitFile(ctx context.Context, repoID, branch, relPath, content, message string) (string, error) {
	lock := h.lockFor(repoID)
	lock.Lock()
	defer lock.Unlock()

	path := h.Path(repoID)
	tmpDir, err := os.MkdirTemp("", "lazyaf-context-*")
	if err != nil {
		return "", apperr.Wrap(apperr.KindIntegrity, "failed to create context worktree dir", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := h.run(ctx, path, "worktree", "add", "--detach", tmpDir, branch); err != nil {
		return "", apperr.Wrap(apperr.KindGit, "failed to create context worktree", err)
	}
	defer h.run(ctx, path, "worktree", "remove", "--force", tmpDir)

	fullPath := filepath.Join(tmpDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", apperr.Wrap(apperr.KindIntegrity, "failed to create context directory", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		return "", apperr.Wrap(apperr.KindIntegrity, "failed to write context file", err)
	}

	if err := h.run(ctx, tmpDir, "checkout", "-B", branch); err != nil {
		return "", apperr.Wrap(apperr.KindGit, "failed to checkout working branch", err)
	}
	if err := h.run(ctx, tmpDir, "add", relPath); err != nil {
		return "", apperr.Wrap(apperr.KindGit, "failed to stage context file", err)
	}
	if err := h.run(ctx, tmpDir, "commit", "-m", message); err != nil {
		return "", apperr.Wrap(apperr.KindGit, "failed to commit context file", err)
	}
	return h.revParse(ctx, tmpDir, "HEAD")
}

// RemoveContextDir removes dirName from branch with a final commit, so a
// squash-merge leaves the target branch clean (spec §4.G: "a successful
// merge: verb adds a final commit that removes .lazyaf-context/").
func (h *Host) RemoveContextDir(ctx context.Context, repoID, branch, dirName string) error {
	lock := h.lockFor(repoID)
	lock.Lock()
	defer lock.Unlock()

	path := h.Path(repoID)
	tmpDir, err := os.MkdirTemp("", "lazyaf-context-rm-*")
	if err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "failed to create context worktree dir", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := h.run(ctx, path, "worktree", "add", "--detach", tmpDir, branch); err != nil {
		return apperr.Wrap(apperr.KindGit, "failed to create context worktree", err)
	}
	defer h.run(ctx, path, "worktree", "remove", "--force", tmpDir)

	if err := h.run(ctx, tmpDir, "checkout", "-B", branch); err != nil {
		return apperr.Wrap(apperr.KindGit, "failed to checkout working branch", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, dirName)); os.IsNotExist(err) {
		return nil
	}
	if err := h.run(ctx, tmpDir, "rm", "-r", dirName); err != nil {
		return apperr.Wrap(apperr.KindGit, "failed to remove context directory", err)
	}
	if err := h.run(ctx, tmpDir, "commit", "-m", "remove .lazyaf-context"); err != nil {
		return apperr.Wrap(apperr.KindGit, "failed to commit context removal", err)
	}
	return nil
}
