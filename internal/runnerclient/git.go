// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runnerclient

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// gitClone, gitCheckoutNewBranch, gitCommitAll, and gitPush shell out to the
// system git binary, mirroring the subprocess style internal/githost uses
// server-side for its own repository operations, but running against a
// plain working copy rather than a bare repo.

func (c *Client) gitClone(ctx context.Context, cloneURL, dest string) error {
	return runGit(ctx, "", "clone", cloneURL, dest)
}

func (c *Client) gitCheckoutNewBranch(ctx context.Context, repoDir, branch string) error {
	return runGit(ctx, repoDir, "checkout", "-b", branch)
}

func (c *Client) gitCommitAll(ctx context.Context, repoDir, message string) error {
	if err := runGit(ctx, repoDir, "add", "-A"); err != nil {
		return err
	}
	return runGit(ctx, repoDir, "commit", "-m", message, "--allow-empty-message")
}

func (c *Client) gitPush(ctx context.Context, repoDir, branch string) error {
	return runGit(ctx, repoDir, "push", "origin", fmt.Sprintf("HEAD:refs/heads/%s", branch))
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return nil
}
