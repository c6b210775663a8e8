// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package githost implements the Git Host of spec §4.B: bare repositories
// served over smart-HTTP, merge with conflicted-file reporting, diff
// retrieval, and a push-hook stream that feeds the Event Bus. There is no
// rebase operation.
//
// Grounded on internal/orchestrator/services/git_service.go's subprocess
// command pattern (a validated allowlist of git subcommands, a minimal safe
// environment, CommandContext with a hard timeout) and
// git_service_manager.go's per-repo handle/release, generalized here to a
// plain sync.Mutex-keyed lock per repo rather than a reference-counted
// handle table.
package githost

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/common"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/protocol"
)

var hostLog = logger.GetGitHostLogger()

var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9/_-]+$`)

const gitSubprocessTimeout = 60 * time.Second

// allowedOperations mirrors the teacher's allowlist, extended with the
// smart-HTTP and merge subcommands a Git Host additionally needs.
var allowedOperations = map[string]bool{
	"init": true, "add": true, "commit": true, "checkout": true, "branch": true,
	"status": true, "rev-parse": true, "diff": true, "log": true, "show-ref": true,
	"worktree": true, "stash": true, "reset": true, "clean": true, "remote": true,
	"config": true, "merge": true, "rebase": true, "fetch": true, "clone": true,
	"upload-pack": true, "receive-pack": true, "symbolic-ref": true, "rm": true,
}

// Host manages bare repositories under a root directory and exposes the
// operations the API layer and Pipeline Engine need: clone URL resolution,
// smart-HTTP service invocations, merge, and diff retrieval.
type Host struct {
	reposRoot string
	bus       *eventbus.Bus

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // repoID -> advisory per-repo lock
}

func New(reposRoot string, bus *eventbus.Bus) *Host {
	return &Host{reposRoot: reposRoot, bus: bus, locks: make(map[string]*sync.Mutex)}
}

func (h *Host) lockFor(repoID string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	l, ok := h.locks[repoID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[repoID] = l
	}
	return l
}

// Path returns the bare repository's path on disk (spec §6: persistent state
// layout keeps one bare repo per ingested Repo under data_root/git_repos).
func (h *Host) Path(repoID string) string {
	return filepath.Join(h.reposRoot, repoID+".git")
}

// CreateBareRepo initializes a new bare repository for repoID. Idempotent:
// a no-op if the repo already exists on disk.
func (h *Host) CreateBareRepo(ctx context.Context, repoID string) error {
	lock := h.lockFor(repoID)
	lock.Lock()
	defer lock.Unlock()

	path := h.Path(repoID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return apperr.Wrap(apperr.KindGit, "failed to create repo directory", err)
	}
	if err := h.run(ctx, path, "init", "--bare"); err != nil {
		return err
	}
	hostLog.Info().Str("repo_id", repoID).Str("path", path).Msg("initialized bare repository")
	return nil
}

// IngestFromClone fetches an external repository's history into the bare
// repo (spec §4.B ingest), then emits the initial push_received event so
// Trigger Service scans run against it like any other push.
func (h *Host) IngestFromClone(ctx context.Context, repoID, sourceURL string) error {
	if err := h.CreateBareRepo(ctx, repoID); err != nil {
		return err
	}
	lock := h.lockFor(repoID)
	lock.Lock()
	defer lock.Unlock()

	path := h.Path(repoID)
	if err := h.run(ctx, path, "fetch", sourceURL, "+refs/heads/*:refs/heads/*"); err != nil {
		return apperr.Wrap(apperr.KindGit, "failed to fetch source repository", err)
	}
	sha, _ := h.revParse(ctx, path, "HEAD")
	h.publish(protocol.PushReceivedEvent{RepoID: repoID, Ref: "refs/heads/main", NewSHA: sha})
	return nil
}

// UploadPack and ReceivePack shell out to git's smart-HTTP service programs
// (spec §6: "git smart-HTTP (upload-pack, receive-pack)"). The whole request
// body is passed as stdin and the whole output is returned once the
// subprocess exits; nothing is streamed.
func (h *Host) servicePack(ctx context.Context, repoID, service string, stdin []byte) ([]byte, error) {
	if service != "upload-pack" && service != "receive-pack" {
		return nil, apperr.New(apperr.KindClientInput, "unsupported git service")
	}
	path := h.Path(repoID)
	if _, err := os.Stat(path); err != nil {
		return nil, apperr.New(apperr.KindClientInput, "repo not found")
	}

	cmd, err := h.buildCommand(ctx, path, service, "--stateless-rpc", path)
	if err != nil {
		return nil, err
	}
	cmd.Stdin = strings.NewReader(string(stdin))
	out, err := cmd.Output()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGit, service+" failed", err)
	}
	return out, nil
}

func (h *Host) UploadPack(ctx context.Context, repoID string, stdin []byte) ([]byte, error) {
	return h.servicePack(ctx, repoID, "upload-pack", stdin)
}

// ReceivePack proxies a push and, on success, emits push_received for every
// updated ref so the Trigger Service (spec §4.H) can match against it.
func (h *Host) ReceivePack(ctx context.Context, repoID string, stdin []byte) ([]byte, error) {
	before := h.allRefs(ctx, repoID)
	out, err := h.servicePack(ctx, repoID, "receive-pack", stdin)
	if err != nil {
		return out, err
	}
	after := h.allRefs(ctx, repoID)
	for ref, newSHA := range after {
		if oldSHA := before[ref]; oldSHA != newSHA {
			h.publish(protocol.PushReceivedEvent{RepoID: repoID, Ref: ref, OldSHA: oldSHA, NewSHA: newSHA})
		}
	}
	return out, nil
}

func (h *Host) allRefs(ctx context.Context, repoID string) map[string]string {
	path := h.Path(repoID)
	cmd, err := h.buildCommand(ctx, path, "show-ref")
	if err != nil {
		return nil
	}
	out, err := cmd.Output()
	if err != nil {
		return nil // empty repo has no refs yet; show-ref exits non-zero
	}
	refs := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.Fields(line)
		if len(parts) == 2 {
			refs[parts[1]] = parts[0]
		}
	}
	return refs
}

// MergeResult reports a merge outcome.
type MergeResult struct {
	Succeeded      bool
	ConflictFiles  []string
	ResultingSHA   string
}

// MergeBranch merges sourceBranch into targetBranch via a throwaway worktree
// so the bare repo's working tree state never needs touching. A fast-forward
// is taken when possible; otherwise the merge commit's message is
// "Merge <source> into <target>". Conflicts are reported as the list of
// conflicted file paths rather than as a raw git error; their base/ours/
// theirs contents are not returned.
func (h *Host) MergeBranch(ctx context.Context, repoID, targetBranch, sourceBranch string) (*MergeResult, error) {
	if err := validateBranchName(targetBranch); err != nil {
		return nil, apperr.New(apperr.KindClientInput, err.Error())
	}
	if err := validateBranchName(sourceBranch); err != nil {
		return nil, apperr.New(apperr.KindClientInput, err.Error())
	}

	lock := h.lockFor(repoID)
	lock.Lock()
	defer lock.Unlock()

	path := h.Path(repoID)
	tmpDir, err := os.MkdirTemp("", "lazyaf-merge-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create merge worktree dir", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := h.run(ctx, path, "worktree", "add", "--detach", tmpDir, targetBranch); err != nil {
		return nil, apperr.Wrap(apperr.KindGit, "failed to create merge worktree", err)
	}
	defer h.run(ctx, path, "worktree", "remove", "--force", tmpDir)

	if err := h.run(ctx, tmpDir, "checkout", "-B", targetBranch); err != nil {
		return nil, apperr.Wrap(apperr.KindGit, "failed to checkout target branch in worktree", err)
	}

	mergeMsg := fmt.Sprintf("Merge %s into %s", sourceBranch, targetBranch)
	mergeErr := h.run(ctx, tmpDir, "merge", "--no-edit", "-m", mergeMsg, sourceBranch)
	if mergeErr != nil {
		conflicts, _ := h.conflictedFiles(ctx, tmpDir)
		h.run(ctx, tmpDir, "merge", "--abort")
		return &MergeResult{Succeeded: false, ConflictFiles: conflicts}, nil
	}

	sha, _ := h.revParse(ctx, tmpDir, "HEAD")
	return &MergeResult{Succeeded: true, ResultingSHA: sha}, nil
}

func (h *Host) conflictedFiles(ctx context.Context, workDir string) ([]string, error) {
	cmd, err := h.buildCommand(ctx, workDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGit, "failed to list conflicted files", err)
	}
	var files []string
	for _, f := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// Diff returns the unified diff between base and head refs.
func (h *Host) Diff(ctx context.Context, repoID, base, head string) (string, error) {
	path := h.Path(repoID)
	cmd, err := h.buildCommand(ctx, path, "diff", base+".."+head)
	if err != nil {
		return "", err
	}
	out, err := cmd.Output()
	if err != nil {
		return "", apperr.Wrap(apperr.KindGit, "failed to compute diff", err)
	}
	return string(out), nil
}

// Branch is a single ref returned by ListBranches.
type Branch struct {
	Name string
	SHA  string
}

// ListBranches returns every local branch in the bare repo (spec §6:
// "GET /repos/{id}/branches").
func (h *Host) ListBranches(ctx context.Context, repoID string) ([]Branch, error) {
	path := h.Path(repoID)
	cmd, err := h.buildCommand(ctx, path, "branch", "--list", "--format=%(refname:short) %(objectname)")
	if err != nil {
		return nil, err
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGit, "failed to list branches", err)
	}
	var branches []Branch
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}
		branches = append(branches, Branch{Name: parts[0], SHA: parts[1]})
	}
	return branches, nil
}

// Commit is a single log entry returned by Commits.
type Commit struct {
	SHA     string
	Author  string
	Message string
	Parents []string
}

// Commits returns up to limit commits reachable from branch, most recent
// first (spec §6: "GET /repos/{id}/commits").
func (h *Host) Commits(ctx context.Context, repoID, branch string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	path := h.Path(repoID)
	const sep = "\x1f"
	format := "%H" + sep + "%an" + sep + "%P" + sep + "%s"
	cmd, err := h.buildCommand(ctx, path, "log", "-n", fmt.Sprint(limit), "--format="+format, branch)
	if err != nil {
		return nil, err
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGit, "failed to load commit history", err)
	}
	var commits []Commit
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, sep)
		if len(fields) != 4 {
			continue
		}
		var parents []string
		if fields[2] != "" {
			parents = strings.Fields(fields[2])
		}
		commits = append(commits, Commit{SHA: fields[0], Author: fields[1], Parents: parents, Message: fields[3]})
	}
	return commits, nil
}

func (h *Host) revParse(ctx context.Context, workDir, ref string) (string, error) {
	cmd, err := h.buildCommand(ctx, workDir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	out, err := cmd.Output()
	if err != nil {
		return "", apperr.Wrap(apperr.KindGit, "rev-parse failed", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("branch name cannot start with '-' or '.'")
	}
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("branch name contains invalid characters: %s", name)
	}
	return nil
}

func safeEnv() []string {
	return []string{
		"HOME=" + os.Getenv("HOME"),
		"PATH=" + os.Getenv("PATH"),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=",
	}
}

func (h *Host) buildCommand(ctx context.Context, workDir string, args ...string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, apperr.New(apperr.KindClientInput, "no git command specified")
	}
	if !allowedOperations[args[0]] {
		return nil, apperr.New(apperr.KindClientInput, "git operation not allowed: "+args[0])
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir
	cmd.Env = safeEnv()
	return cmd, nil
}

func (h *Host) run(ctx context.Context, workDir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitSubprocessTimeout)
	defer cancel()

	cmd, err := h.buildCommand(ctx, workDir, args...)
	if err != nil {
		return err
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apperr.Wrap(apperr.KindGit, fmt.Sprintf("git %s failed: %s", args[0], strings.TrimSpace(string(output))), err)
	}
	return nil
}

func (h *Host) publish(event common.Event) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(event)
}
