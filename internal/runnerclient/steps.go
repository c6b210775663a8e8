// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runnerclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lazyaf/core/internal/protocol"
)

// runStep clones the job's repo, executes its step per StepConfig.Kind, and
// pushes a result branch. It never returns an error itself: every failure
// mode is folded into a JobResultPayload so the caller has one path back to
// the server.
func (c *Client) runStep(ctx context.Context, p protocol.RunJobPayload) protocol.JobResultPayload {
	workDir, err := os.MkdirTemp(c.cfg.WorkDir, "lazyaf-job-*")
	if err != nil {
		return c.failf(p.JobID, "failed to create work directory: %v", err)
	}
	defer os.RemoveAll(workDir)

	repoDir := filepath.Join(workDir, "repo")
	seq := 0
	logf := func(format string, args ...any) {
		seq++
		c.appendLog(p.JobID, fmt.Sprintf(format, args...), seq)
	}

	logf("cloning %s", p.RepoCloneURL)
	if err := c.gitClone(ctx, p.RepoCloneURL, repoDir); err != nil {
		return c.failf(p.JobID, "clone failed: %v", err)
	}

	branch := fmt.Sprintf("lazyaf/%s", p.JobID)
	if err := c.gitCheckoutNewBranch(ctx, repoDir, branch); err != nil {
		return c.failf(p.JobID, "failed to create branch %s: %v", branch, err)
	}

	var stepErr error
	switch stepConfigKind(p.StepConfig.Kind) {
	case stepKindAgent:
		stepErr = c.runAgentStep(ctx, repoDir, p.StepConfig, logf)
	case stepKindScript:
		stepErr = c.runScriptStep(ctx, repoDir, p.StepConfig, logf)
	case stepKindContainer:
		stepErr = c.runContainerStep(ctx, repoDir, p.StepConfig, logf)
	default:
		stepErr = fmt.Errorf("unknown step kind %q", p.StepConfig.Kind)
	}

	if stepErr != nil {
		logf("step failed: %v", stepErr)
		return protocol.JobResultPayload{JobID: p.JobID, Status: "failed", Error: stepErr.Error()}
	}

	if err := c.gitCommitAll(ctx, repoDir, fmt.Sprintf("lazyaf job %s", p.JobID)); err != nil {
		logf("nothing to commit or commit failed: %v", err)
	}

	logf("pushing %s", branch)
	if err := c.gitPush(ctx, repoDir, branch); err != nil {
		return c.failf(p.JobID, "push failed: %v", err)
	}

	return protocol.JobResultPayload{
		JobID:      p.JobID,
		Status:     "completed",
		BranchName: branch,
	}
}

func (c *Client) failf(jobID, format string, args ...any) protocol.JobResultPayload {
	return protocol.JobResultPayload{JobID: jobID, Status: "failed", Error: fmt.Sprintf(format, args...)}
}

type stepConfigKind string

const (
	stepKindAgent     stepConfigKind = "agent"
	stepKindScript    stepConfigKind = "script"
	stepKindContainer stepConfigKind = "container"
)

// runAgentStep invokes the configured external agent command, feeding it the
// step's prompt on stdin followed by the names of the step's agent files
// (their contents are not looked up), and streams its combined output back
// as log chunks.
func (c *Client) runAgentStep(ctx context.Context, repoDir string, cfg protocol.StepConfig, logf func(string, ...any)) error {
	if c.cfg.AgentCommand == "" {
		return fmt.Errorf("no agent command configured on this runner")
	}

	var stdin bytes.Buffer
	stdin.WriteString(cfg.Prompt)
	if len(cfg.AgentFiles) > 0 {
		stdin.WriteString("\n\n--- agent files ---\n")
		stdin.WriteString(strings.Join(cfg.AgentFiles, "\n"))
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.cfg.AgentCommand)
	cmd.Dir = repoDir
	cmd.Stdin = &stdin
	return c.runAndStream(cmd, logf)
}

// runScriptStep runs the step's shell command in the (optionally relative)
// workdir inside the clone.
func (c *Client) runScriptStep(ctx context.Context, repoDir string, cfg protocol.StepConfig, logf func(string, ...any)) error {
	if cfg.Command == "" {
		return fmt.Errorf("script step has no command")
	}
	dir := repoDir
	if cfg.Workdir != "" {
		dir = filepath.Join(repoDir, cfg.Workdir)
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Dir = dir
	return c.runAndStream(cmd, logf)
}

// runContainerStep runs the step's command inside an ephemeral container,
// with the repo clone bind-mounted in, by shelling out to the docker CLI —
// the same subprocess style git.go uses for git, rather than pulling in the
// Docker SDK for what is, from the runner's perspective, one command.
func (c *Client) runContainerStep(ctx context.Context, repoDir string, cfg protocol.StepConfig, logf func(string, ...any)) error {
	if cfg.Image == "" {
		return fmt.Errorf("container step has no image")
	}
	if cfg.Command == "" {
		return fmt.Errorf("container step has no command")
	}

	const mountPath = "/workspace"
	args := []string{
		"run", "--rm",
		"--name", fmt.Sprintf("lazyaf-step-%d", time.Now().UnixNano()),
		"-v", fmt.Sprintf("%s:%s", repoDir, mountPath),
		"-w", mountPath,
	}
	for k, v := range cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, v := range cfg.Volumes {
		if strings.Contains(v, ":") {
			args = append(args, "-v", v)
		}
	}
	args = append(args, cfg.Image, "sh", "-c", cfg.Command)

	cmd := exec.CommandContext(ctx, "docker", args...)
	if c.cfg.DockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+c.cfg.DockerHost)
	}
	return c.runAndStream(cmd, logf)
}

// runAndStream runs cmd to completion, forwarding each line of its combined
// output to logf as it's produced.
func (c *Client) runAndStream(cmd *exec.Cmd, logf func(string, ...any)) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	done := make(chan struct{}, 2)
	streamLines := func(r io.Reader) {
		defer func() { done <- struct{}{} }()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			logf("%s", scanner.Text())
		}
	}
	go streamLines(stdout)
	go streamLines(stderr)
	<-done
	<-done

	return cmd.Wait()
}
