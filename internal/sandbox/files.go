package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"

	"missionctl/internal/model"
)

// ReadFile reads a path relative to the working tree.
func (s *Sandbox) ReadFile(ctx context.Context, relPath string) ([]byte, error) {
	target, err := s.treePath(relPath)
	if err != nil {
		return nil, err
	}
	return s.env.ReadFile(ctx, target)
}

// WriteFile writes a path relative to the working tree.
func (s *Sandbox) WriteFile(ctx context.Context, relPath string, data []byte) error {
	target, err := s.treePath(relPath)
	if err != nil {
		return err
	}
	return s.env.WriteFile(ctx, target, data)
}

// ReadAbsolute reads an artifact outside the working tree, such as a
// captured screenshot.
func (s *Sandbox) ReadAbsolute(ctx context.Context, absPath string) ([]byte, error) {
	if !path.IsAbs(absPath) {
		return nil, fmt.Errorf("path %q is not absolute", absPath)
	}
	return s.env.ReadFile(ctx, s.envPath(absPath))
}

// ApplyFix writes content to relPath and reports whether it succeeded.
func (s *Sandbox) ApplyFix(ctx context.Context, relPath string, content string) bool {
	s.logger.Info("applying fix", "path", relPath)
	if err := s.WriteFile(ctx, relPath, []byte(content)); err != nil {
		s.logger.Warn("apply fix failed", "path", relPath, "error", err)
		return false
	}
	return true
}

func (s *Sandbox) treePath(relPath string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(relPath))
	if cleaned == "/" {
		return "", fmt.Errorf("empty path")
	}
	target := path.Join(s.workDir, cleaned)
	if !strings.HasPrefix(target, s.workDir+"/") {
		return "", fmt.Errorf("path %q escapes the working tree", relPath)
	}
	return target, nil
}

func (s *Sandbox) envPath(absPath string) string {
	return path.Join(s.env.Root(), path.Clean(absPath))
}

// CreateBranch checks out a new branch. Success is exit code zero.
func (s *Sandbox) CreateBranch(ctx context.Context, name string) bool {
	s.logger.Info("creating branch", "branch", name)
	return s.Run(ctx, "git checkout -b "+shellQuote(name)).OK()
}

// CommitAndPush stages the tree without the denylisted artifacts, commits and
// pushes branch. Having nothing staged is not a failure: the commit is skipped
// and the push still runs.
func (s *Sandbox) CommitAndPush(ctx context.Context, message string, branch string) bool {
	s.logger.Info("committing and pushing", "branch", branch)
	for _, artifact := range s.options.InternalArtifacts {
		s.Run(ctx, "rm -f "+shellQuote(artifact))
		s.Run(ctx, "git checkout -- "+shellQuote(artifact)+" 2>/dev/null || true")
	}

	steps := []string{
		"git config user.email " + shellQuote(s.options.GitUserEmail),
		"git config user.name " + shellQuote(s.options.GitUserName),
		"git add -A",
	}
	for _, entry := range s.options.CommitDenylist {
		steps = append(steps, "git reset -q HEAD -- "+shellQuote(entry)+" 2>/dev/null || true")
	}
	for _, step := range steps {
		if result := s.Run(ctx, step); !result.OK() {
			s.logger.Warn("git step failed", "command", step, "exit_code", result.ExitCode, "stderr", result.Stderr)
			return false
		}
	}

	if s.Run(ctx, "git diff --cached --quiet").OK() {
		s.logger.Info("nothing to commit", "branch", branch)
	} else if result := s.Run(ctx, "git commit -m "+shellQuote(message)); !result.OK() && !nothingToCommit(result) {
		s.logger.Warn("git commit failed", "exit_code", result.ExitCode, "stderr", result.Stderr)
		return false
	}

	if result := s.Run(ctx, "git push origin "+shellQuote(branch)); !result.OK() {
		s.logger.Warn("git push failed", "exit_code", result.ExitCode, "stderr", result.Stderr)
		return false
	}
	return true
}

func nothingToCommit(result model.CommandResult) bool {
	output := result.Stdout + "\n" + result.Stderr
	return strings.Contains(output, "nothing to commit") || strings.Contains(output, "nothing added to commit")
}

// CaptureScreenshot renders url with Playwright inside the environment and
// returns the PNG bytes.
func (s *Sandbox) CaptureScreenshot(ctx context.Context, url string) ([]byte, bool) {
	if strings.TrimSpace(url) == "" {
		url = "http://localhost:3000"
	}
	s.logger.Info("capturing screenshot", "url", url)
	target := s.envPath(s.options.ScreenshotPath)
	script := fmt.Sprintf("npx --yes playwright install chromium && npx --yes playwright screenshot %s %s --wait-for-timeout 3000",
		shellQuote(url), shellQuote(target))
	if result := s.Run(ctx, script); !result.OK() {
		s.logger.Warn("screenshot capture failed", "exit_code", result.ExitCode, "stderr", result.Stderr)
		return nil, false
	}
	data, err := s.ReadAbsolute(ctx, s.options.ScreenshotPath)
	if err != nil {
		s.logger.Warn("read screenshot failed", "error", err)
		return nil, false
	}
	return data, true
}

type VisualTestResult struct {
	model.CommandResult
	HasScreenshots bool `json:"has_screenshots"`
}

// RunVisualTest runs a Playwright suite and reports whether it left failure
// artifacts behind.
func (s *Sandbox) RunVisualTest(ctx context.Context, command string) VisualTestResult {
	if strings.TrimSpace(command) == "" {
		command = "npx playwright test"
	}
	result := VisualTestResult{CommandResult: s.Run(ctx, command)}
	artifacts := s.Run(ctx, "ls -A test-results/ 2>/dev/null | head -n 1")
	result.HasScreenshots = artifacts.OK() && strings.TrimSpace(artifacts.Stdout) != ""
	return result
}
