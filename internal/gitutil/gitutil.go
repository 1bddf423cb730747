// ABOUTME: Git working-tree helpers for locally built workloads.
// ABOUTME: Shells out to git with timeouts; a Runner seam allows test fakes.

package gitutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner executes a git subcommand in dir and returns combined output.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

func execRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Client wraps git operations on a repository path.
type Client struct {
	run     Runner
	timeout time.Duration
	logger  *logrus.Logger
}

// New creates a git client. A zero timeout defaults to 30 seconds.
func New(timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{run: execRunner, timeout: timeout, logger: logger}
}

// NewWithRunner creates a client with a custom runner, for tests.
func NewWithRunner(run Runner, timeout time.Duration, logger *logrus.Logger) *Client {
	c := New(timeout, logger)
	c.run = run
	return c
}

// Trust marks repoPath as a safe directory so git invoked as a different
// uid inside a container does not refuse to read it.
func (c *Client) Trust(ctx context.Context, repoPath string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.run(ctx, repoPath, "config", "--global", "--add", "safe.directory", repoPath)
	if err != nil {
		return fmt.Errorf("git trust %s: %w: %s", repoPath, err, strings.TrimSpace(out))
	}
	return nil
}

// Timestamp returns the committer timestamp of the current HEAD.
func (c *Client) Timestamp(ctx context.Context, repoPath string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.run(ctx, repoPath, "log", "-1", "--format=%cI", "--no-show-signature")
	if err != nil {
		return time.Time{}, fmt.Errorf("git log %s: %w: %s", repoPath, err, strings.TrimSpace(out))
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(out))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit timestamp %q: %w", strings.TrimSpace(out), err)
	}
	return ts, nil
}

// Revision returns the full commit hash of the current HEAD.
func (c *Client) Revision(ctx context.Context, repoPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s: %w: %s", repoPath, err, strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

// UpstreamRevision returns the commit hash of the tracked upstream branch,
// as last fetched.
func (c *Client) UpstreamRevision(ctx context.Context, repoPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.run(ctx, repoPath, "rev-parse", "@{u}")
	if err != nil {
		return "", fmt.Errorf("git rev-parse upstream %s: %w: %s", repoPath, err, strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

// UpdateAvailable fetches the tracked remote and reports whether the local
// branch is behind it. Fetch failures are reported as no update, logged.
func (c *Client) UpdateAvailable(ctx context.Context, repoPath string) bool {
	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if out, err := c.run(fctx, repoPath, "fetch"); err != nil {
		c.logger.WithFields(logrus.Fields{
			"repo":  repoPath,
			"error": err,
		}).Warn("Git fetch failed: " + strings.TrimSpace(out))
		return false
	}
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.run(sctx, repoPath, "status", "-uno")
	if err != nil {
		c.logger.WithField("repo", repoPath).WithError(err).Warn("Git status failed")
		return false
	}
	return strings.Contains(out, "Your branch is behind")
}

// Pull fast-forwards the working tree to the tracked remote.
func (c *Client) Pull(ctx context.Context, repoPath string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.run(ctx, repoPath, "pull")
	if err != nil {
		return fmt.Errorf("git pull %s: %w: %s", repoPath, err, strings.TrimSpace(out))
	}
	c.logger.WithField("repo", repoPath).Debug("Git pull: " + strings.TrimSpace(out))
	return nil
}
