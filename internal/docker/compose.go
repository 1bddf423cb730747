// ABOUTME: Docker compose command execution for build and restart actions.
// ABOUTME: Supports the standalone v1 binary and the v2 CLI plugin.

package docker

import (
	"context"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// composeExec runs a compose subcommand, injectable for tests.
type composeExec func(ctx context.Context, dir string, argv []string) error

func runCompose(ctx context.Context, dir string, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	return cmd.Run()
}

type composeRunner struct {
	version string // "v1" uses docker-compose, anything else the v2 plugin
	exec    composeExec
	logger  *logrus.Logger
}

func newComposeRunner(version string, logger *logrus.Logger) *composeRunner {
	return &composeRunner{version: version, exec: runCompose, logger: logger}
}

func (r *composeRunner) run(ctx context.Context, dir, command string, args ...string) bool {
	log := r.logger.WithFields(logrus.Fields{"compose_path": dir, "command": command})
	if dir == "" {
		log.Warn("No compose path, skipped")
		return false
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		log.Warn("Invalid compose path, skipped")
		return false
	}

	var argv []string
	if r.version == "v1" {
		argv = []string{"docker-compose", command}
	} else {
		argv = []string{"docker", "compose", command}
	}
	argv = append(argv, args...)

	log.Info("Executing compose")
	if err := r.exec(ctx, dir, argv); err != nil {
		log.WithError(err).Warn("Compose command failed")
		return false
	}
	log.Info("Compose command successful")
	return true
}

// Build rebuilds the project's images in dir.
func (r *composeRunner) Build(ctx context.Context, dir string) bool {
	return r.run(ctx, dir, "build")
}

// Up recreates the project's containers in dir, detached.
func (r *composeRunner) Up(ctx context.Context, dir string) bool {
	return r.run(ctx, dir, "up", "--detach")
}
