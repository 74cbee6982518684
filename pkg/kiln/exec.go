package kiln

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// commandRunner executes an external tool and returns its stdout.
// stderr is passed through so tool progress (docker build et al.) stays visible.
type commandRunner func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

// runCommand is a variable so tests can substitute a recorder.
var runCommand commandRunner = func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	log.WithFields(log.Fields{
		"tool": name,
		"args": args,
		"dir":  dir,
	}).Debug("running external tool")

	err := cmd.Run()
	return stdout.Bytes(), err
}
