package kiln

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// recordedCommand is one captured external tool invocation.
type recordedCommand struct {
	Dir  string
	Env  []string
	Name string
	Args []string
}

func (c recordedCommand) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// stubCommands replaces the external tool runner for the duration of the test
// and returns the list of recorded invocations. The handler decides each
// command's output; tests that stub commands must not run in parallel.
func stubCommands(t *testing.T, handler func(cmd recordedCommand) ([]byte, error)) *[]recordedCommand {
	t.Helper()

	var (
		mu       sync.Mutex
		recorded []recordedCommand
	)
	orig := runCommand
	runCommand = func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
		cmd := recordedCommand{Dir: dir, Env: env, Name: name, Args: args}
		mu.Lock()
		recorded = append(recorded, cmd)
		mu.Unlock()
		return handler(cmd)
	}
	t.Cleanup(func() { runCommand = orig })
	return &recorded
}
