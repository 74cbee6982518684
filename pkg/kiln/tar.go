package kiln

import (
	"runtime"
	"strings"
)

// tarEnv forces a fixed locale so that sort order and metadata encoding do not
// vary by host. Without this, byte-identical inputs can produce different
// archives on different machines.
var tarEnv = []string{"LC_ALL=C", "LANG=C"}

// TarOptions represents configuration options for creating context archives
type TarOptions struct {
	// OutputFile is the path to the output .tar.gz file
	OutputFile string

	// WorkingDir changes to this directory before archiving (-C flag)
	WorkingDir string

	// ExcludePatterns specifies patterns to exclude
	ExcludePatterns []string
}

// WithOutputFile sets the output file path for the tar archive
func WithOutputFile(path string) func(*TarOptions) {
	return func(opts *TarOptions) {
		opts.OutputFile = path
	}
}

// WithWorkingDir sets the working directory for the tar command
func WithWorkingDir(dir string) func(*TarOptions) {
	return func(opts *TarOptions) {
		opts.WorkingDir = dir
	}
}

// WithExcludePatterns specifies patterns to exclude from the archive
func WithExcludePatterns(patterns ...string) func(*TarOptions) {
	return func(opts *TarOptions) {
		opts.ExcludePatterns = append(opts.ExcludePatterns, patterns...)
	}
}

// BuildTarCommand creates a deterministic tar command with the given options.
// Entries are sorted by name, ownership is masked to 0:0 and host-specific
// extended attributes are stripped, so the archive depends on file content and
// structure only.
func BuildTarCommand(options ...func(*TarOptions)) []string {
	opts := &TarOptions{}
	for _, option := range options {
		option(opts)
	}

	cmd := []string{"tar"}
	if runtime.GOOS == "linux" {
		cmd = append(cmd, "--sparse")
	}
	cmd = append(cmd,
		"--sort=name",
		"--owner=0", "--group=0", "--numeric-owner",
		"--no-xattrs", "--no-acls",
	)

	if !strings.HasSuffix(opts.OutputFile, ".gz") {
		opts.OutputFile += ".gz"
	}
	cmd = append(cmd, "-czf", opts.OutputFile)

	if opts.WorkingDir != "" {
		cmd = append(cmd, "-C", opts.WorkingDir)
	}
	for _, pattern := range opts.ExcludePatterns {
		cmd = append(cmd, "--exclude", pattern)
	}

	return append(cmd, ".")
}

// BuildTarListCommand creates the listing command we use to validate an
// archive before trusting it.
func BuildTarListCommand(file string) []string {
	return []string{"tar", "-tzf", file}
}

// BuildUnTarCommand creates the command extracting an archive into targetDir.
func BuildUnTarCommand(file, targetDir string) []string {
	cmd := []string{"tar"}
	if runtime.GOOS == "linux" {
		cmd = append(cmd, "--sparse")
	}
	return append(cmd, "-xzf", file, "--no-same-owner", "-C", targetDir)
}
