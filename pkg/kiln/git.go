package kiln

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// GitError represents an error that occurred during a Git operation
type GitError struct {
	Op  string
	Err error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git operation %s failed: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// executeGitCommand runs git in dir and returns its trimmed stdout
func executeGitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runCommand(ctx, dir, nil, "git", args...)
	if err != nil {
		return "", &GitError{
			Op:  strings.Join(args, " "),
			Err: err,
		}
	}
	return strings.TrimSpace(string(out)), nil
}

// resolveGitCommit resolves ref to a full commit id within the working copy.
// An empty ref or "HEAD" resolves to the latest commit touching subpath ("."
// meaning the whole working copy); anything else goes through normal ref
// resolution. An unresolvable ref is a configuration error, not a transient one.
func resolveGitCommit(ctx context.Context, workingCopy, subpath, ref string) (string, error) {
	if subpath == "" {
		subpath = "."
	}

	var (
		commit string
		err    error
	)
	if ref == "" || ref == "HEAD" {
		commit, err = executeGitCommand(ctx, workingCopy, "log", "-n", "1", "--format=%H", "HEAD", "--", subpath)
	} else {
		commit, err = executeGitCommand(ctx, workingCopy, "rev-parse", "--verify", ref+"^{commit}")
	}
	if err != nil {
		return "", err
	}
	if commit == "" {
		return "", fmt.Errorf("no commit found for %q in %s (path %s)", ref, workingCopy, subpath)
	}
	return commit, nil
}

// gitPathDigest identifies a working copy subpath within version tags and
// archive uniqueIDs. The digest covers the repository-relative path, so the
// same commit and subpath produce the same id on every checkout location.
func gitPathDigest(ctx context.Context, workingCopy, subpath string) (string, error) {
	prefix, err := executeGitCommand(ctx, workingCopy, "rev-parse", "--show-prefix")
	if err != nil {
		return "", err
	}
	rel := path.Clean(path.Join(prefix, filepath.ToSlash(subpath)))
	return HashBytes([]byte(rel), pathDigestLength)
}
