package kiln

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// BuildJob is the in-flight or completed build of one resolved image reference.
type BuildJob struct {
	// Reference is the resolved image reference being built
	Reference string

	done   chan struct{}
	result string
	err    error
}

// Await blocks until the job completes or the context is done. Abandoning the
// wait does not stop the underlying build.
func (j *BuildJob) Await(ctx context.Context) (string, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// BuildCoordinator guarantees at most one build per key within a process.
// It is a cache, not a queue: entries never expire and are not persisted
// across restarts. Local and remote builds of the same reference are not
// interchangeable artifacts, so callers namespace keys by backend.
type BuildCoordinator struct {
	mu   sync.Mutex
	jobs map[string]*BuildJob
}

// NewBuildCoordinator creates an empty coordinator. One instance per process;
// its lifetime is explicit so tests can create isolated coordinators.
func NewBuildCoordinator() *BuildCoordinator {
	return &BuildCoordinator{
		jobs: make(map[string]*BuildJob),
	}
}

// GetOrCreate reserves the slot for key. If no job exists, build is started
// exactly once in its own goroutine; otherwise the existing pending or
// completed job is returned and build is not invoked.
func (c *BuildCoordinator) GetOrCreate(key, reference string, build func() (string, error)) *BuildJob {
	c.mu.Lock()
	if job, ok := c.jobs[key]; ok {
		c.mu.Unlock()
		log.WithField("reference", reference).Debug("attaching to existing build")
		return job
	}

	job := &BuildJob{
		Reference: reference,
		done:      make(chan struct{}),
	}
	c.jobs[key] = job
	c.mu.Unlock()

	go func() {
		defer close(job.done)
		job.result, job.err = build()
	}()

	return job
}
