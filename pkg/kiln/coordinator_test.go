package kiln

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorRunsBuildOnce(t *testing.T) {
	coordinator := NewBuildCoordinator()

	var (
		started atomic.Int32
		release = make(chan struct{})
	)
	build := func() (string, error) {
		started.Add(1)
		<-release
		return "registry/app@sha256:abc", nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := coordinator.GetOrCreate("docker:registry/app:v1", "registry/app:v1", build)
			results[i], errs[i] = job.Await(context.Background())
		}(i)
	}

	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, started.Load(), "concurrent requests for one key must share a single build")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "registry/app@sha256:abc", results[i])
	}
}

func TestCoordinatorCompletedJobsStayResolved(t *testing.T) {
	coordinator := NewBuildCoordinator()

	var started atomic.Int32
	build := func() (string, error) {
		started.Add(1)
		return "registry/app@sha256:abc", nil
	}

	first := coordinator.GetOrCreate("docker:ref", "ref", build)
	_, err := first.Await(context.Background())
	require.NoError(t, err)

	second := coordinator.GetOrCreate("docker:ref", "ref", build)
	result, err := second.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "registry/app@sha256:abc", result)
	assert.EqualValues(t, 1, started.Load(), "a completed job is returned, not re-run")
}

func TestCoordinatorKeysAreIndependent(t *testing.T) {
	coordinator := NewBuildCoordinator()

	var started atomic.Int32
	build := func() (string, error) {
		started.Add(1)
		return "done", nil
	}

	local := coordinator.GetOrCreate("docker:ref", "ref", build)
	remote := coordinator.GetOrCreate("gcb:ref", "ref", build)
	_, err := local.Await(context.Background())
	require.NoError(t, err)
	_, err = remote.Await(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, started.Load(), "backends namespace the key")
}

func TestCoordinatorPropagatesBuildError(t *testing.T) {
	coordinator := NewBuildCoordinator()

	buildErr := errors.New("push failed")
	job := coordinator.GetOrCreate("docker:ref", "ref", func() (string, error) {
		return "", buildErr
	})

	_, err := job.Await(context.Background())
	assert.ErrorIs(t, err, buildErr)

	_, err = coordinator.GetOrCreate("docker:ref", "ref", nil).Await(context.Background())
	assert.ErrorIs(t, err, buildErr, "later callers observe the same failure")
}

func TestAwaitHonorsContext(t *testing.T) {
	coordinator := NewBuildCoordinator()

	release := make(chan struct{})
	defer close(release)
	job := coordinator.GetOrCreate("docker:ref", "ref", func() (string, error) {
		<-release
		return "done", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := job.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
