// Package cloud holds the narrow clients through which builds talk to the
// remote build service, blob storage, the secret manager and IAM. Each
// collaborator is an interface so executors can be tested without network
// access; the real implementations live alongside.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
	"google.golang.org/api/cloudbuild/v1"
	"google.golang.org/api/option"
)

// terminal build states of the remote build service
var terminalBuildStatus = map[string]bool{
	"SUCCESS":        true,
	"FAILURE":        true,
	"INTERNAL_ERROR": true,
	"TIMEOUT":        true,
	"CANCELLED":      true,
	"EXPIRED":        true,
}

// BuildService submits a remote build job and awaits its terminal result.
// Step failures inside the job are the service's concern; the overall
// terminal state is authoritative.
type BuildService interface {
	// Run submits the job and blocks until it reaches a terminal state.
	// The returned build carries the terminal status and result payload.
	Run(ctx context.Context, project string, build *cloudbuild.Build) (*cloudbuild.Build, error)
}

// GCBService implements BuildService against Google Cloud Build.
type GCBService struct {
	svc *cloudbuild.Service

	// pollLimiter paces the status polls of a running job
	pollLimiter *rate.Limiter
}

// NewGCBService creates a Cloud Build client using ambient credentials.
func NewGCBService(ctx context.Context, opts ...option.ClientOption) (*GCBService, error) {
	svc, err := cloudbuild.NewService(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("cannot create cloud build client: %w", err)
	}
	return &GCBService{
		svc:         svc,
		pollLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}, nil
}

// Run implements BuildService
func (s *GCBService) Run(ctx context.Context, project string, build *cloudbuild.Build) (*cloudbuild.Build, error) {
	op, err := s.svc.Projects.Builds.Create(project, build).Context(ctx).Do()
	if err != nil {
		return nil, xerrors.Errorf("cannot create remote build: %w", err)
	}

	var meta cloudbuild.BuildOperationMetadata
	if err := json.Unmarshal(op.Metadata, &meta); err != nil {
		return nil, xerrors.Errorf("cannot parse remote build metadata: %w", err)
	}
	if meta.Build == nil || meta.Build.Id == "" {
		return nil, xerrors.Errorf("remote build service returned no build id")
	}

	log.WithFields(log.Fields{
		"buildID": meta.Build.Id,
		"logURL":  meta.Build.LogUrl,
	}).Info("remote build submitted")

	for {
		if err := s.pollLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		current, err := s.svc.Projects.Builds.Get(project, meta.Build.Id).Context(ctx).Do()
		if err != nil {
			return nil, xerrors.Errorf("cannot poll remote build %s: %w", meta.Build.Id, err)
		}
		if terminalBuildStatus[current.Status] {
			return current, nil
		}
		log.WithFields(log.Fields{
			"buildID": meta.Build.Id,
			"status":  current.Status,
		}).Debug("remote build still running")
	}
}

// BuildError reports a remote job that reached a terminal state other than
// success.
type BuildError struct {
	Status string
	Detail string
	LogURL string
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("remote build finished with status %s", e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.LogURL != "" {
		msg += " (logs: " + e.LogURL + ")"
	}
	return msg
}

// ToError converts a terminal build into an error, nil on success.
func ToError(build *cloudbuild.Build) error {
	if build.Status == "SUCCESS" {
		return nil
	}
	return &BuildError{
		Status: build.Status,
		Detail: build.StatusDetail,
		LogURL: build.LogUrl,
	}
}
