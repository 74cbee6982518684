package cloud

import (
	"context"
	"encoding/base64"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/option"
	"google.golang.org/api/secretmanager/v1"
)

// SecretManager owns the lifecycle of the short-lived secret entries backing
// remote secret injection. Entries are created per build and deleted by the
// remote executor after the job reaches a terminal state.
type SecretManager interface {
	// CreateEphemeral creates a secret entry holding payload, readable by
	// accessor, and returns the version name the build job binds to.
	CreateEphemeral(ctx context.Context, project, secretName string, payload []byte, accessor string) (versionName string, err error)

	// Delete removes the secret entry and all its versions.
	Delete(ctx context.Context, project, secretName string) error
}

// GCPSecretManager implements SecretManager against Google Secret Manager.
type GCPSecretManager struct {
	svc *secretmanager.Service
}

// NewGCPSecretManager creates a Secret Manager client using ambient credentials.
func NewGCPSecretManager(ctx context.Context, opts ...option.ClientOption) (*GCPSecretManager, error) {
	svc, err := secretmanager.NewService(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("cannot create secret manager client: %w", err)
	}
	return &GCPSecretManager{svc: svc}, nil
}

// CreateEphemeral implements SecretManager
func (m *GCPSecretManager) CreateEphemeral(ctx context.Context, project, secretName string, payload []byte, accessor string) (string, error) {
	parent := "projects/" + project
	_, err := m.svc.Projects.Secrets.Create(parent, &secretmanager.Secret{
		Replication: &secretmanager.Replication{
			Automatic: &secretmanager.Automatic{},
		},
	}).SecretId(secretName).Context(ctx).Do()
	if err != nil {
		return "", xerrors.Errorf("cannot create secret %s: %w", secretName, err)
	}

	fullName := fmt.Sprintf("%s/secrets/%s", parent, secretName)
	version, err := m.svc.Projects.Secrets.AddVersion(fullName, &secretmanager.AddSecretVersionRequest{
		Payload: &secretmanager.SecretPayload{
			Data: base64.StdEncoding.EncodeToString(payload),
		},
	}).Context(ctx).Do()
	if err != nil {
		return "", xerrors.Errorf("cannot add version to secret %s: %w", secretName, err)
	}

	_, err = m.svc.Projects.Secrets.SetIamPolicy(fullName, &secretmanager.SetIamPolicyRequest{
		Policy: &secretmanager.Policy{
			Bindings: []*secretmanager.Binding{
				{
					Role:    "roles/secretmanager.secretAccessor",
					Members: []string{"serviceAccount:" + accessor},
				},
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return "", xerrors.Errorf("cannot grant %s access to secret %s: %w", accessor, secretName, err)
	}

	log.WithField("secret", fullName).Debug("created ephemeral build secret")
	return version.Name, nil
}

// Delete implements SecretManager
func (m *GCPSecretManager) Delete(ctx context.Context, project, secretName string) error {
	fullName := fmt.Sprintf("projects/%s/secrets/%s", project, secretName)
	if _, err := m.svc.Projects.Secrets.Delete(fullName).Context(ctx).Do(); err != nil {
		return xerrors.Errorf("cannot delete secret %s: %w", fullName, err)
	}
	return nil
}
