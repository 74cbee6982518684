package cloud

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/option"
)

// AccessGranter applies project-scoped IAM grants a remote build principal
// needs: writing logs and executing builds. Grants are idempotent and safe to
// repeat.
type AccessGranter interface {
	GrantProjectRoles(ctx context.Context, project, principal string, roles ...string) error
}

// ProjectAccessGranter implements AccessGranter against the resource manager.
type ProjectAccessGranter struct {
	svc *cloudresourcemanager.Service
}

// NewProjectAccessGranter creates a resource-manager client using ambient
// credentials.
func NewProjectAccessGranter(ctx context.Context, opts ...option.ClientOption) (*ProjectAccessGranter, error) {
	svc, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("cannot create resource manager client: %w", err)
	}
	return &ProjectAccessGranter{svc: svc}, nil
}

// GrantProjectRoles implements AccessGranter via read-modify-write on the
// project policy. Members already present are left untouched.
func (g *ProjectAccessGranter) GrantProjectRoles(ctx context.Context, project, principal string, roles ...string) error {
	policy, err := g.svc.Projects.GetIamPolicy(project, &cloudresourcemanager.GetIamPolicyRequest{}).Context(ctx).Do()
	if err != nil {
		return xerrors.Errorf("cannot read IAM policy of project %s: %w", project, err)
	}

	member := "serviceAccount:" + principal
	var changed bool
	for _, role := range roles {
		if addMemberToRole(policy, role, member) {
			changed = true
		}
	}
	if !changed {
		log.WithFields(log.Fields{
			"project":   project,
			"principal": principal,
		}).Debug("IAM grants already in place")
		return nil
	}

	_, err = g.svc.Projects.SetIamPolicy(project, &cloudresourcemanager.SetIamPolicyRequest{
		Policy: policy,
	}).Context(ctx).Do()
	if err != nil {
		return xerrors.Errorf("cannot grant %v to %s on project %s: %w", roles, principal, project, err)
	}
	return nil
}

func addMemberToRole(policy *cloudresourcemanager.Policy, role, member string) (changed bool) {
	for _, binding := range policy.Bindings {
		if binding.Role != role {
			continue
		}
		for _, m := range binding.Members {
			if m == member {
				return false
			}
		}
		binding.Members = append(binding.Members, member)
		return true
	}
	policy.Bindings = append(policy.Bindings, &cloudresourcemanager.Binding{
		Role:    role,
		Members: []string{member},
	})
	return true
}
