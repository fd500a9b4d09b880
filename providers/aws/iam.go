package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
)

// InlinePolicy is a policy document embedded in a role.
type InlinePolicy struct {
	Name     string `json:"name"`
	Document string `json:"document"`
}

type RoleConfig struct {
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	AssumeRolePolicy  string            `json:"assumeRolePolicy"`
	ManagedPolicyARNs []string          `json:"managedPolicyArns,omitempty"`
	InlinePolicies    []InlinePolicy    `json:"inlinePolicies,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

type RoleState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
	ID   string `json:"id"`
}

func applyRole(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior RoleState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			if err := deleteRole(ctx, c.iam, prior.Name); err != nil {
				return nil, err
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired RoleConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	var role *types.Role
	if prior.Name == "" {
		input := &iam.CreateRoleInput{
			RoleName:                 &desired.Name,
			AssumeRolePolicyDocument: &desired.AssumeRolePolicy,
		}
		if desired.Description != "" {
			input.Description = &desired.Description
		}
		for _, k := range sortedKeys(desired.Tags) {
			input.Tags = append(input.Tags, types.Tag{Key: aws.String(k), Value: aws.String(desired.Tags[k])})
		}
		resp, err := c.iam.CreateRole(ctx, input)
		switch {
		case err == nil:
			role = resp.Role
		case hasCode(err, "EntityAlreadyExists"):
			logging.Warn("adopting existing role", "name", desired.Name)
		default:
			return nil, fmt.Errorf("failed to create role %s: %w", desired.Name, err)
		}
	}
	if role == nil {
		// Existing role: bring trust policy and description up to date.
		if _, err := c.iam.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       &desired.Name,
			PolicyDocument: &desired.AssumeRolePolicy,
		}); err != nil {
			return nil, fmt.Errorf("failed to update trust policy of %s: %w", desired.Name, err)
		}
		if _, err := c.iam.UpdateRole(ctx, &iam.UpdateRoleInput{
			RoleName:    &desired.Name,
			Description: aws.String(desired.Description),
		}); err != nil {
			return nil, fmt.Errorf("failed to update role %s: %w", desired.Name, err)
		}
		got, err := c.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: &desired.Name})
		if err != nil {
			return nil, fmt.Errorf("failed to read role %s: %w", desired.Name, err)
		}
		role = got.Role
	}

	if err := syncManagedPolicies(ctx, c.iam, desired.Name, desired.ManagedPolicyARNs); err != nil {
		return nil, err
	}
	if err := syncInlinePolicies(ctx, c.iam, desired.Name, desired.InlinePolicies); err != nil {
		return nil, err
	}

	return respond(RoleState{
		Name: aws.ToString(role.RoleName),
		ARN:  aws.ToString(role.Arn),
		ID:   aws.ToString(role.RoleId),
	})
}

func attachedPolicies(ctx context.Context, api *iam.Client, role string) ([]string, error) {
	var arns []string
	pager := iam.NewListAttachedRolePoliciesPaginator(api, &iam.ListAttachedRolePoliciesInput{RoleName: &role})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list policies of %s: %w", role, err)
		}
		for _, p := range page.AttachedPolicies {
			arns = append(arns, aws.ToString(p.PolicyArn))
		}
	}
	return arns, nil
}

func syncManagedPolicies(ctx context.Context, api *iam.Client, role string, want []string) error {
	have, err := attachedPolicies(ctx, api, role)
	if err != nil {
		return err
	}
	attach, detach := stringDiff(want, have)
	for _, arn := range attach {
		if _, err := api.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{RoleName: &role, PolicyArn: aws.String(arn)}); err != nil {
			return fmt.Errorf("failed to attach %s to %s: %w", arn, role, err)
		}
	}
	for _, arn := range detach {
		if _, err := api.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: &role, PolicyArn: aws.String(arn)}); err != nil {
			return fmt.Errorf("failed to detach %s from %s: %w", arn, role, err)
		}
	}
	return nil
}

func syncInlinePolicies(ctx context.Context, api *iam.Client, role string, want []InlinePolicy) error {
	listed, err := api.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: &role})
	if err != nil {
		return fmt.Errorf("failed to list inline policies of %s: %w", role, err)
	}
	names := make([]string, 0, len(want))
	for _, p := range want {
		names = append(names, p.Name)
		if _, err := api.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       &role,
			PolicyName:     aws.String(p.Name),
			PolicyDocument: aws.String(p.Document),
		}); err != nil {
			return fmt.Errorf("failed to put policy %s on %s: %w", p.Name, role, err)
		}
	}
	_, stale := stringDiff(names, listed.PolicyNames)
	for _, name := range stale {
		if _, err := api.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: &role, PolicyName: aws.String(name)}); err != nil {
			return fmt.Errorf("failed to delete policy %s from %s: %w", name, role, err)
		}
	}
	return nil
}

// deleteRole detaches every policy before deleting, as IAM requires.
func deleteRole(ctx context.Context, api *iam.Client, role string) error {
	if err := syncManagedPolicies(ctx, api, role, nil); err != nil {
		if hasCode(err, "NoSuchEntity") {
			return nil
		}
		return err
	}
	if err := syncInlinePolicies(ctx, api, role, nil); err != nil {
		return err
	}
	if _, err := api.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: &role}); err != nil && !hasCode(err, "NoSuchEntity") {
		return fmt.Errorf("failed to delete role %s: %w", role, err)
	}
	return nil
}

type InstanceProfileConfig struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type InstanceProfileState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
	Role string `json:"role"`
}

func applyInstanceProfile(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior InstanceProfileState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name == "" {
			return &provider.ApplyResponse{}, nil
		}
		if prior.Role != "" {
			_, err := c.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
				InstanceProfileName: &prior.Name,
				RoleName:            &prior.Role,
			})
			if err != nil && !hasCode(err, "NoSuchEntity") {
				return nil, fmt.Errorf("failed to remove role from instance profile %s: %w", prior.Name, err)
			}
		}
		_, err := c.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: &prior.Name})
		if err != nil && !hasCode(err, "NoSuchEntity") {
			return nil, fmt.Errorf("failed to delete instance profile %s: %w", prior.Name, err)
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired InstanceProfileConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	_, err := c.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{InstanceProfileName: &desired.Name})
	if err != nil && !hasCode(err, "EntityAlreadyExists") {
		return nil, fmt.Errorf("failed to create instance profile %s: %w", desired.Name, err)
	}

	got, err := c.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: &desired.Name})
	if err != nil {
		return nil, fmt.Errorf("failed to read instance profile %s: %w", desired.Name, err)
	}
	attached := false
	for _, r := range got.InstanceProfile.Roles {
		name := aws.ToString(r.RoleName)
		if name == desired.Role {
			attached = true
			continue
		}
		if _, err := c.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: &desired.Name,
			RoleName:            aws.String(name),
		}); err != nil {
			return nil, fmt.Errorf("failed to remove role %s from %s: %w", name, desired.Name, err)
		}
	}
	if !attached {
		if _, err := c.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: &desired.Name,
			RoleName:            &desired.Role,
		}); err != nil {
			return nil, fmt.Errorf("failed to add role %s to %s: %w", desired.Role, desired.Name, err)
		}
	}

	return respond(InstanceProfileState{
		Name: desired.Name,
		ARN:  aws.ToString(got.InstanceProfile.Arn),
		Role: desired.Role,
	})
}
