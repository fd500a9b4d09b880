package topology

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

type policyStatement struct {
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal,omitempty"`
	Action    []string          `json:"Action"`
	Resource  []string          `json:"Resource,omitempty"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

func (d policyDocument) String() string {
	b, err := json.Marshal(d)
	if err != nil {
		// Only strings and string slices are marshalled.
		panic(err)
	}
	return string(b)
}

func assumeRolePolicy(service string) string {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": service},
			Action:    []string{"sts:AssumeRole"},
		}},
	}.String()
}

// bucketReadWrite grants object read and write on bucket. The ARN is
// embedded as a reference and substituted at apply.
func bucketReadWrite(bucket token.Value) string {
	arn := bucket.Encode()
	if _, ok := bucket.Ref(); ok {
		arn = "${" + arn + "}"
	}
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect: "Allow",
			Action: []string{
				"s3:GetObject*", "s3:GetBucket*", "s3:List*",
				"s3:DeleteObject*", "s3:PutObject", "s3:PutObjectLegalHold",
				"s3:PutObjectRetention", "s3:PutObjectTagging", "s3:PutObjectVersionTagging",
				"s3:Abort*",
			},
			Resource: []string{arn, arn + "/*"},
		}},
	}.String()
}

// partition returns the ARN partition of region.
func partition(region string) string {
	switch {
	case strings.HasPrefix(region, "cn-"):
		return "aws-cn"
	case strings.HasPrefix(region, "us-gov-"):
		return "aws-us-gov"
	}
	return "aws"
}

func managedPolicies(region string, policies ...string) []string {
	arns := make([]string, len(policies))
	for i, p := range policies {
		arns[i] = fmt.Sprintf("arn:%s:iam::aws:policy/%s", partition(region), p)
	}
	return arns
}

// Role is a declared IAM role.
type Role struct {
	Name string
	ARN  token.Value
}

func declareRole(s *Stack, cfg awsprov.RoleConfig) (Role, error) {
	if _, err := s.Add(awsprov.TypeRole, cfg.Name, cfg); err != nil {
		return Role{}, err
	}
	return Role{Name: cfg.Name, ARN: attr(awsprov.TypeRole, cfg.Name, "arn")}, nil
}

// InstanceProfile wraps the EC2 role for the management server.
type InstanceProfile struct {
	Name string
	Role Role
}

func declareEC2Role(s *Stack) (InstanceProfile, error) {
	role, err := declareRole(s, awsprov.RoleConfig{
		Name:             names.RoleEC2,
		Description:      "Role for ec2 generated by privacyDAM",
		AssumeRolePolicy: assumeRolePolicy("ec2.amazonaws.com"),
	})
	if err != nil {
		return InstanceProfile{}, err
	}
	_, err = s.Add(awsprov.TypeInstanceProfile, names.InstanceProfile, awsprov.InstanceProfileConfig{
		Name: names.InstanceProfile,
		Role: attr(awsprov.TypeRole, role.Name, "name").Encode(),
	})
	if err != nil {
		return InstanceProfile{}, err
	}
	return InstanceProfile{Name: names.InstanceProfile, Role: role}, nil
}

func declareLambdaRole(s *Stack, region string, bucket Bucket) (Role, error) {
	return declareRole(s, awsprov.RoleConfig{
		Name:             names.RoleLambda,
		Description:      "Role to execute lambda generated by privacyDAM",
		AssumeRolePolicy: assumeRolePolicy("lambda.amazonaws.com"),
		ManagedPolicyARNs: managedPolicies(region,
			"service-role/AWSLambdaBasicExecutionRole",
			"service-role/AWSLambdaSQSQueueExecutionRole",
			"AmazonS3FullAccess",
			"AmazonSQSFullAccess",
		),
		InlinePolicies: []awsprov.InlinePolicy{
			{Name: names.PolicyLambdaBucket, Document: bucketReadWrite(bucket.ARN)},
		},
	})
}

// ECSRoles are the execution role used by the agent and the role the task
// runs as.
type ECSRoles struct {
	Execution Role
	Task      Role
}

func declareECSRoles(s *Stack, region string) (ECSRoles, error) {
	execution, err := declareRole(s, awsprov.RoleConfig{
		Name:              names.RoleECS,
		Description:       "Role for ecs generated by privacyDAM",
		AssumeRolePolicy:  assumeRolePolicy("ecs-tasks.amazonaws.com"),
		ManagedPolicyARNs: managedPolicies(region, "service-role/AmazonECSTaskExecutionRolePolicy"),
	})
	if err != nil {
		return ECSRoles{}, err
	}
	task, err := declareRole(s, awsprov.RoleConfig{
		Name:              names.RoleECSTask,
		Description:       "Role for ecs task generated by privacyDAM",
		AssumeRolePolicy:  assumeRolePolicy("ecs-tasks.amazonaws.com"),
		ManagedPolicyARNs: managedPolicies(region, "CloudWatchLogsFullAccess", "AmazonSQSFullAccess"),
	})
	if err != nil {
		return ECSRoles{}, err
	}
	return ECSRoles{Execution: execution, Task: task}, nil
}
