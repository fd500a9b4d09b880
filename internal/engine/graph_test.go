package engine

import (
	"testing"

	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nullType = "null:Resource"

func nullRes(name string, deps ...string) *ir.Resource {
	return &ir.Resource{Type: nullType, Name: name, Provider: "null", DependsOn: deps}
}

func TestBuildDAG_NoDependenciesKeepsDeclarationOrder(t *testing.T) {
	dag, err := BuildDAG([]*ir.Resource{nullRes("c"), nullRes("a"), nullRes("b")})
	require.NoError(t, err)

	assert.Equal(t, []string{"null:Resource.c", "null:Resource.a", "null:Resource.b"}, dag.CreationOrder())
}

func TestBuildDAG_ExplicitDependsOn(t *testing.T) {
	dag, err := BuildDAG([]*ir.Resource{
		nullRes("a", "null:Resource.b"),
		nullRes("b"),
		nullRes("c", "null:Resource.a"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"null:Resource.b", "null:Resource.a", "null:Resource.c"}, dag.CreationOrder())
}

func TestBuildDAG_ImplicitPtrRef(t *testing.T) {
	resources := []*ir.Resource{
		{
			Type:     "aws:EC2.Instance",
			Name:     "server",
			Provider: "aws",
			Properties: map[string]any{
				"securityGroupIds": []any{"ptr://aws:EC2.SecurityGroup/mgmt/id"},
			},
		},
		{
			Type:     "aws:Lambda.Function",
			Name:     "fn",
			Provider: "aws",
			Properties: map[string]any{
				"environment": map[string]any{
					"DSN": "u:p@tcp(${ptr://aws:EC2.Instance/server/privateIp}:3306)/db",
				},
			},
		},
		{Type: "aws:EC2.SecurityGroup", Name: "mgmt", Provider: "aws"},
	}

	dag, err := BuildDAG(resources)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"aws:EC2.SecurityGroup.mgmt",
		"aws:EC2.Instance.server",
		"aws:Lambda.Function.fn",
	}, dag.CreationOrder())
	assert.Equal(t, []string{"aws:EC2.Instance.server"}, dag.Dependencies("aws:Lambda.Function.fn"))
	assert.Equal(t, []string{"aws:EC2.Instance.server", "aws:EC2.SecurityGroup.mgmt"}, dag.TransitiveDeps("aws:Lambda.Function.fn"))
}

func TestBuildDAG_CycleDetection(t *testing.T) {
	_, err := BuildDAG([]*ir.Resource{
		nullRes("a", "null:Resource.b"),
		nullRes("b", "null:Resource.a"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildDAG_DestructionOrder(t *testing.T) {
	dag, err := BuildDAG([]*ir.Resource{nullRes("a", "null:Resource.b"), nullRes("b")})
	require.NoError(t, err)

	assert.Equal(t, []string{"null:Resource.a", "null:Resource.b"}, dag.DestructionOrder())
}

func TestBuildDAGFromState(t *testing.T) {
	dag, err := BuildDAGFromState([]*ir.ResourceState{
		{Type: nullType, Name: "service", Dependencies: []string{"null:Resource.cluster", "null:Resource.gone"}},
		{Type: nullType, Name: "cluster"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"null:Resource.service", "null:Resource.cluster"}, dag.DestructionOrder())
}

func TestExtractPtrRefs(t *testing.T) {
	props := map[string]any{
		"vpcId": "ptr://aws:EC2.Vpc/my-vpc/id",
		"name":  "my-subnet",
		"tags": map[string]any{
			"ref": "arn=${ptr://aws:S3.Bucket/logs/arn}",
		},
		"list": []any{
			"ptr://aws:IAM.Role/role1/arn",
			"plain-string",
			"${ptr://broken",
		},
	}

	refs := extractPtrRefs(props)
	assert.Len(t, refs, 3)
	assert.Contains(t, refs, token.Ref{Type: "aws:EC2.Vpc", Name: "my-vpc", Attr: "id"})
	assert.Contains(t, refs, token.Ref{Type: "aws:S3.Bucket", Name: "logs", Attr: "arn"})
	assert.Contains(t, refs, token.Ref{Type: "aws:IAM.Role", Name: "role1", Attr: "arn"})
}

func TestDependencies(t *testing.T) {
	dag, err := BuildDAG([]*ir.Resource{
		nullRes("a", "null:Resource.b", "null:Resource.c", "null:Resource.b"),
		nullRes("b"),
		nullRes("c"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"null:Resource.b", "null:Resource.c"}, dag.Dependencies("null:Resource.a"))
	assert.Nil(t, dag.Dependencies("null:Resource.missing"))
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}
