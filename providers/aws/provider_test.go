package aws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/privacydam/deploy/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPlan(t *testing.T) {
	p := New("us-east-1")
	queue := QueueConfig{QueueName: "q.fifo", FifoQueue: true, VisibilityTimeout: 60}

	tests := []struct {
		name    string
		typ     string
		desired any
		prior   any
		action  provider.Action
		changed []string
	}{
		{"create without prior", TypeQueue, queue, nil, provider.CREATE, nil},
		{"no change", TypeQueue, queue, queue, provider.NOOP, nil},
		{
			"in place update", TypeQueue,
			QueueConfig{QueueName: "q.fifo", FifoQueue: true, VisibilityTimeout: 120}, queue,
			provider.UPDATE, []string{"visibilityTimeout"},
		},
		{
			"identity change replaces", TypeQueue,
			QueueConfig{QueueName: "other.fifo", FifoQueue: true, VisibilityTimeout: 60}, queue,
			provider.REPLACE, []string{"queueName"},
		},
		{
			"any change replaces a target group", TypeTargetGroup,
			TargetGroupConfig{Name: "tg", Port: 4001}, TargetGroupConfig{Name: "tg", Port: 4000},
			provider.REPLACE, []string{"port"},
		},
		{
			"instance tags update in place", TypeInstance,
			InstanceConfig{ImageID: "ami-1", Tags: map[string]string{"a": "2"}},
			InstanceConfig{ImageID: "ami-1", Tags: map[string]string{"a": "1"}},
			provider.UPDATE, []string{"tags"},
		},
		{
			"rebuilt archive at the same path updates the function", TypeFunction,
			FunctionConfig{FunctionName: "f", Code: "/opt/archiving.zip", CodeSHA256: CodeHash([]byte("v2"))},
			FunctionConfig{FunctionName: "f", Code: "/opt/archiving.zip", CodeSHA256: CodeHash([]byte("v1"))},
			provider.UPDATE, []string{"codeSha256"},
		},
		{
			"removed property counts as a change", TypeRole,
			RoleConfig{Name: "r", AssumeRolePolicy: "{}"},
			RoleConfig{Name: "r", AssumeRolePolicy: "{}", Description: "old"},
			provider.UPDATE, []string{"description"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &provider.PlanRequest{Type: tt.typ, Name: "x", DesiredConfigJSON: mustJSON(t, tt.desired)}
			if tt.prior != nil {
				req.PriorConfigJSON = mustJSON(t, tt.prior)
			}
			resp, err := p.Plan(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.action, resp.Action)
			assert.Equal(t, tt.changed, resp.ChangedAttributes)
		})
	}
}

func TestUnsupportedType(t *testing.T) {
	p := New("us-east-1")

	_, err := p.Plan(context.Background(), &provider.PlanRequest{Type: "aws:RDS.Instance", DesiredConfigJSON: []byte("{}")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported resource type")

	_, err = p.Apply(context.Background(), &provider.ApplyRequest{Type: "aws:RDS.Instance"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported resource type")
}

func TestEveryTypeHasHandler(t *testing.T) {
	p := New("us-east-1")
	for _, typ := range Types() {
		_, ok := p.handler(typ)
		assert.True(t, ok, typ)
	}
	assert.Len(t, Types(), 20)
}

func TestOperationTimeoutsNameKnownTypes(t *testing.T) {
	known := Types()
	for typ, d := range OperationTimeouts() {
		assert.Contains(t, known, typ)
		assert.Positive(t, d, typ)
	}
}

func TestIngressPermissions(t *testing.T) {
	perms := ingressPermissions("sg-1", []IngressRule{
		{Protocol: "tcp", FromPort: 22, ToPort: 22, CidrIPv4: anyIPv4, Description: "ssh"},
		{Protocol: "tcp", FromPort: 0, ToPort: 65535, Self: true},
		{Protocol: "tcp", FromPort: 4000, ToPort: 4000},
	})
	require.Len(t, perms, 3)

	assert.Equal(t, "0.0.0.0/0", aws.ToString(perms[0].IpRanges[0].CidrIp))
	assert.Equal(t, "ssh", aws.ToString(perms[0].IpRanges[0].Description))
	assert.Equal(t, int32(22), aws.ToInt32(perms[0].FromPort))

	assert.Empty(t, perms[1].IpRanges)
	require.Len(t, perms[1].UserIdGroupPairs, 1)
	assert.Equal(t, "sg-1", aws.ToString(perms[1].UserIdGroupPairs[0].GroupId))
	assert.Nil(t, perms[1].UserIdGroupPairs[0].Description)

	assert.Equal(t, anyIPv4, aws.ToString(perms[2].IpRanges[0].CidrIp))
}

func TestIsAllTraffic(t *testing.T) {
	assert.True(t, isAllTraffic(allTraffic()))
	assert.False(t, isAllTraffic(ec2types.IpPermission{IpProtocol: aws.String("tcp")}))
}

func TestQueueAttributes(t *testing.T) {
	q := &QueueConfig{
		QueueName:                 "privacyDAM-Process.fifo",
		FifoQueue:                 true,
		ContentBasedDeduplication: true,
		MessageRetentionPeriod:    86400,
		VisibilityTimeout:         60,
	}
	assert.Equal(t, map[string]string{
		"FifoQueue":                 "true",
		"ContentBasedDeduplication": "true",
		"MessageRetentionPeriod":    "86400",
		"VisibilityTimeout":         "60",
	}, queueAttributes(q, true))

	update := queueAttributes(q, false)
	assert.NotContains(t, update, "FifoQueue")
	assert.Equal(t, "true", update["ContentBasedDeduplication"])

	assert.Empty(t, queueAttributes(&QueueConfig{QueueName: "std"}, true))
}

func TestContainerDefinitions(t *testing.T) {
	defs := containerDefinitions([]ContainerDefinition{{
		Name:         "app",
		Image:        "123.dkr.ecr.us-east-1.amazonaws.com/app:1",
		Essential:    true,
		Environment:  map[string]string{"SQS": "q", "DSN": "d", "OPA": "o"},
		PortMappings: []PortMapping{{ContainerPort: 4000, Protocol: "tcp"}},
		Logs:         &LogConfig{Group: "g", Region: "us-east-1", StreamPrefix: "ecs"},
	}})
	require.Len(t, defs, 1)
	d := defs[0]

	var names []string
	for _, kv := range d.Environment {
		names = append(names, aws.ToString(kv.Name))
	}
	assert.Equal(t, []string{"DSN", "OPA", "SQS"}, names)
	assert.True(t, aws.ToBool(d.Essential))
	assert.Equal(t, int32(4000), aws.ToInt32(d.PortMappings[0].ContainerPort))
	assert.Equal(t, ecstypes.TransportProtocolTcp, d.PortMappings[0].Protocol)
	require.NotNil(t, d.LogConfiguration)
	assert.Equal(t, ecstypes.LogDriverAwslogs, d.LogConfiguration.LogDriver)
	assert.Equal(t, "ecs", d.LogConfiguration.Options["awslogs-stream-prefix"])
	assert.Equal(t, "g", d.LogConfiguration.Options["awslogs-group"])
}

func TestServiceDeploymentConfiguration(t *testing.T) {
	s := &ServiceConfig{MaximumPercent: 200, MinimumHealthyPercent: 100, CircuitBreaker: true, Rollback: true, Subnets: []string{"subnet-1"}}

	dc := s.deploymentConfiguration()
	assert.Equal(t, int32(200), aws.ToInt32(dc.MaximumPercent))
	assert.Equal(t, int32(100), aws.ToInt32(dc.MinimumHealthyPercent))
	assert.True(t, dc.DeploymentCircuitBreaker.Enable)
	assert.True(t, dc.DeploymentCircuitBreaker.Rollback)

	nc := s.networkConfiguration()
	assert.Equal(t, ecstypes.AssignPublicIpDisabled, nc.AwsvpcConfiguration.AssignPublicIp)
	assert.Equal(t, []string{"subnet-1"}, nc.AwsvpcConfiguration.Subnets)
}

func TestNewestImage(t *testing.T) {
	img := func(id, created string) ec2types.Image {
		return ec2types.Image{ImageId: aws.String(id), CreationDate: aws.String(created)}
	}

	_, ok := newestImage(nil)
	assert.False(t, ok)

	best, ok := newestImage([]ec2types.Image{
		img("ami-old", "2022-03-01T10:00:00.000Z"),
		img("ami-new", "2023-07-15T08:30:00.000Z"),
		img("ami-mid", "2023-01-01T00:00:00.000Z"),
	})
	require.True(t, ok)
	assert.Equal(t, "ami-new", aws.ToString(best.ImageId))

	best, _ = newestImage([]ec2types.Image{
		img("ami-b", "2023-01-01T00:00:00.000Z"),
		img("ami-a", "2023-01-01T00:00:00.000Z"),
	})
	assert.Equal(t, "ami-b", aws.ToString(best.ImageId))
}

func TestParseRepositoryARN(t *testing.T) {
	repo, err := ParseRepositoryARN("arn:aws:ecr:ap-northeast-2:395824177941:repository/privacydam/process")
	require.NoError(t, err)
	assert.Equal(t, Repository{Partition: "aws", Region: "ap-northeast-2", Account: "395824177941", Name: "privacydam/process"}, repo)
	assert.Equal(t, "395824177941.dkr.ecr.ap-northeast-2.amazonaws.com/privacydam/process:v1.2.0", repo.ImageURI("v1.2.0"))

	cn, err := ParseRepositoryARN("arn:aws-cn:ecr:cn-north-1:123456789012:repository/app")
	require.NoError(t, err)
	assert.Equal(t, "123456789012.dkr.ecr.cn-north-1.amazonaws.com.cn/app", cn.URI())

	for _, bad := range []string{
		"",
		"arn:aws:s3:::bucket",
		"arn:aws:ecr:us-east-1:123456789012:repository/",
		"arn:aws:ecr:us-east-1:123456789012:cluster/app",
	} {
		_, err := ParseRepositoryARN(bad)
		assert.Error(t, err, bad)
	}
}

func TestMetricAlarmInput(t *testing.T) {
	in := metricAlarmInput(&AlarmConfig{
		AlarmName:          "errors",
		Namespace:          "AWS/Lambda",
		MetricName:         "Errors",
		Dimensions:         map[string]string{"FunctionName": "fn"},
		Statistic:          "Sum",
		Period:             300,
		EvaluationPeriods:  1,
		Threshold:          1,
		ComparisonOperator: "GreaterThanOrEqualToThreshold",
		TreatMissingData:   "notBreaching",
	})
	assert.Equal(t, "errors", aws.ToString(in.AlarmName))
	assert.Equal(t, 1.0, aws.ToFloat64(in.Threshold))
	require.Len(t, in.Dimensions, 1)
	assert.Equal(t, "fn", aws.ToString(in.Dimensions[0].Value))
	assert.Equal(t, "notBreaching", aws.ToString(in.TreatMissingData))
	assert.Nil(t, in.AlarmDescription)
}

func TestRunInstancesInput(t *testing.T) {
	in := runInstancesInput(&InstanceConfig{
		ImageID:            "ami-1",
		InstanceType:       "t2.micro",
		KeyName:            "privacyDAM-Key",
		SubnetID:           "subnet-1",
		SecurityGroupIDs:   []string{"sg-1"},
		IamInstanceProfile: "profile",
		UserData:           "IyEvYmluL3No",
	})
	assert.Equal(t, int32(1), aws.ToInt32(in.MinCount))
	assert.Equal(t, ec2types.InstanceTypeT2Micro, in.InstanceType)
	assert.Equal(t, "profile", aws.ToString(in.IamInstanceProfile.Name))
	assert.Equal(t, "IyEvYmluL3No", aws.ToString(in.UserData))
	assert.Empty(t, in.TagSpecifications)
}

func TestCodeHash(t *testing.T) {
	// sha256("") in base64
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", CodeHash(nil))
}

func TestStringDiff(t *testing.T) {
	add, remove := stringDiff([]string{"a", "b", "c"}, []string{"b", "d"})
	assert.Equal(t, []string{"a", "c"}, add)
	assert.Equal(t, []string{"d"}, remove)

	add, remove = stringDiff(nil, nil)
	assert.Empty(t, add)
	assert.Empty(t, remove)
}
