// Package aws converges privacyDAM resources through the AWS APIs.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
)

// Name is the registry name of this provider.
const Name = "aws"

// Resource types.
const (
	TypeSecurityGroup       = "aws:EC2.SecurityGroup"
	TypeVpcEndpoint         = "aws:EC2.VpcEndpoint"
	TypeInstance            = "aws:EC2.Instance"
	TypeRole                = "aws:IAM.Role"
	TypeInstanceProfile     = "aws:IAM.InstanceProfile"
	TypeQueue               = "aws:SQS.Queue"
	TypeBucket              = "aws:S3.Bucket"
	TypeFunction            = "aws:Lambda.Function"
	TypePermission          = "aws:Lambda.Permission"
	TypeRule                = "aws:EventBridge.Rule"
	TypeTarget              = "aws:EventBridge.Target"
	TypeCluster             = "aws:ECS.Cluster"
	TypeTaskDefinition      = "aws:ECS.TaskDefinition"
	TypeService             = "aws:ECS.Service"
	TypeServiceLoadBalancer = "aws:ECS.ServiceLoadBalancer"
	TypeLoadBalancer        = "aws:ELBv2.LoadBalancer"
	TypeTargetGroup         = "aws:ELBv2.TargetGroup"
	TypeListener            = "aws:ELBv2.Listener"
	TypeLogGroup            = "aws:CloudWatch.LogGroup"
	TypeAlarm               = "aws:CloudWatch.Alarm"
)

// replaceOn lists, per type, the properties that cannot change in place.
// A type mapped to nil is replaced on any change.
var replaceOn = map[string][]string{
	TypeSecurityGroup:       {"name", "vpcId", "description"},
	TypeVpcEndpoint:         {"vpcId", "serviceName", "type"},
	TypeInstance:            {"imageId", "instanceType", "keyName", "subnetId", "securityGroupIds", "iamInstanceProfile", "userData"},
	TypeRole:                {"name"},
	TypeInstanceProfile:     {"name"},
	TypeQueue:               {"queueName", "fifoQueue"},
	TypeBucket:              {"bucket"},
	TypeFunction:            {"functionName"},
	TypePermission:          nil,
	TypeRule:                {"name"},
	TypeTarget:              {"rule", "targetId"},
	TypeCluster:             {"clusterName"},
	TypeTaskDefinition:      {"family"},
	TypeService:             {"serviceName", "cluster", "launchType"},
	TypeServiceLoadBalancer: {"cluster", "service"},
	TypeLoadBalancer:        {"name", "type", "scheme"},
	TypeTargetGroup:         nil,
	TypeListener:            {"loadBalancerArn"},
	TypeLogGroup:            {"logGroupName"},
	TypeAlarm:               {"alarmName"},
}

// OperationTimeouts are the per-type budgets for one apply, covering the
// waits for the resource to become usable or go away.
func OperationTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		TypeInstance:     15 * time.Minute,
		TypeVpcEndpoint:  15 * time.Minute,
		TypeLoadBalancer: 20 * time.Minute,
		TypeService:      40 * time.Minute,
		TypeFunction:     10 * time.Minute,
	}
}

// Types returns every resource type the provider manages, sorted.
func Types() []string {
	out := make([]string, 0, len(replaceOn))
	for t := range replaceOn {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type clients struct {
	ec2            *ec2.Client
	iam            *iam.Client
	sqs            *sqs.Client
	s3             *s3.Client
	lambda         *lambda.Client
	eventbridge    *eventbridge.Client
	ecs            *ecs.Client
	ecr            *ecr.Client
	elbv2          *elasticloadbalancingv2.Client
	cloudwatch     *cloudwatch.Client
	cloudwatchlogs *cloudwatchlogs.Client
	secretsmanager *secretsmanager.Client
	ssm            *ssm.Client
}

type Provider struct {
	region  string
	profile string

	mu sync.Mutex
	c  *clients
}

// New returns a provider for region. Clients are created on first use.
func New(region string) *Provider {
	return &Provider{region: region}
}

// WithProfile selects a shared-config profile for the clients.
func (p *Provider) WithProfile(profile string) *Provider {
	p.profile = profile
	return p
}

// Region is the region every client talks to.
func (p *Provider) Region() string {
	return p.region
}

func (p *Provider) ensureClients(ctx context.Context) (*clients, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return p.c, nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(p.region)}
	if p.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(p.profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	p.c = &clients{
		ec2:            ec2.NewFromConfig(cfg),
		iam:            iam.NewFromConfig(cfg),
		sqs:            sqs.NewFromConfig(cfg),
		s3:             s3.NewFromConfig(cfg),
		lambda:         lambda.NewFromConfig(cfg),
		eventbridge:    eventbridge.NewFromConfig(cfg),
		ecs:            ecs.NewFromConfig(cfg),
		ecr:            ecr.NewFromConfig(cfg),
		elbv2:          elasticloadbalancingv2.NewFromConfig(cfg),
		cloudwatch:     cloudwatch.NewFromConfig(cfg),
		cloudwatchlogs: cloudwatchlogs.NewFromConfig(cfg),
		secretsmanager: secretsmanager.NewFromConfig(cfg),
		ssm:            ssm.NewFromConfig(cfg),
	}
	logging.Debug("aws clients ready", "region", p.region)
	return p.c, nil
}

// Plan compares desired properties against those recorded at the last
// apply. Changes to a type's identity properties force a replacement.
func (p *Provider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	forceNew, ok := replaceOn[req.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}

	var desired map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	if len(req.PriorConfigJSON) == 0 {
		return &provider.PlanResponse{Action: provider.CREATE}, nil
	}
	var prior map[string]any
	if err := json.Unmarshal(req.PriorConfigJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior config: %w", err)
	}

	changed := changedAttributes(desired, prior)
	if len(changed) == 0 {
		return &provider.PlanResponse{Action: provider.NOOP}, nil
	}

	action := provider.UPDATE
	if forceNew == nil {
		action = provider.REPLACE
	}
	for _, attr := range changed {
		if slices.Contains(forceNew, attr) {
			action = provider.REPLACE
		}
	}
	return &provider.PlanResponse{Action: action, ChangedAttributes: changed}, nil
}

func changedAttributes(desired, prior map[string]any) []string {
	var changed []string
	for k, v := range desired {
		if !reflect.DeepEqual(v, prior[k]) {
			changed = append(changed, k)
		}
	}
	for k := range prior {
		if _, ok := desired[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

type applyFunc func(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error)

func (p *Provider) handler(typ string) (applyFunc, bool) {
	switch typ {
	case TypeSecurityGroup:
		return applySecurityGroup, true
	case TypeVpcEndpoint:
		return applyVpcEndpoint, true
	case TypeInstance:
		return applyInstance, true
	case TypeRole:
		return applyRole, true
	case TypeInstanceProfile:
		return applyInstanceProfile, true
	case TypeQueue:
		return applyQueue, true
	case TypeBucket:
		return p.applyBucket, true
	case TypeFunction:
		return applyFunction, true
	case TypePermission:
		return applyPermission, true
	case TypeRule:
		return applyRule, true
	case TypeTarget:
		return applyTarget, true
	case TypeCluster:
		return applyCluster, true
	case TypeTaskDefinition:
		return applyTaskDefinition, true
	case TypeService:
		return applyService, true
	case TypeServiceLoadBalancer:
		return applyServiceLoadBalancer, true
	case TypeLoadBalancer:
		return applyLoadBalancer, true
	case TypeTargetGroup:
		return applyTargetGroup, true
	case TypeListener:
		return applyListener, true
	case TypeLogGroup:
		return applyLogGroup, true
	case TypeAlarm:
		return applyAlarm, true
	}
	return nil, false
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	fn, ok := p.handler(req.Type)
	if !ok {
		return nil, fmt.Errorf("unsupported resource type: %s", req.Type)
	}
	c, err := p.ensureClients(ctx)
	if err != nil {
		return nil, err
	}
	return fn(ctx, c, req)
}

// decodePrior reads the outputs recorded for a resource. An empty prior
// leaves out untouched and reports false.
func decodePrior(req *provider.ApplyRequest, out any) (bool, error) {
	if len(req.PriorStateJSON) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(req.PriorStateJSON, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}
	return true, nil
}

func decodeDesired(req *provider.ApplyRequest, out any) error {
	if err := json.Unmarshal(req.DesiredConfigJSON, out); err != nil {
		return fmt.Errorf("failed to unmarshal desired config: %w", err)
	}
	return nil
}

func respond(state any) (*provider.ApplyResponse, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &provider.ApplyResponse{NewStateJSON: b}, nil
}

// hasCode reports whether err is an AWS API error with one of codes.
func hasCode(err error, codes ...string) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	for _, c := range codes {
		if ae.ErrorCode() == c {
			return true
		}
	}
	return false
}

// sortedKeys returns the keys of m in order so that API calls built from
// maps are deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stringDiff returns the entries of want missing from have and the entries
// of have missing from want.
func stringDiff(want, have []string) (add, remove []string) {
	for _, w := range want {
		if !slices.Contains(have, w) {
			add = append(add, w)
		}
	}
	for _, h := range have {
		if !slices.Contains(want, h) {
			remove = append(remove, h)
		}
	}
	return add, remove
}
