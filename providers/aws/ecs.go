package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
)

const serviceDrainWait = 15 * time.Minute

type ClusterConfig struct {
	ClusterName       string `json:"clusterName"`
	ContainerInsights bool   `json:"containerInsights,omitempty"`
}

type ClusterState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func applyCluster(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior ClusterState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			_, err := c.ecs.DeleteCluster(ctx, &ecs.DeleteClusterInput{Cluster: &prior.Name})
			if err != nil && !hasCode(err, "ClusterNotFoundException") {
				return nil, fmt.Errorf("failed to delete cluster %s: %w", prior.Name, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired ClusterConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	insights := "disabled"
	if desired.ContainerInsights {
		insights = "enabled"
	}
	settings := []types.ClusterSetting{{Name: types.ClusterSettingNameContainerInsights, Value: aws.String(insights)}}

	if prior.Name != "" {
		resp, err := c.ecs.UpdateCluster(ctx, &ecs.UpdateClusterInput{Cluster: &prior.Name, Settings: settings})
		if err != nil {
			return nil, fmt.Errorf("failed to update cluster %s: %w", prior.Name, err)
		}
		return respond(ClusterState{Name: prior.Name, ARN: aws.ToString(resp.Cluster.ClusterArn)})
	}

	// CreateCluster returns the existing cluster when the name is taken.
	resp, err := c.ecs.CreateCluster(ctx, &ecs.CreateClusterInput{ClusterName: &desired.ClusterName, Settings: settings})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster %s: %w", desired.ClusterName, err)
	}
	return respond(ClusterState{
		Name: aws.ToString(resp.Cluster.ClusterName),
		ARN:  aws.ToString(resp.Cluster.ClusterArn),
	})
}

type PortMapping struct {
	ContainerPort int32  `json:"containerPort"`
	Protocol      string `json:"protocol"`
}

// LogConfig routes container output to a CloudWatch log group.
type LogConfig struct {
	Group        string `json:"group"`
	Region       string `json:"region"`
	StreamPrefix string `json:"streamPrefix"`
}

type ContainerDefinition struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Essential    bool              `json:"essential"`
	Environment  map[string]string `json:"environment,omitempty"`
	PortMappings []PortMapping     `json:"portMappings,omitempty"`
	Logs         *LogConfig        `json:"logs,omitempty"`
}

type TaskDefinitionConfig struct {
	Family           string                `json:"family"`
	Cpu              string                `json:"cpu"`
	Memory           string                `json:"memory"`
	NetworkMode      string                `json:"networkMode"`
	ExecutionRoleArn string                `json:"executionRoleArn,omitempty"`
	TaskRoleArn      string                `json:"taskRoleArn,omitempty"`
	Containers       []ContainerDefinition `json:"containers"`
}

type TaskDefinitionState struct {
	ARN      string `json:"arn"`
	Family   string `json:"family"`
	Revision int32  `json:"revision"`
}

// containerDefinitions converts containers to the ECS form. Environment
// entries are sorted by name.
func containerDefinitions(containers []ContainerDefinition) []types.ContainerDefinition {
	defs := make([]types.ContainerDefinition, 0, len(containers))
	for _, ct := range containers {
		def := types.ContainerDefinition{
			Name:      aws.String(ct.Name),
			Image:     aws.String(ct.Image),
			Essential: aws.Bool(ct.Essential),
		}
		for _, k := range sortedKeys(ct.Environment) {
			def.Environment = append(def.Environment, types.KeyValuePair{Name: aws.String(k), Value: aws.String(ct.Environment[k])})
		}
		for _, m := range ct.PortMappings {
			def.PortMappings = append(def.PortMappings, types.PortMapping{
				ContainerPort: aws.Int32(m.ContainerPort),
				Protocol:      types.TransportProtocol(m.Protocol),
			})
		}
		if ct.Logs != nil {
			def.LogConfiguration = &types.LogConfiguration{
				LogDriver: types.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         ct.Logs.Group,
					"awslogs-region":        ct.Logs.Region,
					"awslogs-stream-prefix": ct.Logs.StreamPrefix,
				},
			}
		}
		defs = append(defs, def)
	}
	return defs
}

func applyTaskDefinition(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior TaskDefinitionState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.ARN != "" {
			if err := deregisterTaskDefinition(ctx, c.ecs, prior.ARN); err != nil {
				return nil, err
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired TaskDefinitionConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  &desired.Family,
		ContainerDefinitions:    containerDefinitions(desired.Containers),
		Cpu:                     &desired.Cpu,
		Memory:                  &desired.Memory,
		NetworkMode:             types.NetworkMode(desired.NetworkMode),
		RequiresCompatibilities: []types.Compatibility{types.CompatibilityFargate},
	}
	if desired.ExecutionRoleArn != "" {
		input.ExecutionRoleArn = &desired.ExecutionRoleArn
	}
	if desired.TaskRoleArn != "" {
		input.TaskRoleArn = &desired.TaskRoleArn
	}

	// Task definitions are immutable; an update registers a new revision.
	resp, err := c.ecs.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to register task definition %s: %w", desired.Family, err)
	}
	td := resp.TaskDefinition
	if prior.ARN != "" && prior.ARN != aws.ToString(td.TaskDefinitionArn) {
		if err := deregisterTaskDefinition(ctx, c.ecs, prior.ARN); err != nil {
			logging.Warn("old task definition revision left registered", "arn", prior.ARN, "error", err)
		}
	}

	return respond(TaskDefinitionState{
		ARN:      aws.ToString(td.TaskDefinitionArn),
		Family:   aws.ToString(td.Family),
		Revision: td.Revision,
	})
}

func deregisterTaskDefinition(ctx context.Context, api *ecs.Client, arn string) error {
	_, err := api.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{TaskDefinition: &arn})
	if err != nil && !hasCode(err, "ClientException") {
		return fmt.Errorf("failed to deregister task definition %s: %w", arn, err)
	}
	return nil
}

type ServiceConfig struct {
	ServiceName           string   `json:"serviceName"`
	Cluster               string   `json:"cluster"`
	TaskDefinition        string   `json:"taskDefinition"`
	DesiredCount          int32    `json:"desiredCount"`
	LaunchType            string   `json:"launchType"`
	Subnets               []string `json:"subnets"`
	SecurityGroups        []string `json:"securityGroups"`
	AssignPublicIP        bool     `json:"assignPublicIp,omitempty"`
	MaximumPercent        int32    `json:"maximumPercent"`
	MinimumHealthyPercent int32    `json:"minimumHealthyPercent"`
	CircuitBreaker        bool     `json:"circuitBreaker,omitempty"`
	Rollback              bool     `json:"rollback,omitempty"`
}

type ServiceState struct {
	Name    string `json:"name"`
	ARN     string `json:"arn"`
	Cluster string `json:"cluster"`
}

func (s *ServiceConfig) networkConfiguration() *types.NetworkConfiguration {
	assign := types.AssignPublicIpDisabled
	if s.AssignPublicIP {
		assign = types.AssignPublicIpEnabled
	}
	return &types.NetworkConfiguration{
		AwsvpcConfiguration: &types.AwsVpcConfiguration{
			Subnets:        s.Subnets,
			SecurityGroups: s.SecurityGroups,
			AssignPublicIp: assign,
		},
	}
}

func (s *ServiceConfig) deploymentConfiguration() *types.DeploymentConfiguration {
	return &types.DeploymentConfiguration{
		MaximumPercent:        aws.Int32(s.MaximumPercent),
		MinimumHealthyPercent: aws.Int32(s.MinimumHealthyPercent),
		DeploymentCircuitBreaker: &types.DeploymentCircuitBreaker{
			Enable:   s.CircuitBreaker,
			Rollback: s.Rollback,
		},
	}
}

func applyService(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior ServiceState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			if err := deleteService(ctx, c.ecs, prior.Cluster, prior.Name); err != nil {
				return nil, err
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired ServiceConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	var svc *types.Service
	if prior.Name != "" {
		resp, err := c.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:                 &prior.Cluster,
			Service:                 &prior.Name,
			TaskDefinition:          &desired.TaskDefinition,
			DesiredCount:            aws.Int32(desired.DesiredCount),
			NetworkConfiguration:    desired.networkConfiguration(),
			DeploymentConfiguration: desired.deploymentConfiguration(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update service %s: %w", prior.Name, err)
		}
		svc = resp.Service
	} else {
		resp, err := c.ecs.CreateService(ctx, &ecs.CreateServiceInput{
			ServiceName:             &desired.ServiceName,
			Cluster:                 &desired.Cluster,
			TaskDefinition:          &desired.TaskDefinition,
			DesiredCount:            aws.Int32(desired.DesiredCount),
			LaunchType:              types.LaunchType(desired.LaunchType),
			NetworkConfiguration:    desired.networkConfiguration(),
			DeploymentConfiguration: desired.deploymentConfiguration(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create service %s: %w", desired.ServiceName, err)
		}
		svc = resp.Service
	}

	return respond(ServiceState{
		Name:    aws.ToString(svc.ServiceName),
		ARN:     aws.ToString(svc.ServiceArn),
		Cluster: desired.Cluster,
	})
}

// deleteService drains the service and waits until it is inactive, so the
// cluster and load balancer can be removed after it.
func deleteService(ctx context.Context, api *ecs.Client, cluster, name string) error {
	_, err := api.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: &cluster,
		Service: &name,
		Force:   aws.Bool(true),
	})
	if err != nil {
		if hasCode(err, "ServiceNotFoundException", "ClusterNotFoundException") {
			return nil
		}
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	waiter := ecs.NewServicesInactiveWaiter(api)
	if err := waiter.Wait(ctx, &ecs.DescribeServicesInput{Cluster: &cluster, Services: []string{name}}, serviceDrainWait); err != nil {
		return fmt.Errorf("failed to wait for service %s to drain: %w", name, err)
	}
	return nil
}

// ServiceLoadBalancerConfig registers a service's container with a target
// group after both exist.
type ServiceLoadBalancerConfig struct {
	Cluster        string `json:"cluster"`
	Service        string `json:"service"`
	TargetGroupArn string `json:"targetGroupArn"`
	ContainerName  string `json:"containerName"`
	ContainerPort  int32  `json:"containerPort"`
}

type ServiceLoadBalancerState struct {
	Cluster        string `json:"cluster"`
	Service        string `json:"service"`
	TargetGroupArn string `json:"targetGroupArn"`
}

func applyServiceLoadBalancer(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior ServiceLoadBalancerState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Service != "" {
			_, err := c.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
				Cluster:       &prior.Cluster,
				Service:       &prior.Service,
				LoadBalancers: []types.LoadBalancer{},
			})
			if err != nil && !hasCode(err, "ServiceNotFoundException", "ServiceNotActiveException", "ClusterNotFoundException") {
				return nil, fmt.Errorf("failed to detach %s from its target group: %w", prior.Service, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired ServiceLoadBalancerConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	_, err := c.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster: &desired.Cluster,
		Service: &desired.Service,
		LoadBalancers: []types.LoadBalancer{{
			TargetGroupArn: &desired.TargetGroupArn,
			ContainerName:  &desired.ContainerName,
			ContainerPort:  aws.Int32(desired.ContainerPort),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach %s to %s: %w", desired.Service, desired.TargetGroupArn, err)
	}
	return respond(ServiceLoadBalancerState{
		Cluster:        desired.Cluster,
		Service:        desired.Service,
		TargetGroupArn: desired.TargetGroupArn,
	})
}
