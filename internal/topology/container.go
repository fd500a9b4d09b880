package topology

import (
	"context"
	"fmt"
	"strconv"

	"github.com/privacydam/deploy/internal/env"
	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/network"
	"github.com/privacydam/deploy/internal/settings"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

const (
	containerPort     = 4000
	logStreamPrefix   = "ecs"
	serviceMaxPercent = 200
	serviceMinHealthy = 100
)

// ContainerImages checks that an image tag exists in a repository.
type ContainerImages interface {
	ContainerImage(ctx context.Context, repo awsprov.Repository, tag string) error
}

// resolveImage returns the pull URI of the configured repository and tag
// after checking the tag has been pushed.
func resolveImage(ctx context.Context, images ContainerImages, cfg settings.ECS) (string, error) {
	repo, err := awsprov.ParseRepositoryARN(cfg.Repository.ARN)
	if err != nil {
		return "", err
	}
	if err := images.ContainerImage(ctx, repo, cfg.Image.Version); err != nil {
		return "", err
	}
	return repo.ImageURI(cfg.Image.Version), nil
}

// ServiceHandle identifies a running container service for load balancer
// binding.
type ServiceHandle struct {
	Name          string
	Cluster       token.Value
	ContainerName string
	ContainerPort int32
}

type containerArgs struct {
	region   string
	settings settings.ECS
	image    string
	net      *network.Context
	groups   []SecurityGroup
	roles    ECSRoles
	vars     env.Environment
}

func declareContainerService(s *Stack, args containerArgs) (ServiceHandle, error) {
	if _, err := s.Add(awsprov.TypeCluster, names.Cluster, awsprov.ClusterConfig{
		ClusterName: names.Cluster,
	}); err != nil {
		return ServiceHandle{}, err
	}
	cluster := attr(awsprov.TypeCluster, names.Cluster, "name")

	if _, err := s.Add(awsprov.TypeLogGroup, names.Logs, awsprov.LogGroupConfig{
		LogGroupName:    names.Logs,
		RetentionInDays: args.settings.LogRetentionDays,
	}); err != nil {
		return ServiceHandle{}, err
	}

	if _, err := s.Add(awsprov.TypeTaskDefinition, names.TaskDefinition, awsprov.TaskDefinitionConfig{
		Family:           names.TaskDefinition,
		Cpu:              strconv.Itoa(int(args.settings.CPU)),
		Memory:           strconv.Itoa(int(args.settings.Memory)),
		NetworkMode:      "awsvpc",
		ExecutionRoleArn: args.roles.Execution.ARN.Encode(),
		TaskRoleArn:      args.roles.Task.ARN.Encode(),
		Containers: []awsprov.ContainerDefinition{{
			Name:         names.Container,
			Image:        args.image,
			Essential:    true,
			Environment:  withEnvironment(args.settings.Environment, args.vars),
			PortMappings: []awsprov.PortMapping{{ContainerPort: containerPort, Protocol: "tcp"}},
			Logs: &awsprov.LogConfig{
				Group:        attr(awsprov.TypeLogGroup, names.Logs, "name").Encode(),
				Region:       args.region,
				StreamPrefix: logStreamPrefix,
			},
		}},
	}); err != nil {
		return ServiceHandle{}, err
	}

	groupIDs := make([]string, len(args.groups))
	for i, g := range args.groups {
		groupIDs[i] = g.ID.Encode()
	}
	private := network.SubnetIDs(args.net.Private())
	if len(private) == 0 {
		return ServiceHandle{}, fmt.Errorf("no private subnet resolved in %s for %s", args.net.VpcID(), names.Service)
	}
	if _, err := s.Add(awsprov.TypeService, names.Service, awsprov.ServiceConfig{
		ServiceName:           names.Service,
		Cluster:               cluster.Encode(),
		TaskDefinition:        attr(awsprov.TypeTaskDefinition, names.TaskDefinition, "arn").Encode(),
		DesiredCount:          1,
		LaunchType:            "FARGATE",
		Subnets:               private,
		SecurityGroups:        groupIDs,
		MaximumPercent:        serviceMaxPercent,
		MinimumHealthyPercent: serviceMinHealthy,
		CircuitBreaker:        true,
		Rollback:              true,
	}); err != nil {
		return ServiceHandle{}, err
	}

	return ServiceHandle{
		Name:          names.Service,
		Cluster:       cluster,
		ContainerName: names.Container,
		ContainerPort: containerPort,
	}, nil
}
