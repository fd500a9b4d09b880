package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
)

const loadBalancerWait = 10 * time.Minute

type LoadBalancerConfig struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Scheme         string   `json:"scheme"`
	Subnets        []string `json:"subnets"`
	SecurityGroups []string `json:"securityGroups,omitempty"`
}

type LoadBalancerState struct {
	Name    string `json:"name"`
	ARN     string `json:"arn"`
	DNSName string `json:"dnsName"`
}

func applyLoadBalancer(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior LoadBalancerState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.ARN == "" {
			return &provider.ApplyResponse{}, nil
		}
		_, err := c.elbv2.DeleteLoadBalancer(ctx, &elb.DeleteLoadBalancerInput{LoadBalancerArn: &prior.ARN})
		if err != nil {
			if hasCode(err, "LoadBalancerNotFound") {
				return &provider.ApplyResponse{}, nil
			}
			return nil, fmt.Errorf("failed to delete load balancer %s: %w", prior.Name, err)
		}
		waiter := elb.NewLoadBalancersDeletedWaiter(c.elbv2)
		if err := waiter.Wait(ctx, &elb.DescribeLoadBalancersInput{LoadBalancerArns: []string{prior.ARN}}, loadBalancerWait); err != nil {
			return nil, fmt.Errorf("failed to wait for load balancer %s deletion: %w", prior.Name, err)
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired LoadBalancerConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	if prior.ARN != "" {
		if _, err := c.elbv2.SetSubnets(ctx, &elb.SetSubnetsInput{
			LoadBalancerArn: &prior.ARN,
			Subnets:         desired.Subnets,
		}); err != nil {
			return nil, fmt.Errorf("failed to set subnets of %s: %w", prior.Name, err)
		}
		if len(desired.SecurityGroups) > 0 {
			if _, err := c.elbv2.SetSecurityGroups(ctx, &elb.SetSecurityGroupsInput{
				LoadBalancerArn: &prior.ARN,
				SecurityGroups:  desired.SecurityGroups,
			}); err != nil {
				return nil, fmt.Errorf("failed to set security groups of %s: %w", prior.Name, err)
			}
		}
		return respond(prior)
	}

	input := &elb.CreateLoadBalancerInput{
		Name:    &desired.Name,
		Subnets: desired.Subnets,
		Scheme:  types.LoadBalancerSchemeEnum(desired.Scheme),
		Type:    types.LoadBalancerTypeEnum(desired.Type),
	}
	if len(desired.SecurityGroups) > 0 {
		input.SecurityGroups = desired.SecurityGroups
	}
	resp, err := c.elbv2.CreateLoadBalancer(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer %s: %w", desired.Name, err)
	}
	if len(resp.LoadBalancers) == 0 {
		return nil, fmt.Errorf("no load balancer created for %s", desired.Name)
	}
	lb := resp.LoadBalancers[0]

	logging.Info("waiting for load balancer", "name", desired.Name)
	waiter := elb.NewLoadBalancerAvailableWaiter(c.elbv2)
	if err := waiter.Wait(ctx, &elb.DescribeLoadBalancersInput{LoadBalancerArns: []string{aws.ToString(lb.LoadBalancerArn)}}, loadBalancerWait); err != nil {
		return nil, fmt.Errorf("failed to wait for load balancer %s: %w", desired.Name, err)
	}

	return respond(LoadBalancerState{
		Name:    aws.ToString(lb.LoadBalancerName),
		ARN:     aws.ToString(lb.LoadBalancerArn),
		DNSName: aws.ToString(lb.DNSName),
	})
}

type TargetGroupConfig struct {
	Name       string `json:"name"`
	Port       int32  `json:"port"`
	Protocol   string `json:"protocol"`
	VpcID      string `json:"vpcId"`
	TargetType string `json:"targetType"`
}

type TargetGroupState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func applyTargetGroup(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior TargetGroupState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.ARN != "" {
			_, err := c.elbv2.DeleteTargetGroup(ctx, &elb.DeleteTargetGroupInput{TargetGroupArn: &prior.ARN})
			if err != nil && !hasCode(err, "TargetGroupNotFound") {
				return nil, fmt.Errorf("failed to delete target group %s: %w", prior.Name, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired TargetGroupConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}
	if prior.ARN != "" {
		return respond(prior)
	}

	resp, err := c.elbv2.CreateTargetGroup(ctx, &elb.CreateTargetGroupInput{
		Name:       &desired.Name,
		Port:       aws.Int32(desired.Port),
		Protocol:   types.ProtocolEnum(desired.Protocol),
		VpcId:      &desired.VpcID,
		TargetType: types.TargetTypeEnum(desired.TargetType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create target group %s: %w", desired.Name, err)
	}
	if len(resp.TargetGroups) == 0 {
		return nil, fmt.Errorf("no target group created for %s", desired.Name)
	}
	tg := resp.TargetGroups[0]
	return respond(TargetGroupState{
		Name: aws.ToString(tg.TargetGroupName),
		ARN:  aws.ToString(tg.TargetGroupArn),
	})
}

type ListenerConfig struct {
	LoadBalancerArn string `json:"loadBalancerArn"`
	Port            int32  `json:"port"`
	Protocol        string `json:"protocol"`
	TargetGroupArn  string `json:"targetGroupArn"`
}

type ListenerState struct {
	ARN string `json:"arn"`
}

func (l *ListenerConfig) forward() []types.Action {
	return []types.Action{{Type: types.ActionTypeEnumForward, TargetGroupArn: aws.String(l.TargetGroupArn)}}
}

func applyListener(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior ListenerState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.ARN != "" {
			_, err := c.elbv2.DeleteListener(ctx, &elb.DeleteListenerInput{ListenerArn: &prior.ARN})
			if err != nil && !hasCode(err, "ListenerNotFound") {
				return nil, fmt.Errorf("failed to delete listener %s: %w", prior.ARN, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired ListenerConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	if prior.ARN != "" {
		if _, err := c.elbv2.ModifyListener(ctx, &elb.ModifyListenerInput{
			ListenerArn:    &prior.ARN,
			Port:           aws.Int32(desired.Port),
			Protocol:       types.ProtocolEnum(desired.Protocol),
			DefaultActions: desired.forward(),
		}); err != nil {
			return nil, fmt.Errorf("failed to modify listener %s: %w", prior.ARN, err)
		}
		return respond(prior)
	}

	resp, err := c.elbv2.CreateListener(ctx, &elb.CreateListenerInput{
		LoadBalancerArn: &desired.LoadBalancerArn,
		Port:            aws.Int32(desired.Port),
		Protocol:        types.ProtocolEnum(desired.Protocol),
		DefaultActions:  desired.forward(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	if len(resp.Listeners) == 0 {
		return nil, fmt.Errorf("no listener created")
	}
	return respond(ListenerState{ARN: aws.ToString(resp.Listeners[0].ListenerArn)})
}
