package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
)

const anyIPv4 = "0.0.0.0/0"

// IngressRule opens a port range to a CIDR or, when Self is set, to members
// of the group itself.
type IngressRule struct {
	Protocol    string `json:"protocol"`
	FromPort    int32  `json:"fromPort"`
	ToPort      int32  `json:"toPort"`
	CidrIPv4    string `json:"cidrIpv4,omitempty"`
	Self        bool   `json:"self,omitempty"`
	Description string `json:"description,omitempty"`
}

type SecurityGroupConfig struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	VpcID            string            `json:"vpcId"`
	Ingress          []IngressRule     `json:"ingress"`
	AllowAllOutbound bool              `json:"allowAllOutbound"`
	Tags             map[string]string `json:"tags,omitempty"`
}

type SecurityGroupState struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	VpcID string `json:"vpcId"`
}

func applySecurityGroup(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior SecurityGroupState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.ID != "" {
			_, err := c.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: &prior.ID})
			if err != nil && !hasCode(err, "InvalidGroup.NotFound") {
				return nil, fmt.Errorf("failed to delete security group %s: %w", prior.ID, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired SecurityGroupConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	groupID := prior.ID
	created := false
	if groupID == "" {
		id, err := createSecurityGroup(ctx, c.ec2, &desired)
		if err != nil {
			return nil, err
		}
		groupID, created = id, true
	}

	current, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{groupID}})
	if err != nil {
		return nil, fmt.Errorf("failed to describe security group %s: %w", groupID, err)
	}
	if len(current.SecurityGroups) == 0 {
		return nil, fmt.Errorf("security group %s not found", groupID)
	}
	sg := current.SecurityGroups[0]

	if len(sg.IpPermissions) > 0 {
		if _, err := c.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       &groupID,
			IpPermissions: sg.IpPermissions,
		}); err != nil {
			return nil, fmt.Errorf("failed to revoke ingress on %s: %w", groupID, err)
		}
	}
	if perms := ingressPermissions(groupID, desired.Ingress); len(perms) > 0 {
		if _, err := c.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       &groupID,
			IpPermissions: perms,
		}); err != nil {
			return nil, fmt.Errorf("failed to authorize ingress on %s: %w", groupID, err)
		}
	}

	hasEgressAll := false
	for _, perm := range sg.IpPermissionsEgress {
		if isAllTraffic(perm) {
			hasEgressAll = true
		}
	}
	switch {
	case desired.AllowAllOutbound && !hasEgressAll:
		if _, err := c.ec2.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       &groupID,
			IpPermissions: []types.IpPermission{allTraffic()},
		}); err != nil {
			return nil, fmt.Errorf("failed to authorize egress on %s: %w", groupID, err)
		}
	case !desired.AllowAllOutbound && hasEgressAll:
		if _, err := c.ec2.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId:       &groupID,
			IpPermissions: []types.IpPermission{allTraffic()},
		}); err != nil {
			return nil, fmt.Errorf("failed to revoke egress on %s: %w", groupID, err)
		}
	}

	logging.Debug("security group converged", "name", desired.Name, "id", groupID, "created", created, "rules", len(desired.Ingress))
	return respond(SecurityGroupState{ID: groupID, Name: desired.Name, VpcID: desired.VpcID})
}

func createSecurityGroup(ctx context.Context, api *ec2.Client, desired *SecurityGroupConfig) (string, error) {
	input := &ec2.CreateSecurityGroupInput{
		GroupName:   &desired.Name,
		Description: &desired.Description,
		VpcId:       &desired.VpcID,
	}
	if len(desired.Tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{
			{ResourceType: types.ResourceTypeSecurityGroup, Tags: ec2Tags(desired.Tags)},
		}
	}

	resp, err := api.CreateSecurityGroup(ctx, input)
	if err == nil {
		return aws.ToString(resp.GroupId), nil
	}
	if !hasCode(err, "InvalidGroup.Duplicate") {
		return "", fmt.Errorf("failed to create security group %s: %w", desired.Name, err)
	}

	// Left behind by an earlier interrupted apply; take it over.
	existing, derr := api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{desired.Name}},
			{Name: aws.String("vpc-id"), Values: []string{desired.VpcID}},
		},
	})
	if derr != nil || len(existing.SecurityGroups) == 0 {
		return "", fmt.Errorf("failed to create security group %s: %w", desired.Name, err)
	}
	logging.Warn("adopting existing security group", "name", desired.Name)
	return aws.ToString(existing.SecurityGroups[0].GroupId), nil
}

// ingressPermissions converts rules to EC2 permissions. Self rules name the
// group itself as the peer.
func ingressPermissions(groupID string, rules []IngressRule) []types.IpPermission {
	perms := make([]types.IpPermission, 0, len(rules))
	for _, r := range rules {
		perm := types.IpPermission{
			IpProtocol: aws.String(r.Protocol),
			FromPort:   aws.Int32(r.FromPort),
			ToPort:     aws.Int32(r.ToPort),
		}
		var desc *string
		if r.Description != "" {
			desc = aws.String(r.Description)
		}
		if r.Self {
			perm.UserIdGroupPairs = []types.UserIdGroupPair{{GroupId: aws.String(groupID), Description: desc}}
		} else {
			cidr := r.CidrIPv4
			if cidr == "" {
				cidr = anyIPv4
			}
			perm.IpRanges = []types.IpRange{{CidrIp: aws.String(cidr), Description: desc}}
		}
		perms = append(perms, perm)
	}
	return perms
}

func allTraffic() types.IpPermission {
	return types.IpPermission{
		IpProtocol: aws.String("-1"),
		IpRanges:   []types.IpRange{{CidrIp: aws.String(anyIPv4)}},
	}
}

func isAllTraffic(perm types.IpPermission) bool {
	if aws.ToString(perm.IpProtocol) != "-1" {
		return false
	}
	for _, r := range perm.IpRanges {
		if aws.ToString(r.CidrIp) == anyIPv4 {
			return true
		}
	}
	return false
}

func ec2Tags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

type VpcEndpointConfig struct {
	VpcID             string            `json:"vpcId"`
	ServiceName       string            `json:"serviceName"`
	Type              string            `json:"type"` // Interface or Gateway
	SubnetIDs         []string          `json:"subnetIds,omitempty"`
	SecurityGroupIDs  []string          `json:"securityGroupIds,omitempty"`
	RouteTableIDs     []string          `json:"routeTableIds,omitempty"`
	PrivateDNSEnabled bool              `json:"privateDnsEnabled,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

type VpcEndpointState struct {
	ID               string   `json:"id"`
	SubnetIDs        []string `json:"subnetIds,omitempty"`
	SecurityGroupIDs []string `json:"securityGroupIds,omitempty"`
	RouteTableIDs    []string `json:"routeTableIds,omitempty"`
}

func applyVpcEndpoint(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior VpcEndpointState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.ID != "" {
			resp, err := c.ec2.DeleteVpcEndpoints(ctx, &ec2.DeleteVpcEndpointsInput{VpcEndpointIds: []string{prior.ID}})
			if err != nil {
				return nil, fmt.Errorf("failed to delete vpc endpoint %s: %w", prior.ID, err)
			}
			if len(resp.Unsuccessful) > 0 {
				item := resp.Unsuccessful[0]
				if item.Error != nil && aws.ToString(item.Error.Code) != "InvalidVpcEndpoint.NotFound" {
					return nil, fmt.Errorf("failed to delete vpc endpoint %s: %s", prior.ID, aws.ToString(item.Error.Message))
				}
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired VpcEndpointConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}
	next := VpcEndpointState{
		SubnetIDs:        desired.SubnetIDs,
		SecurityGroupIDs: desired.SecurityGroupIDs,
		RouteTableIDs:    desired.RouteTableIDs,
	}

	if prior.ID != "" {
		input := &ec2.ModifyVpcEndpointInput{VpcEndpointId: &prior.ID}
		input.AddSubnetIds, input.RemoveSubnetIds = stringDiff(desired.SubnetIDs, prior.SubnetIDs)
		input.AddSecurityGroupIds, input.RemoveSecurityGroupIds = stringDiff(desired.SecurityGroupIDs, prior.SecurityGroupIDs)
		input.AddRouteTableIds, input.RemoveRouteTableIds = stringDiff(desired.RouteTableIDs, prior.RouteTableIDs)
		if desired.Type == string(types.VpcEndpointTypeInterface) {
			input.PrivateDnsEnabled = aws.Bool(desired.PrivateDNSEnabled)
		}
		if _, err := c.ec2.ModifyVpcEndpoint(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to modify vpc endpoint %s: %w", prior.ID, err)
		}
		next.ID = prior.ID
		return respond(next)
	}

	input := &ec2.CreateVpcEndpointInput{
		VpcId:           &desired.VpcID,
		ServiceName:     &desired.ServiceName,
		VpcEndpointType: types.VpcEndpointType(desired.Type),
	}
	switch input.VpcEndpointType {
	case types.VpcEndpointTypeGateway:
		input.RouteTableIds = desired.RouteTableIDs
	default:
		input.SubnetIds = desired.SubnetIDs
		input.SecurityGroupIds = desired.SecurityGroupIDs
		input.PrivateDnsEnabled = aws.Bool(desired.PrivateDNSEnabled)
	}
	if len(desired.Tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{
			{ResourceType: types.ResourceTypeVpcEndpoint, Tags: ec2Tags(desired.Tags)},
		}
	}

	resp, err := c.ec2.CreateVpcEndpoint(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create vpc endpoint for %s: %w", desired.ServiceName, err)
	}
	next.ID = aws.ToString(resp.VpcEndpoint.VpcEndpointId)
	return respond(next)
}
