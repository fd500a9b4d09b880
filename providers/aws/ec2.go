package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
)

const instanceWait = 10 * time.Minute

type InstanceConfig struct {
	ImageID            string            `json:"imageId"`
	InstanceType       string            `json:"instanceType"`
	KeyName            string            `json:"keyName,omitempty"`
	SubnetID           string            `json:"subnetId"`
	SecurityGroupIDs   []string          `json:"securityGroupIds"`
	IamInstanceProfile string            `json:"iamInstanceProfile,omitempty"`
	UserData           string            `json:"userData,omitempty"` // base64
	Tags               map[string]string `json:"tags,omitempty"`
}

type InstanceState struct {
	ID        string `json:"id"`
	PrivateIP string `json:"privateIp"`
	PublicIP  string `json:"publicIp,omitempty"`
	SubnetID  string `json:"subnetId"`
}

func applyInstance(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior InstanceState
	hasPrior, err := decodePrior(req, &prior)
	if err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.ID == "" {
			return &provider.ApplyResponse{}, nil
		}
		_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{prior.ID}})
		if err != nil {
			if hasCode(err, "InvalidInstanceID.NotFound") {
				return &provider.ApplyResponse{}, nil
			}
			return nil, fmt.Errorf("failed to terminate instance %s: %w", prior.ID, err)
		}
		waiter := ec2.NewInstanceTerminatedWaiter(c.ec2)
		if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{prior.ID}}, instanceWait); err != nil {
			return nil, fmt.Errorf("failed to wait for instance %s to terminate: %w", prior.ID, err)
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired InstanceConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	// Everything but tags forces a replacement, so an existing instance
	// only needs its tags brought up to date.
	if hasPrior && prior.ID != "" {
		if len(desired.Tags) > 0 {
			if _, err := c.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
				Resources: []string{prior.ID},
				Tags:      ec2Tags(desired.Tags),
			}); err != nil {
				return nil, fmt.Errorf("failed to update tags on %s: %w", prior.ID, err)
			}
		}
		return respond(prior)
	}

	resp, err := c.ec2.RunInstances(ctx, runInstancesInput(&desired))
	if err != nil {
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(resp.Instances) == 0 {
		return nil, fmt.Errorf("no instances created")
	}
	id := aws.ToString(resp.Instances[0].InstanceId)
	logging.Info("instance launched, waiting for it to run", "id", id, "subnet", desired.SubnetID)

	waiter := ec2.NewInstanceRunningWaiter(c.ec2)
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, instanceWait)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for instance %s running: %w", id, err)
	}

	state := InstanceState{ID: id, SubnetID: desired.SubnetID}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id {
				state.PrivateIP = aws.ToString(inst.PrivateIpAddress)
				state.PublicIP = aws.ToString(inst.PublicIpAddress)
			}
		}
	}
	if state.PrivateIP == "" {
		return nil, fmt.Errorf("instance %s has no private address", id)
	}
	return respond(state)
}

func runInstancesInput(desired *InstanceConfig) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(desired.ImageID),
		InstanceType:     types.InstanceType(desired.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SubnetId:         aws.String(desired.SubnetID),
		SecurityGroupIds: desired.SecurityGroupIDs,
	}
	if desired.KeyName != "" {
		input.KeyName = aws.String(desired.KeyName)
	}
	if desired.IamInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(desired.IamInstanceProfile)}
	}
	if desired.UserData != "" {
		input.UserData = aws.String(desired.UserData)
	}
	if len(desired.Tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: ec2Tags(desired.Tags)},
		}
	}
	return input
}
