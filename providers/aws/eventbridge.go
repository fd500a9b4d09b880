package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/privacydam/deploy/internal/provider"
)

type RuleConfig struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	ScheduleExpression string `json:"scheduleExpression,omitempty"`
	EventPattern       string `json:"eventPattern,omitempty"`
	Enabled            bool   `json:"enabled"`
}

type RuleState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func applyRule(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior RuleState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			_, err := c.eventbridge.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: &prior.Name})
			if err != nil && !hasCode(err, "ResourceNotFoundException") {
				return nil, fmt.Errorf("failed to delete rule %s: %w", prior.Name, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired RuleConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	state := types.RuleStateDisabled
	if desired.Enabled {
		state = types.RuleStateEnabled
	}
	input := &eventbridge.PutRuleInput{Name: &desired.Name, State: state}
	if desired.Description != "" {
		input.Description = &desired.Description
	}
	if desired.ScheduleExpression != "" {
		input.ScheduleExpression = &desired.ScheduleExpression
	}
	if desired.EventPattern != "" {
		input.EventPattern = &desired.EventPattern
	}

	resp, err := c.eventbridge.PutRule(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to put rule %s: %w", desired.Name, err)
	}
	return respond(RuleState{Name: desired.Name, ARN: aws.ToString(resp.RuleArn)})
}

type TargetConfig struct {
	Rule     string `json:"rule"`
	TargetID string `json:"targetId"`
	Arn      string `json:"arn"`
}

type TargetState struct {
	Rule     string `json:"rule"`
	TargetID string `json:"targetId"`
}

func applyTarget(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior TargetState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.TargetID != "" {
			resp, err := c.eventbridge.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
				Rule: &prior.Rule,
				Ids:  []string{prior.TargetID},
			})
			if err != nil && !hasCode(err, "ResourceNotFoundException") {
				return nil, fmt.Errorf("failed to remove target %s: %w", prior.TargetID, err)
			}
			if err == nil && resp.FailedEntryCount > 0 {
				return nil, fmt.Errorf("failed to remove target %s: %s", prior.TargetID, aws.ToString(resp.FailedEntries[0].ErrorMessage))
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired TargetConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	resp, err := c.eventbridge.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule:    &desired.Rule,
		Targets: []types.Target{{Id: &desired.TargetID, Arn: &desired.Arn}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put target on %s: %w", desired.Rule, err)
	}
	if resp.FailedEntryCount > 0 {
		return nil, fmt.Errorf("failed to put target on %s: %s", desired.Rule, aws.ToString(resp.FailedEntries[0].ErrorMessage))
	}
	return respond(TargetState{Rule: desired.Rule, TargetID: desired.TargetID})
}
