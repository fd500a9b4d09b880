package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/privacydam/deploy/internal/provider"
)

type LogGroupConfig struct {
	LogGroupName    string `json:"logGroupName"`
	RetentionInDays int32  `json:"retentionInDays,omitempty"`
}

type LogGroupState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func applyLogGroup(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior LogGroupState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			_, err := c.cloudwatchlogs.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: &prior.Name})
			if err != nil && !hasCode(err, "ResourceNotFoundException") {
				return nil, fmt.Errorf("failed to delete log group %s: %w", prior.Name, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired LogGroupConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	if prior.Name == "" {
		_, err := c.cloudwatchlogs.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: &desired.LogGroupName})
		if err != nil && !hasCode(err, "ResourceAlreadyExistsException") {
			return nil, fmt.Errorf("failed to create log group %s: %w", desired.LogGroupName, err)
		}
	}

	if desired.RetentionInDays > 0 {
		if _, err := c.cloudwatchlogs.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    &desired.LogGroupName,
			RetentionInDays: aws.Int32(desired.RetentionInDays),
		}); err != nil {
			return nil, fmt.Errorf("failed to set retention of %s: %w", desired.LogGroupName, err)
		}
	} else if prior.Name != "" {
		if _, err := c.cloudwatchlogs.DeleteRetentionPolicy(ctx, &cloudwatchlogs.DeleteRetentionPolicyInput{
			LogGroupName: &desired.LogGroupName,
		}); err != nil {
			return nil, fmt.Errorf("failed to clear retention of %s: %w", desired.LogGroupName, err)
		}
	}

	out, err := c.cloudwatchlogs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: &desired.LogGroupName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe log group %s: %w", desired.LogGroupName, err)
	}
	state := LogGroupState{Name: desired.LogGroupName}
	for _, g := range out.LogGroups {
		if aws.ToString(g.LogGroupName) == desired.LogGroupName {
			state.ARN = aws.ToString(g.Arn)
		}
	}
	return respond(state)
}

type AlarmConfig struct {
	AlarmName          string            `json:"alarmName"`
	Description        string            `json:"description,omitempty"`
	Namespace          string            `json:"namespace"`
	MetricName         string            `json:"metricName"`
	Dimensions         map[string]string `json:"dimensions,omitempty"`
	Statistic          string            `json:"statistic"`
	Period             int32             `json:"period"`
	EvaluationPeriods  int32             `json:"evaluationPeriods"`
	Threshold          float64           `json:"threshold"`
	ComparisonOperator string            `json:"comparisonOperator"`
	TreatMissingData   string            `json:"treatMissingData,omitempty"`
}

type AlarmState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func metricAlarmInput(a *AlarmConfig) *cloudwatch.PutMetricAlarmInput {
	input := &cloudwatch.PutMetricAlarmInput{
		AlarmName:          aws.String(a.AlarmName),
		Namespace:          aws.String(a.Namespace),
		MetricName:         aws.String(a.MetricName),
		Statistic:          cwtypes.Statistic(a.Statistic),
		Period:             aws.Int32(a.Period),
		EvaluationPeriods:  aws.Int32(a.EvaluationPeriods),
		Threshold:          aws.Float64(a.Threshold),
		ComparisonOperator: cwtypes.ComparisonOperator(a.ComparisonOperator),
	}
	if a.Description != "" {
		input.AlarmDescription = aws.String(a.Description)
	}
	if a.TreatMissingData != "" {
		input.TreatMissingData = aws.String(a.TreatMissingData)
	}
	for _, k := range sortedKeys(a.Dimensions) {
		input.Dimensions = append(input.Dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(a.Dimensions[k])})
	}
	return input
}

func applyAlarm(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior AlarmState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			if _, err := c.cloudwatch.DeleteAlarms(ctx, &cloudwatch.DeleteAlarmsInput{AlarmNames: []string{prior.Name}}); err != nil {
				return nil, fmt.Errorf("failed to delete alarm %s: %w", prior.Name, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired AlarmConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	// PutMetricAlarm creates or replaces the alarm in full.
	if _, err := c.cloudwatch.PutMetricAlarm(ctx, metricAlarmInput(&desired)); err != nil {
		return nil, fmt.Errorf("failed to put alarm %s: %w", desired.AlarmName, err)
	}

	out, err := c.cloudwatch.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{AlarmNames: []string{desired.AlarmName}})
	if err != nil {
		return nil, fmt.Errorf("failed to describe alarm %s: %w", desired.AlarmName, err)
	}
	state := AlarmState{Name: desired.AlarmName}
	if len(out.MetricAlarms) > 0 {
		state.ARN = aws.ToString(out.MetricAlarms[0].AlarmArn)
	}
	return respond(state)
}
