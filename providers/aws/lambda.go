package aws

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
)

const functionWait = 5 * time.Minute

type FunctionConfig struct {
	FunctionName string            `json:"functionName"`
	Description  string            `json:"description,omitempty"`
	Runtime      string            `json:"runtime"`
	Handler      string            `json:"handler"`
	Role         string            `json:"role"`
	Code         string            `json:"code"` // path to a zip archive
	CodeSHA256   string            `json:"codeSha256,omitempty"`
	MemorySize   int32             `json:"memorySize"`
	Timeout      int32             `json:"timeout"`
	Environment  map[string]string `json:"environment,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

type FunctionState struct {
	Name       string `json:"name"`
	ARN        string `json:"arn"`
	CodeSHA256 string `json:"codeSha256"`
}

// CodeHash matches the CodeSha256 Lambda reports for an uploaded archive.
func CodeHash(zip []byte) string {
	sum := sha256.Sum256(zip)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func applyFunction(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior FunctionState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			_, err := c.lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: &prior.Name})
			if err != nil && !hasCode(err, "ResourceNotFoundException") {
				return nil, fmt.Errorf("failed to delete function %s: %w", prior.Name, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired FunctionConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	zip, err := os.ReadFile(desired.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to read code archive: %w", err)
	}
	hash := CodeHash(zip)
	env := &types.Environment{Variables: desired.Environment}

	if prior.Name == "" {
		resp, err := c.lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
			FunctionName: &desired.FunctionName,
			Description:  aws.String(desired.Description),
			Runtime:      types.Runtime(desired.Runtime),
			Handler:      &desired.Handler,
			Role:         &desired.Role,
			Code:         &types.FunctionCode{ZipFile: zip},
			MemorySize:   aws.Int32(desired.MemorySize),
			Timeout:      aws.Int32(desired.Timeout),
			Environment:  env,
			Tags:         desired.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create function %s: %w", desired.FunctionName, err)
		}
		waiter := lambda.NewFunctionActiveV2Waiter(c.lambda)
		if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: resp.FunctionName}, functionWait); err != nil {
			return nil, fmt.Errorf("failed to wait for function %s: %w", desired.FunctionName, err)
		}
		return respond(FunctionState{
			Name:       aws.ToString(resp.FunctionName),
			ARN:        aws.ToString(resp.FunctionArn),
			CodeSHA256: aws.ToString(resp.CodeSha256),
		})
	}

	updated := lambda.NewFunctionUpdatedV2Waiter(c.lambda)
	resp, err := c.lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: &prior.Name,
		Description:  aws.String(desired.Description),
		Runtime:      types.Runtime(desired.Runtime),
		Handler:      &desired.Handler,
		Role:         &desired.Role,
		MemorySize:   aws.Int32(desired.MemorySize),
		Timeout:      aws.Int32(desired.Timeout),
		Environment:  env,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update function %s: %w", prior.Name, err)
	}
	if err := updated.Wait(ctx, &lambda.GetFunctionInput{FunctionName: &prior.Name}, functionWait); err != nil {
		return nil, fmt.Errorf("failed to wait for function %s: %w", prior.Name, err)
	}

	state := FunctionState{Name: prior.Name, ARN: aws.ToString(resp.FunctionArn), CodeSHA256: prior.CodeSHA256}
	if hash != prior.CodeSHA256 {
		logging.Info("uploading function code", "function", prior.Name, "sha256", hash)
		code, err := c.lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: &prior.Name,
			ZipFile:      zip,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update code of %s: %w", prior.Name, err)
		}
		if err := updated.Wait(ctx, &lambda.GetFunctionInput{FunctionName: &prior.Name}, functionWait); err != nil {
			return nil, fmt.Errorf("failed to wait for function %s: %w", prior.Name, err)
		}
		state.CodeSHA256 = aws.ToString(code.CodeSha256)
	}
	return respond(state)
}

type PermissionConfig struct {
	FunctionName string `json:"functionName"`
	StatementID  string `json:"statementId"`
	Action       string `json:"action"`
	Principal    string `json:"principal"`
	SourceArn    string `json:"sourceArn,omitempty"`
}

type PermissionState struct {
	FunctionName string `json:"functionName"`
	StatementID  string `json:"statementId"`
}

func applyPermission(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior PermissionState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.StatementID != "" {
			_, err := c.lambda.RemovePermission(ctx, &lambda.RemovePermissionInput{
				FunctionName: &prior.FunctionName,
				StatementId:  &prior.StatementID,
			})
			if err != nil && !hasCode(err, "ResourceNotFoundException") {
				return nil, fmt.Errorf("failed to remove permission %s: %w", prior.StatementID, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired PermissionConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	input := &lambda.AddPermissionInput{
		FunctionName: &desired.FunctionName,
		StatementId:  &desired.StatementID,
		Action:       &desired.Action,
		Principal:    &desired.Principal,
	}
	if desired.SourceArn != "" {
		input.SourceArn = &desired.SourceArn
	}
	if _, err := c.lambda.AddPermission(ctx, input); err != nil && !hasCode(err, "ResourceConflictException") {
		return nil, fmt.Errorf("failed to add permission %s: %w", desired.StatementID, err)
	}
	return respond(PermissionState{FunctionName: desired.FunctionName, StatementID: desired.StatementID})
}
