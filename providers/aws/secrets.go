package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretString returns the string value of a Secrets Manager secret.
func (p *Provider) SecretString(ctx context.Context, id string) (string, error) {
	c, err := p.ensureClients(ctx)
	if err != nil {
		return "", err
	}
	out, err := c.secretsmanager.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}
	return *out.SecretString, nil
}

// Parameter returns the decrypted value of an SSM parameter.
func (p *Provider) Parameter(ctx context.Context, name string) (string, error) {
	c, err := p.ensureClients(ctx)
	if err != nil {
		return "", err
	}
	out, err := c.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read parameter %s: %w", name, err)
	}
	return aws.ToString(out.Parameter.Value), nil
}
