package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/network"
)

// Network describes an existing VPC and its subnets.
func (p *Provider) Network(ctx context.Context, vpcID string) (*network.Inventory, error) {
	c, err := p.ensureClients(ctx)
	if err != nil {
		return nil, err
	}
	return network.Lookup(ctx, c.ec2, vpcID)
}

// MachineImage returns the id of the newest available image called name
// and owned by owner.
func (p *Provider) MachineImage(ctx context.Context, name, owner string) (string, error) {
	c, err := p.ensureClients(ctx)
	if err != nil {
		return "", err
	}
	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{owner},
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{name}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe images named %s: %w", name, err)
	}
	img, ok := newestImage(out.Images)
	if !ok {
		return "", fmt.Errorf("no image named %s owned by %s", name, owner)
	}
	logging.Debug("resolved machine image", "name", name, "id", aws.ToString(img.ImageId), "created", aws.ToString(img.CreationDate))
	return aws.ToString(img.ImageId), nil
}

// newestImage picks the latest creation date, breaking ties by id.
// CreationDate is ISO 8601 in UTC, so it orders as a string.
func newestImage(images []ec2types.Image) (ec2types.Image, bool) {
	var best ec2types.Image
	found := false
	for _, img := range images {
		if !found {
			best, found = img, true
			continue
		}
		bc, ic := aws.ToString(best.CreationDate), aws.ToString(img.CreationDate)
		if ic > bc || (ic == bc && aws.ToString(img.ImageId) > aws.ToString(best.ImageId)) {
			best = img
		}
	}
	return best, found
}

// Repository identifies an ECR repository by its ARN parts.
type Repository struct {
	Partition string
	Region    string
	Account   string
	Name      string
}

// ParseRepositoryARN splits arn:<partition>:ecr:<region>:<account>:repository/<name>.
func ParseRepositoryARN(arn string) (Repository, error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "ecr" {
		return Repository{}, fmt.Errorf("not an ecr repository arn: %q", arn)
	}
	name, ok := strings.CutPrefix(parts[5], "repository/")
	if !ok || name == "" || parts[3] == "" || parts[4] == "" {
		return Repository{}, fmt.Errorf("not an ecr repository arn: %q", arn)
	}
	return Repository{Partition: parts[1], Region: parts[3], Account: parts[4], Name: name}, nil
}

// URI is the registry address of the repository.
func (r Repository) URI() string {
	host := "amazonaws.com"
	if r.Partition == "aws-cn" {
		host = "amazonaws.com.cn"
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.%s/%s", r.Account, r.Region, host, r.Name)
}

// ImageURI is the pull address of tag in the repository.
func (r Repository) ImageURI(tag string) string {
	return r.URI() + ":" + tag
}

// ContainerImage checks that tag has been pushed to repo.
func (p *Provider) ContainerImage(ctx context.Context, repo Repository, tag string) error {
	c, err := p.ensureClients(ctx)
	if err != nil {
		return err
	}
	_, err = c.ecr.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repo.Name),
		RegistryId:     aws.String(repo.Account),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	}, func(o *ecr.Options) {
		o.Region = repo.Region
	})
	if err != nil {
		if hasCode(err, "ImageNotFoundException") {
			return fmt.Errorf("image %s not found in %s", tag, repo.URI())
		}
		if hasCode(err, "RepositoryNotFoundException") {
			return fmt.Errorf("repository %s not found", repo.URI())
		}
		return fmt.Errorf("failed to describe image %s: %w", repo.ImageURI(tag), err)
	}
	return nil
}
