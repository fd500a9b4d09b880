package topology

import (
	"context"
	"fmt"
	"os"

	"github.com/privacydam/deploy/internal/env"
	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/network"
	"github.com/privacydam/deploy/internal/settings"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

// Lookups reads existing infrastructure during assembly.
type Lookups interface {
	Network(ctx context.Context, vpcID string) (*network.Inventory, error)
	MachineImage(ctx context.Context, name, owner string) (string, error)
	ContainerImages
}

// Inputs are the loaded settings, credentials and bootstrap script.
type Inputs struct {
	Settings    *settings.Settings
	Credentials settings.Credentials
	UserData    UserData
	CodeSHA256  string // of the function archive
}

func step(name string, fn func() error) error {
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	logging.Step(name).Debug("declared")
	return nil
}

// Assemble declares the whole deployment in dependency order. The first
// failing step aborts assembly and nothing is returned.
func Assemble(ctx context.Context, in Inputs, lookups Lookups) (*ir.Config, error) {
	cfg := in.Settings
	if cfg == nil {
		return nil, fmt.Errorf("assemble: no settings")
	}
	stack := NewStack()
	vars := env.NewBuilder()

	var net *network.Context
	if err := step("network", func() error {
		inv, err := lookups.Network(ctx, cfg.VPC.ID)
		if err != nil {
			return err
		}
		net = network.NewContext(inv, cfg.VPC.PublicSubnets, cfg.VPC.PrivateSubnets)
		return nil
	}); err != nil {
		return nil, err
	}

	var groups SecurityGroups
	if err := step("security groups", func() (err error) {
		groups, err = declareSecurityGroups(stack, net.VpcID())
		return err
	}); err != nil {
		return nil, err
	}

	if err := step("endpoints", func() error {
		return declareEndpoints(stack, cfg.Region, net, groups.PrivateComm)
	}); err != nil {
		return nil, err
	}

	var (
		queue  Queue
		bucket Bucket
	)
	if err := step("queue and bucket", func() (err error) {
		if queue, err = declareQueue(stack); err != nil {
			return err
		}
		bucket, err = declareBucket(stack)
		return err
	}); err != nil {
		return nil, err
	}
	if cfg.SQS != "" && cfg.SQS != names.Queue {
		logging.Warn("configured sqs is replaced by the declared queue", "configured", cfg.SQS, "queue", names.Queue)
	}
	vars = vars.Set(env.KeyQueue, queue.Name)
	vars = vars.Set(env.KeyBucket, bucket.Name)

	var instance InstanceHandle
	if err := step("compute", func() error {
		imageID, err := lookups.MachineImage(ctx, cfg.EC2.Image.Name, cfg.EC2.Image.Owner)
		if err != nil {
			return fmt.Errorf("look up machine image %s: %w", cfg.EC2.Image.Name, err)
		}
		profile, err := declareEC2Role(stack)
		if err != nil {
			return err
		}
		instance, err = declareInstance(stack, computeArgs{
			settings: cfg.EC2,
			imageID:  imageID,
			userData: in.UserData,
			net:      net,
			group:    groups.Management,
			profile:  profile,
		})
		return err
	}); err != nil {
		return nil, err
	}
	host := instance.PrivateAddress()
	creds := in.Credentials
	vars = vars.Set(env.KeyDSN, env.DSN(host, creds.Username, creds.Password, creds.Database))
	vars = vars.Set(env.KeyOPA, env.OPAEndpoint(cfg.OPA.URI, host))

	var fn Function
	if err := step("function", func() error {
		role, err := declareLambdaRole(stack, cfg.Region, bucket)
		if err != nil {
			return err
		}
		if fn, err = declareFunction(stack, cfg.Lambda, in.CodeSHA256, role, vars.Freeze()); err != nil {
			return err
		}
		return declareErrorAlarm(stack, fn)
	}); err != nil {
		return nil, err
	}

	if err := step("schedule", func() error {
		expr, err := ScheduleExpression(cfg.Events)
		if err != nil {
			return err
		}
		return declareSchedule(stack, fn, expr)
	}); err != nil {
		return nil, err
	}

	var service ServiceHandle
	if err := step("container service", func() error {
		image, err := resolveImage(ctx, lookups, cfg.ECS)
		if err != nil {
			return err
		}
		roles, err := declareECSRoles(stack, cfg.Region)
		if err != nil {
			return err
		}
		service, err = declareContainerService(stack, containerArgs{
			region:   cfg.Region,
			settings: cfg.ECS,
			image:    image,
			net:      net,
			groups:   []SecurityGroup{groups.PrivateComm, groups.ProcessAPI},
			roles:    roles,
			vars:     vars.Freeze(),
		})
		return err
	}); err != nil {
		return nil, err
	}

	var nlb LoadBalancer
	if err := step("load balancer", func() (err error) {
		nlb, err = declareLoadBalancer(stack, net, service)
		return err
	}); err != nil {
		return nil, err
	}

	if err := step("outputs", func() error {
		for _, e := range names.All() {
			if err := stack.Output(e.Key, token.Resolved(e.Name)); err != nil {
				return err
			}
		}
		for key, v := range map[string]token.Value{
			"ec2.keyPair":   token.Resolved(cfg.EC2.KeyName),
			"ec2.privateIp": host,
			"nlb.dnsName":   nlb.DNSName,
			"sqs.url":       queue.URL,
		} {
			if err := stack.Output(key, v); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	logging.Info("assembled deployment", "resources", stack.Len(), "vpc", net.VpcID(), "region", cfg.Region)
	return stack.Config(), nil
}

// Sources locate the assembly inputs.
type Sources struct {
	Settings    string
	Credentials string
	Pkl         settings.ModuleEvaluator
	Secrets     settings.SecretStore
}

// Load reads every input. It touches no infrastructure other than the
// secret store named by a credentials URI.
func Load(ctx context.Context, src Sources) (Inputs, error) {
	cfg, err := settings.Load(ctx, src.Settings, src.Pkl)
	if err != nil {
		return Inputs{}, err
	}
	creds, err := settings.LoadCredentials(ctx, src.Credentials, src.Secrets)
	if err != nil {
		return Inputs{}, err
	}
	logging.Debug("loaded credentials", "source", src.Credentials, "credentials", creds)

	var ud UserData
	for _, f := range []struct {
		path string
		into *[]byte
	}{
		{cfg.EC2.UserData.Preamble, &ud.Preamble},
		{cfg.EC2.UserData.Script, &ud.Script},
	} {
		if f.path == "" {
			continue
		}
		b, err := os.ReadFile(f.path)
		if err != nil {
			return Inputs{}, fmt.Errorf("%w: user data %s: %v", settings.ErrUnreadable, f.path, err)
		}
		*f.into = b
	}

	zip, err := os.ReadFile(cfg.Lambda.Code)
	if err != nil {
		return Inputs{}, fmt.Errorf("%w: function code %s: %v", settings.ErrUnreadable, cfg.Lambda.Code, err)
	}
	return Inputs{Settings: cfg, Credentials: creds, UserData: ud, CodeSHA256: awsprov.CodeHash(zip)}, nil
}

// Synthesize loads the inputs and assembles the deployment. Inputs are read
// in full before any lookup runs.
func Synthesize(ctx context.Context, src Sources, lookups Lookups) (*ir.Config, error) {
	in, err := Load(ctx, src)
	if err != nil {
		return nil, err
	}
	return Assemble(ctx, in, lookups)
}

var _ Lookups = (*awsprov.Provider)(nil)
