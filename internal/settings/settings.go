// Package settings loads the deployment settings and database credentials.
package settings

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/privacydam/deploy/internal/logging"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"sigs.k8s.io/yaml"
)

const (
	DefaultRegion           = "us-east-1"
	DefaultInstanceType     = "t2.micro"
	DefaultLambdaHandler    = "main"
	DefaultLambdaRuntime    = "go1.x"
	DefaultLambdaMemory     = 128
	DefaultLambdaTimeout    = 60
	DefaultECSCPU           = 256
	DefaultECSMemory        = 512
	DefaultLogRetentionDays = 30
)

// Settings is the deployment configuration document.
type Settings struct {
	Region string `json:"region,omitempty" pkl:"region"`
	VPC    VPC    `json:"vpc" pkl:"vpc"`
	EC2    EC2    `json:"ec2" pkl:"ec2"`
	OPA    OPA    `json:"opa" pkl:"opa"`
	Lambda Lambda `json:"lambda" pkl:"lambda"`
	ECS    ECS    `json:"ecs" pkl:"ecs"`
	Events Events `json:"events" pkl:"events"`

	// SQS is filled in by assembly with the queue name; a configured value is replaced.
	SQS string `json:"sqs,omitempty" pkl:"sqs"`
}

type VPC struct {
	ID             string   `json:"id" pkl:"id"`
	PublicSubnets  []string `json:"publicSubnets" pkl:"publicSubnets"`
	PrivateSubnets []string `json:"privateSubnets" pkl:"privateSubnets"`
}

type EC2 struct {
	Image        Image    `json:"image" pkl:"image"`
	KeyName      string   `json:"keyName" pkl:"keyName"`
	InstanceType string   `json:"instanceType,omitempty" pkl:"instanceType"`
	UserData     UserData `json:"userData" pkl:"userData"`
}

type Image struct {
	Name  string `json:"name" pkl:"name"`
	Owner string `json:"owner" pkl:"owner"`
}

// UserData names the two files joined into the instance bootstrap script.
type UserData struct {
	Preamble string `json:"preamble,omitempty" pkl:"preamble"`
	Script   string `json:"script,omitempty" pkl:"script"`
}

type OPA struct {
	URI string `json:"uri,omitempty" pkl:"uri"`
}

type Lambda struct {
	Code        string            `json:"code" pkl:"code"`
	Handler     string            `json:"handler,omitempty" pkl:"handler"`
	Runtime     string            `json:"runtime,omitempty" pkl:"runtime"`
	Memory      int32             `json:"memory,omitempty" pkl:"memory"`
	Timeout     int32             `json:"timeout,omitempty" pkl:"timeout"`
	Environment map[string]string `json:"environment,omitempty" pkl:"environment"`
}

type ECS struct {
	CPU              int32             `json:"cpu,omitempty" pkl:"cpu"`
	Memory           int32             `json:"memory,omitempty" pkl:"memory"`
	Environment      map[string]string `json:"environment,omitempty" pkl:"environment"`
	LogRetentionDays int32             `json:"logRetentionDays,omitempty" pkl:"logRetentionDays"`
	Repository       Repository        `json:"repository" pkl:"repository"`
	Image            ImageTag          `json:"image" pkl:"image"`
}

type Repository struct {
	ARN string `json:"arn" pkl:"arn"`
}

type ImageTag struct {
	Version string `json:"version" pkl:"version"`
}

type Events struct {
	Expression string `json:"expression,omitempty" pkl:"expression"`
	Schedule   Cron   `json:"schedule" pkl:"schedule"`
}

// Cron holds the fields of an EventBridge cron expression. Empty fields
// take their defaults when the expression is built.
type Cron struct {
	Minute  string `json:"minute,omitempty" pkl:"minute"`
	Hour    string `json:"hour,omitempty" pkl:"hour"`
	Day     string `json:"day,omitempty" pkl:"day"`
	Month   string `json:"month,omitempty" pkl:"month"`
	WeekDay string `json:"weekDay,omitempty" pkl:"weekDay"`
	Year    string `json:"year,omitempty" pkl:"year"`
}

// IsZero reports whether no field is set.
func (c Cron) IsZero() bool {
	return c == Cron{}
}

// ModuleEvaluator evaluates a Pkl module into out.
type ModuleEvaluator interface {
	EvaluateInto(ctx context.Context, path string, out any) error
}

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema *jsonschema.Schema
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("settings.schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add settings schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("settings.schema.json")
	})
	return compiledSchema, schemaErr
}

// ErrUnreadable wraps failures to read a settings or credentials source.
var ErrUnreadable = errors.New("unreadable configuration")

// Load reads, validates and decodes the settings file at path. YAML and
// JSON are decoded directly; .pkl modules go through pkl.
func Load(ctx context.Context, path string, pkl ModuleEvaluator) (*Settings, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}

	var jsonData []byte
	if strings.EqualFold(filepath.Ext(path), ".pkl") {
		if pkl == nil {
			return nil, fmt.Errorf("%s: no pkl evaluator configured", path)
		}
		var s Settings
		if err := pkl.EvaluateInto(ctx, path, &s); err != nil {
			return nil, fmt.Errorf("evaluate settings %s: %w", path, err)
		}
		data, err := json.Marshal(&s)
		if err != nil {
			return nil, fmt.Errorf("encode settings %s: %w", path, err)
		}
		jsonData = data
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
		}
		if jsonData, err = yaml.YAMLToJSON(raw); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}

	s, err := Decode(jsonData)
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	s.resolvePaths(filepath.Dir(path))

	logging.Debug("loaded settings", "path", path, "region", s.Region, "vpc", s.VPC.ID)
	return s, nil
}

// Decode validates a JSON settings document against the schema and applies
// defaults.
func Decode(jsonData []byte) (*Settings, error) {
	sch, err := loadSchema()
	if err != nil {
		return nil, err
	}

	var document any
	if err := json.Unmarshal(jsonData, &document); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if err := sch.Validate(document); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(jsonData, &s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if s.Events.Expression == "" && s.Events.Schedule.IsZero() {
		return nil, fmt.Errorf("invalid settings: events needs an expression or schedule fields")
	}
	s.applyDefaults()
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.Region == "" {
		s.Region = DefaultRegion
	}
	if s.EC2.InstanceType == "" {
		s.EC2.InstanceType = DefaultInstanceType
	}
	if s.Lambda.Handler == "" {
		s.Lambda.Handler = DefaultLambdaHandler
	}
	if s.Lambda.Runtime == "" {
		s.Lambda.Runtime = DefaultLambdaRuntime
	}
	if s.Lambda.Memory == 0 {
		s.Lambda.Memory = DefaultLambdaMemory
	}
	if s.Lambda.Timeout == 0 {
		s.Lambda.Timeout = DefaultLambdaTimeout
	}
	if s.ECS.CPU == 0 {
		s.ECS.CPU = DefaultECSCPU
	}
	if s.ECS.Memory == 0 {
		s.ECS.Memory = DefaultECSMemory
	}
	if s.ECS.LogRetentionDays == 0 {
		s.ECS.LogRetentionDays = DefaultLogRetentionDays
	}
}

func (s *Settings) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	s.Lambda.Code = abs(s.Lambda.Code)
	s.EC2.UserData.Preamble = abs(s.EC2.UserData.Preamble)
	s.EC2.UserData.Script = abs(s.EC2.UserData.Script)
}
