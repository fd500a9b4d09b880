package state

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/privacydam/deploy/internal/ir"
)

// Backend defines the interface for state storage backends.
type Backend interface {
	Read(ctx context.Context) (*ir.State, error)
	Write(ctx context.Context, state *ir.State) error
	// Lock acquires an exclusive lock on the state.
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	Location() string
}

// S3BackendConfig holds configuration for the S3 state backend.
type S3BackendConfig struct {
	Bucket        string
	Key           string
	Region        string
	DynamoDBTable string // for locking
	Encrypt       bool
	Profile       string
}

// ParseS3Location reads s3://bucket/key?region=..&table=..&encrypt=true&profile=..
func ParseS3Location(location string) (*S3BackendConfig, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid state location %q: %w", location, err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid state location %q: not an s3 url", location)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}

	q := u.Query()
	cfg := &S3BackendConfig{
		Bucket:        u.Host,
		Key:           strings.TrimPrefix(u.Path, "/"),
		Region:        q.Get("region"),
		DynamoDBTable: q.Get("table"),
		Encrypt:       q.Get("encrypt") == "true",
		Profile:       q.Get("profile"),
	}
	if cfg.Key == "" {
		cfg.Key = defaultS3Key
	}
	return cfg, nil
}

// Open returns the backend for location: an s3:// url or a local path.
// defaultRegion applies to S3 locations that name no region.
func Open(ctx context.Context, location, defaultRegion string) (Backend, error) {
	if !strings.HasPrefix(location, "s3://") {
		return NewManager(location), nil
	}
	cfg, err := ParseS3Location(location)
	if err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	return newS3Backend(ctx, cfg)
}
