package archive

import (
	"context"
	"fmt"
)

// Type selects an archive backend.
type Type string

const (
	TypeNone Type = ""
	TypeFS   Type = "fs"
	TypeS3   Type = "s3"
	TypeGCS  Type = "gcs"
)

// Config selects and configures the archive backend.
type Config struct {
	Type     Type   `yaml:"type"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// New builds the configured store. TypeNone returns a nil store and no
// error: archiving is optional.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeNone:
		return nil, nil
	case TypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive: dir is required for fs storage")
		}
		return NewFileStore(cfg.Dir)
	case TypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for s3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case TypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported storage type %q", cfg.Type)
	}
}
