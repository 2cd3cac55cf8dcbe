// Package s3 fills in the endpoint, addressing style and region that each
// S3-compatible provider expects, producing a ready sync.S3Config.
package s3

import (
	"fmt"
	"sort"

	"github.com/homezloco/Loco-Coder-sub003/internal/sync"
)

// Provider names an S3-compatible object store.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderMinIO Provider = "minio"
	ProviderR2    Provider = "r2"
)

// Options carries provider inputs that have no place in sync.S3Config.
type Options struct {
	// AccountID is the Cloudflare account for R2.
	AccountID string
	// UseSSL selects https when a MinIO endpoint has no scheme.
	UseSSL bool
}

// Apply returns cfg adjusted for p.
func Apply(p Provider, cfg sync.S3Config, opts Options) (sync.S3Config, error) {
	if cfg.Bucket == "" {
		return cfg, fmt.Errorf("bucket is required")
	}
	switch p {
	case ProviderAWS, "":
		return applyAWS(cfg)
	case ProviderMinIO:
		return applyMinIO(cfg, opts.UseSSL)
	case ProviderR2:
		return applyR2(cfg, opts.AccountID)
	default:
		return cfg, fmt.Errorf("unknown S3 provider %q", p)
	}
}

// HealthPath returns the provider's unauthenticated liveness path, if any.
func HealthPath(p Provider) string {
	if p == ProviderMinIO {
		return minioHealthPath
	}
	return ""
}

// Regions with a dedicated S3 endpoint.
var awsRegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-1":      true,
	"us-west-2":      true,
	"eu-west-1":      true,
	"eu-west-2":      true,
	"eu-west-3":      true,
	"eu-central-1":   true,
	"eu-north-1":     true,
	"eu-south-1":     true,
	"ap-northeast-1": true,
	"ap-northeast-2": true,
	"ap-northeast-3": true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-south-1":     true,
	"ca-central-1":   true,
	"sa-east-1":      true,
	"me-south-1":     true,
	"af-south-1":     true,
}

// applyAWS keeps virtual-host addressing and lets the SDK resolve the
// regional endpoint unless one is given explicitly.
func applyAWS(cfg sync.S3Config) (sync.S3Config, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Endpoint == "" && !IsSupportedAWSRegion(cfg.Region) {
		return cfg, fmt.Errorf("unknown AWS region: %s", cfg.Region)
	}
	return cfg, nil
}

// AWSEndpointForRegion returns the S3 endpoint for a given region.
func AWSEndpointForRegion(region string) (string, error) {
	if !awsRegions[region] {
		return "", fmt.Errorf("unknown AWS region: %s", region)
	}
	if region == "us-east-1" {
		return "https://s3.amazonaws.com", nil
	}
	return fmt.Sprintf("https://s3.%s.amazonaws.com", region), nil
}

// IsSupportedAWSRegion checks if a region is supported.
func IsSupportedAWSRegion(region string) bool {
	return awsRegions[region]
}

// SupportedAWSRegions returns the known regions in sorted order.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsRegions))
	for region := range awsRegions {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
