package s3

import (
	"fmt"
	"strings"

	"github.com/homezloco/Loco-Coder-sub003/internal/sync"
)

const minioHealthPath = "/minio/health/live"

// applyMinIO forces path-style addressing, which MinIO requires.
func applyMinIO(cfg sync.S3Config, useSSL bool) (sync.S3Config, error) {
	endpoint, err := ParseMinIOEndpoint(cfg.Endpoint, useSSL)
	if err != nil {
		return cfg, err
	}
	cfg.Endpoint = endpoint
	cfg.UsePathStyle = true
	if cfg.Region == "" {
		// MinIO ignores the region but request signing needs one.
		cfg.Region = "us-east-1"
	}
	return cfg, nil
}

// ParseMinIOEndpoint adds a scheme when missing and trims a trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// MinIOHealthCheckURL returns the liveness URL for a MinIO server.
func MinIOHealthCheckURL(endpoint string, useSSL bool) (string, error) {
	base, err := ParseMinIOEndpoint(endpoint, useSSL)
	if err != nil {
		return "", err
	}
	return base + minioHealthPath, nil
}
