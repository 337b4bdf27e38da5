package s3

import (
	"fmt"
	"strings"
)

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint   string // e.g. "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
}

// NewMinIOClient creates a Client configured for MinIO. MinIO requires
// path-style URLs and ignores the region, which still must be present in
// the signature scope.
func NewMinIOClient(config *MinIOConfig) *Client {
	return NewClient(&Config{
		Endpoint:       normalizeEndpoint(config.Endpoint, config.UseSSL),
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "us-east-1",
		ForcePathStyle: true,
	})
}

// AWSConfig holds AWS S3 configuration.
type AWSConfig struct {
	BucketName string
	AccessKey  string
	SecretKey  string
	Region     string
}

// NewAWSClient creates a Client for AWS S3 with virtual-host-style URLs.
func NewAWSClient(config *AWSConfig) *Client {
	region := config.Region
	if region == "" {
		region = "us-east-1"
	}
	return NewClient(&Config{
		Endpoint:   fmt.Sprintf("https://s3.%s.amazonaws.com", region),
		BucketName: config.BucketName,
		AccessKey:  config.AccessKey,
		SecretKey:  config.SecretKey,
		Region:     region,
	})
}

// R2Config holds Cloudflare R2 configuration.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string
	SecretKey  string
}

// NewR2Client creates a Client for Cloudflare R2. R2 uses path-style URLs
// under an account-scoped endpoint and the "auto" region.
func NewR2Client(config *R2Config) *Client {
	return NewClient(&Config{
		Endpoint:       fmt.Sprintf("https://%s.r2.cloudflarestorage.com", config.AccountID),
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "auto",
		ForcePathStyle: true,
	})
}

// normalizeEndpoint adds a scheme when missing and strips trailing slashes.
func normalizeEndpoint(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}
