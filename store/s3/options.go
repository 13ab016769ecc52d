package s3

import (
	"os"
	"strconv"
)

// GCSEndpoint is the S3-interoperable endpoint of Google Cloud Storage.
// Use it with HMAC keys to deliver to a gcs_bucket_name.
const GCSEndpoint = "https://storage.googleapis.com"

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Region is the AWS region (e.g., "eu-west-2").
	// If empty, uses AWS_REGION or AWS_DEFAULT_REGION environment variable.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible services.
	// Examples:
	//   - Google Cloud Storage: GCSEndpoint
	//   - MinIO: "http://localhost:9000"
	// Leave empty for AWS S3.
	Endpoint string

	// Prefix is an optional prefix for all keys.
	Prefix string

	// AccessKeyID is the access key ID.
	// If empty, the default AWS credential chain is used.
	AccessKeyID string

	// SecretAccessKey is the secret access key.
	SecretAccessKey string

	// SessionToken is an optional session token for temporary credentials.
	SessionToken string

	// UsePathStyle forces path-style addressing. Required for MinIO.
	UsePathStyle bool

	// PartSize is the size in bytes for multipart upload parts.
	// Default: 5MB (minimum for S3). Units below this size are sent with a
	// single PutObject.
	PartSize int64

	// Concurrency is the number of parts uploaded in parallel.
	// Default: 1, since the uplink is usually a single cellular modem.
	Concurrency int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		PartSize:    5 * 1024 * 1024,
		Concurrency: 1,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Environment variables:
//   - OMNIRECORDER_S3_BUCKET: bucket name
//   - OMNIRECORDER_S3_REGION or AWS_REGION or AWS_DEFAULT_REGION: region
//   - OMNIRECORDER_S3_ENDPOINT: custom endpoint
//   - OMNIRECORDER_S3_PREFIX: key prefix
//   - AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN: credentials
//   - OMNIRECORDER_S3_USE_PATH_STYLE: "true" for path-style addressing
func ConfigFromEnv() Config {
	config := DefaultConfig()

	config.Bucket = os.Getenv("OMNIRECORDER_S3_BUCKET")

	if v := os.Getenv("OMNIRECORDER_S3_REGION"); v != "" {
		config.Region = v
	} else if v := os.Getenv("AWS_REGION"); v != "" {
		config.Region = v
	} else if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" {
		config.Region = v
	}

	config.Endpoint = os.Getenv("OMNIRECORDER_S3_ENDPOINT")
	config.Prefix = os.Getenv("OMNIRECORDER_S3_PREFIX")

	config.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	config.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	config.SessionToken = os.Getenv("AWS_SESSION_TOKEN")

	if v := os.Getenv("OMNIRECORDER_S3_USE_PATH_STYLE"); v == "true" || v == "1" {
		config.UsePathStyle = true
	}

	return config
}

// ConfigFromMap creates a Config from a string map.
// Supported keys:
//   - bucket: bucket name (required)
//   - region: AWS region
//   - endpoint: custom endpoint URL, or "gcs" for GCSEndpoint
//   - prefix: key prefix
//   - access_key_id: access key
//   - secret_access_key: secret key
//   - session_token: session token
//   - use_path_style: "true" for path-style addressing
//   - part_size: multipart upload part size in bytes
//   - concurrency: number of parallel part uploads
func ConfigFromMap(m map[string]string) Config {
	return mergeMap(DefaultConfig(), m)
}

// mergeMap overrides the fields of config whose keys are present in m.
func mergeMap(config Config, m map[string]string) Config {

	if v, ok := m["bucket"]; ok {
		config.Bucket = v
	}
	if v, ok := m["region"]; ok {
		config.Region = v
	}
	if v, ok := m["endpoint"]; ok {
		if v == "gcs" {
			v = GCSEndpoint
		}
		config.Endpoint = v
	}
	if v, ok := m["prefix"]; ok {
		config.Prefix = v
	}
	if v, ok := m["access_key_id"]; ok {
		config.AccessKeyID = v
	}
	if v, ok := m["secret_access_key"]; ok {
		config.SecretAccessKey = v
	}
	if v, ok := m["session_token"]; ok {
		config.SessionToken = v
	}
	if v, ok := m["use_path_style"]; ok && (v == "true" || v == "1") {
		config.UsePathStyle = true
	}
	if v, ok := m["part_size"]; ok {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil && size > 0 {
			config.PartSize = size
		}
	}
	if v, ok := m["concurrency"]; ok {
		if c, err := strconv.Atoi(v); err == nil && c > 0 {
			config.Concurrency = c
		}
	}

	return config
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return ErrBucketRequired
	}
	return nil
}
