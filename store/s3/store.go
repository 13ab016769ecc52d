// Package s3 provides a Store for S3-compatible object storage.
//
// This store works with:
//   - AWS S3
//   - Google Cloud Storage through its S3-interoperable XML API
//   - MinIO
//   - Any S3-compatible object storage
//
// Basic usage:
//
//	store, err := s3.New(s3.Config{
//	    Bucket:   "field-audio",
//	    Endpoint: s3.GCSEndpoint,
//	})
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/grokify/omnirecorder"
)

func init() {
	omnirecorder.RegisterStore("s3", NewFromConfig)
}

// Errors specific to the S3 store.
var (
	ErrBucketRequired = errors.New("s3: bucket is required")
)

// Store implements omnirecorder.Store for S3-compatible storage.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	config   Config
	closed   bool
	mu       sync.RWMutex
}

// New creates a new S3 store with the given configuration.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = manager.MinUploadPartSize
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}

	var optFns []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	} else if cfg.Endpoint != "" {
		// S3-compatible services ignore the region but the signer needs one.
		optFns = append(optFns, config.WithRegion("auto"))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}
	// The sync worker owns retries and backoff.
	optFns = append(optFns, config.WithRetryMaxAttempts(1))

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3: loading AWS config: %w", err)
	}

	var s3OptFns []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3OptFns = append(s3OptFns, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3OptFns = append(s3OptFns, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3OptFns...)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.Concurrency
		u.LeavePartsOnError = false
	})

	return &Store{
		client:   client,
		uploader: uploader,
		config:   cfg,
	}, nil
}

// NewFromConfig creates a new S3 store from a config map.
// This is used by the omnirecorder registry. Keys missing from configMap
// fall back to ConfigFromEnv, so credentials can stay out of config.json.
func NewFromConfig(configMap map[string]string) (omnirecorder.Store, error) {
	return New(mergeMap(ConfigFromEnv(), configMap))
}

// Put uploads r under key. It returns nil only after S3 has acknowledged the
// complete object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, opts ...omnirecorder.PutOption) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return omnirecorder.Permanent(omnirecorder.ErrInvalidKey)
	}

	cfg := omnirecorder.ApplyPutOptions(opts...)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if cfg.ContentType != "" {
		input.ContentType = aws.String(cfg.ContentType)
	}
	if len(cfg.Metadata) > 0 {
		input.Metadata = cfg.Metadata
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return classify(fmt.Errorf("s3: uploading %s: %w", key, err))
	}
	return nil
}

// Stat returns object metadata. The MD5 hash is reported when the ETag is a
// plain content digest, i.e. the object was not uploaded in parts.
func (s *Store) Stat(ctx context.Context, key string) (omnirecorder.ObjectInfo, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, s.translateError(err, key)
	}

	info := &omnirecorder.BasicObjectInfo{
		ObjectKey:     key,
		ObjectSize:    aws.ToInt64(out.ContentLength),
		ObjectModTime: aws.ToTime(out.LastModified),
	}
	if md5 := etagMD5(aws.ToString(out.ETag)); md5 != "" {
		info.ObjectHashes = map[omnirecorder.HashType]string{omnirecorder.HashMD5: md5}
	}
	return info, nil
}

// Probe checks that the bucket is reachable with the configured credentials.
func (s *Store) Probe(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return s.translateError(err, "")
	}
	return nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) fullKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.config.Prefix == "" {
		return key
	}
	return path.Join(s.config.Prefix, key)
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return omnirecorder.ErrStoreClosed
	}
	return nil
}

// translateError converts S3 errors to omnirecorder errors.
func (s *Store) translateError(err error, key string) error {
	if err == nil {
		return nil
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return omnirecorder.ErrNotFound
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return omnirecorder.ErrNotFound
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return omnirecorder.Permanent(fmt.Errorf("s3: bucket not found: %s", s.config.Bucket))
	}

	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			if key != "" {
				return omnirecorder.ErrNotFound
			}
		}
	}
	return classify(fmt.Errorf("s3: %w", err))
}

// Error codes that retrying will not fix. RequestTimeTooSkewed stays
// transient since a device clock is often wrong until NTP syncs.
var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"EntityTooLarge":        true,
	"KeyTooLongError":       true,
	"InvalidArgument":       true,
	"AccountProblem":        true,
}

// classify tags err as transient or permanent for the sync worker.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "RequestTimeTooSkewed" {
			return omnirecorder.Transient(err)
		}
		if permanentCodes[apiErr.ErrorCode()] {
			return omnirecorder.Permanent(err)
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code >= 400 && code < 500 &&
			code != http.StatusRequestTimeout &&
			code != http.StatusTooManyRequests &&
			code != http.StatusForbidden {
			return omnirecorder.Permanent(err)
		}
	}
	return omnirecorder.Transient(err)
}

// etagMD5 returns the hex MD5 carried in a single-part ETag, or "".
func etagMD5(etag string) string {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}
	for _, c := range etag {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return ""
		}
	}
	return etag
}

var _ omnirecorder.Store = (*Store)(nil)
