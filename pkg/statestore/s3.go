package statestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
)

// S3Config configures the S3 state backend.
type S3Config struct {
	// Bucket is the S3 bucket holding state objects
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to all object keys (e.g., "etl-state/")
	Prefix string `yaml:"prefix"`

	// Region is the AWS region
	Region string `yaml:"region"`

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string `yaml:"endpoint"`

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool `yaml:"use_path_style"`

	// Timeout for S3 operations
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultS3Config returns sensible defaults.
func DefaultS3Config(bucket string) S3Config {
	return S3Config{
		Bucket:  bucket,
		Prefix:  "etl-state/",
		Timeout: 30 * time.Second,
	}
}

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend stores one JSON object per state key. Metadata travels in object
// user metadata so List does not download payloads.
type S3Backend struct {
	cfg    S3Config
	client S3API
}

// NewS3Backend creates an S3 state backend from AWS default configuration.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3BackendWithClient(cfg, s3.NewFromConfig(awsCfg, s3Opts...)), nil
}

// NewS3BackendWithClient wraps an existing client.
func NewS3BackendWithClient(cfg S3Config, client S3API) *S3Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &S3Backend{cfg: cfg, client: client}
}

func (b *S3Backend) key(stateKey string) string {
	return b.cfg.Prefix + stateKey + ".json"
}

const (
	metaType      = "state-type"
	metaCreating  = "creating-action"
	metaModifying = "modifying-action"
	metaCreated   = "creation-time"
	metaModified  = "modified-time"
	metaSize      = "state-size-bytes"
)

// Load retrieves a state object.
func (b *S3Backend) Load(ctx context.Context, key string) (*Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load state from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read state object: %w", err)
	}
	meta, err := decodeObjectMeta(key, out.Metadata)
	if err != nil {
		return nil, false, err
	}
	return &Record{Meta: meta, Payload: data}, true, nil
}

// Save writes the state object. The creating action and creation time of an
// existing object are preserved.
func (b *S3Backend) Save(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	m := rec.Meta
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(m.Key)),
	})
	switch {
	case err == nil:
		if prev, derr := decodeObjectMeta(m.Key, head.Metadata); derr == nil && prev.CreatingAction != "" {
			m.CreatingAction = prev.CreatingAction
			m.CreationTime = prev.CreationTime
		}
	case !isNotFound(err):
		return fmt.Errorf("failed to stat state object: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.key(m.Key)),
		Body:        bytes.NewReader(rec.Payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			metaType:      string(m.Type),
			metaCreating:  m.CreatingAction,
			metaModifying: m.ModifyingAction,
			metaCreated:   m.CreationTime.UTC().Format(time.RFC3339Nano),
			metaModified:  m.ModifiedTime.UTC().Format(time.RFC3339Nano),
			metaSize:      strconv.FormatInt(m.SizeBytes, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to save state to S3: %w", err)
	}
	return nil
}

// Delete removes a state object. S3 deletes are idempotent, so existence is
// checked first to report whether anything matched.
func (b *S3Backend) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat state object: %w", err)
	}

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete state from S3: %w", err)
	}
	return true, nil
}

// List returns metadata for every state object under the prefix.
func (b *S3Backend) List(ctx context.Context) ([]actionstate.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var metas []actionstate.Metadata
	var continuationToken *string

	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.cfg.Bucket),
			Prefix:            aws.String(b.cfg.Prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list state objects: %w", err)
		}

		for _, obj := range out.Contents {
			objKey := aws.ToString(obj.Key)
			if !strings.HasSuffix(objKey, ".json") {
				continue
			}
			stateKey := strings.TrimSuffix(strings.TrimPrefix(objKey, b.cfg.Prefix), ".json")

			head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.cfg.Bucket),
				Key:    aws.String(objKey),
			})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to stat state object: %w", err)
			}
			meta, err := decodeObjectMeta(stateKey, head.Metadata)
			if err != nil {
				return nil, err
			}
			metas = append(metas, meta)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].Key < metas[j].Key })
	return metas, nil
}

// Name returns "s3".
func (b *S3Backend) Name() string {
	return "s3"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func decodeObjectMeta(key string, md map[string]string) (actionstate.Metadata, error) {
	// S3 returns user metadata keys lower-cased; normalize in case a
	// compatible service does not.
	norm := make(map[string]string, len(md))
	for k, v := range md {
		norm[strings.ToLower(k)] = v
	}
	vals := map[string]string{
		fieldType:      norm[metaType],
		fieldCreating:  norm[metaCreating],
		fieldModifying: norm[metaModifying],
		fieldCreated:   norm[metaCreated],
		fieldModified:  norm[metaModified],
		fieldSize:      norm[metaSize],
	}
	return decodeHashMeta(key, vals)
}
