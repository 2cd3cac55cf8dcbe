package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/homezloco/Loco-Coder-sub003/internal/circuit"
	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// S3API is the subset of *s3.Client used by S3Remote.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config locates the bucket.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

// S3Option configures an S3Remote.
type S3Option func(*S3Remote)

// WithS3Breaker replaces the remote's circuit breaker.
func WithS3Breaker(b *circuit.Breaker) S3Option {
	return func(r *S3Remote) { r.breaker = b }
}

// WithS3Timeout bounds each object call.
func WithS3Timeout(d time.Duration) S3Option {
	return func(r *S3Remote) { r.timeout = d }
}

// S3Remote stores records as objects at {prefix}/{collection}/{key}. The
// object's LastModified is the remote update time.
type S3Remote struct {
	client  S3API
	bucket  string
	prefix  string
	breaker *circuit.Breaker
	timeout time.Duration
}

// NewS3Remote builds an S3 client from cfg. Static credentials are used when
// given; otherwise the default AWS credential chain applies.
func NewS3Remote(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Remote, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3RemoteWithClient(client, cfg.Bucket, cfg.Prefix, opts...), nil
}

// NewS3RemoteWithClient wraps an existing client.
func NewS3RemoteWithClient(client S3API, bucket, prefix string, opts ...S3Option) *S3Remote {
	r := &S3Remote{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = circuit.New(circuit.Config{})
	}
	return r
}

// Breaker exposes the remote's circuit breaker.
func (r *S3Remote) Breaker() *circuit.Breaker {
	return r.breaker
}

func (r *S3Remote) objectKey(collection, key string) string {
	return path.Join(r.prefix, collection, key)
}

// Fetch reads the object; a missing object yields nil.
func (r *S3Remote) Fetch(ctx context.Context, collection, key string) (*RemoteDoc, error) {
	var doc *RemoteDoc
	err := r.guard(ctx, func(ctx context.Context) error {
		out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.objectKey(collection, key)),
		})
		if err != nil {
			if isMissing(err) {
				return nil
			}
			return fmt.Errorf("failed to download from S3: %w", err)
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		doc = &RemoteDoc{Key: key, Content: data, UpdatedAt: aws.ToTime(out.LastModified)}
		return nil
	})
	return doc, err
}

// Push uploads the payload and reads back LastModified.
func (r *S3Remote) Push(ctx context.Context, collection string, rec *models.Record) (time.Time, error) {
	var updated time.Time
	err := r.guard(ctx, func(ctx context.Context) error {
		objectKey := r.objectKey(collection, rec.Key)
		_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(r.bucket),
			Key:         aws.String(objectKey),
			Body:        bytes.NewReader(rec.Payload),
			ContentType: aws.String("application/octet-stream"),
			Metadata: map[string]string{
				"local-updated-at": rec.LastUpdated.UTC().Format(time.RFC3339Nano),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to upload to S3: %w", err)
		}

		head, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			return fmt.Errorf("failed to get object metadata: %w", err)
		}
		updated = aws.ToTime(head.LastModified)
		return nil
	})
	return updated, err
}

// guard runs fn under the breaker and the per-call timeout.
func (r *S3Remote) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.breaker.Allow(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := fn(callCtx)
	switch {
	case err == nil:
		r.breaker.RecordSuccess()
		return nil
	case ctx.Err() != nil:
		r.breaker.Release()
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		r.breaker.RecordFailure()
		return apperrors.Wrap(apperrors.ErrTimeout, "object store call timed out", err)
	default:
		r.breaker.RecordFailure()
		return err
	}
}

func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
