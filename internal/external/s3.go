package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"mailrelay/internal/types"
)

// S3API defines the subset of the S3 client used by S3BlobStore.
// Extracted for testability.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3BlobStore implements BlobStorage using AWS S3. A missing object maps to
// a not_found AppError (client-classified; the blob is gone and redelivery
// cannot help), any other failure to upstream_blob_store_unavailable
// (server-classified; left for redelivery).
type S3BlobStore struct {
	api    S3API
	logger *slog.Logger
}

// NewS3BlobStore creates an S3BlobStore from an AWS config.
func NewS3BlobStore(awsCfg aws.Config, logger *slog.Logger) *S3BlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3BlobStore{api: s3.NewFromConfig(awsCfg), logger: logger}
}

// NewS3BlobStoreWithAPI creates an S3BlobStore with a pre-configured S3API.
// Useful for testing with a mock.
func NewS3BlobStoreWithAPI(api S3API, logger *slog.Logger) *S3BlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3BlobStore{api: api, logger: logger}
}

// Get fetches the full object body.
func (s *S3BlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			s.logger.Error("message blob does not exist",
				"bucket", bucket,
				"key", key)
			return nil, types.NewAppError(types.ErrCodeNotFoundBlob,
				fmt.Sprintf("s3://%s/%s does not exist", bucket, key), err)
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamBlobStore,
			"cannot fetch the message content from S3", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBlobStore,
			"failed to read S3 object body", err)
	}
	return body, nil
}

// Delete removes the object. S3 treats deleting an absent key as success,
// which is exactly the idempotency cleanup wants on redelivery.
func (s *S3BlobStore) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBlobStore,
			"failed to delete message blob", err)
	}
	return nil
}

// Compile-time assertion that S3BlobStore satisfies BlobStorage.
var _ BlobStorage = (*S3BlobStore)(nil)
