package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/edgecomet/engine/pkg/types"
)

// S3Store is the production Cache Port backend: objects live in S3 under
// <prefix>/<key>, with a JSON metadata sidecar at <prefix>/<key>.meta.json.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	prefix        string
	logger        *zap.Logger
}

// NewS3Store constructs an S3Store. Credentials, region, and endpoint are
// resolved via the standard AWS SDK default credential chain.
func NewS3Store(ctx context.Context, bucket, prefix string, forcePathStyle bool, logger *zap.Logger) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})

	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
		prefix:        prefix,
		logger:        logger,
	}, nil
}

func (s *S3Store) fullKey(key string) string { return s.prefix + key }
func (s *S3Store) metaKey(key string) string { return s.fullKey(key) + ".meta.json" }

func (s *S3Store) Head(ctx context.Context, key string) (types.CacheObjectMeta, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return types.CacheObjectMeta{}, ErrNotFound
		}
		return types.CacheObjectMeta{}, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return types.CacheObjectMeta{}, fmt.Errorf("objectstore: reading meta sidecar: %w", err)
	}

	var meta types.CacheObjectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return types.CacheObjectMeta{}, fmt.Errorf("objectstore: parsing meta sidecar: %w", err)
	}
	return meta, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*GetResult, error) {
	meta, err := s.Head(ctx, key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}

	return &GetResult{Body: out.Body, Meta: meta}, nil
}

func (s *S3Store) GetRange(ctx context.Context, key string, start, end int64) (*GetResult, error) {
	meta, err := s.Head(ctx, key)
	if err != nil {
		return nil, err
	}

	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: get_range %s: %w", key, err)
	}

	meta.ContentLength = end - start + 1
	return &GetResult{Body: out.Body, Meta: meta}, nil
}

// Put writes the data object with an unconditional PutObject followed by its
// metadata sidecar, so a later Put for the same key (a force refresh)
// replaces the stored object: last writer wins. A 409 or 412 conflict
// response from S3 is treated as success, and no sidecar is written then.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, meta types.CacheObjectMeta) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.fullKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isConditionalPutConflict(err) {
			if s.logger != nil {
				s.logger.Debug("object already cached, skipping duplicate upload", zap.String("key", key))
			}
			return nil
		}
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("objectstore: marshalling metadata: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.metaKey(key)),
		Body:        bytes.NewReader(metaJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put meta sidecar %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(key)),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete meta sidecar %s: %w", key, err)
	}
	return nil
}

// RedirectURL returns a presigned GET URL for key's data object, letting the
// pipeline redirect a client directly to S3 instead of streaming the body
// through the proxy process.
func (s *S3Store) RedirectURL(ctx context.Context, key string) (string, types.CacheObjectMeta, error) {
	meta, err := s.Head(ctx, key)
	if err != nil {
		return "", types.CacheObjectMeta{}, err
	}

	presigned, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", types.CacheObjectMeta{}, fmt.Errorf("objectstore: presigning GetObject: %w", err)
	}
	return presigned.URL, meta, nil
}

func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
