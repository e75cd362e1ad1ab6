package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"time"

	fconfig "fleetingfiles/config"
	"fleetingfiles/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// deleteBatchSize is the most keys S3 accepts in one DeleteObjects call.
const deleteBatchSize = 1000

type s3Store struct {
	s3Client *s3.Client
	presign  *s3.PresignClient
	bucket   string
}

// NewStore creates a new S3-based object store. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain applies.
// A custom endpoint switches to path-style addressing for S3-compatible stores.
func NewStore(ctx context.Context, opts fconfig.S3) (*s3Store, error) {
	if opts.BucketName == "" {
		return nil, fmt.Errorf("%w: s3 bucket name is required", core.ErrInvalidInput)
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Store{
		s3Client: client,
		presign:  s3.NewPresignClient(client),
		bucket:   opts.BucketName,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		log := logrus.WithError(err).WithField("storage_key", key)
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			log = log.WithField("code", apiErr.ErrorCode())
		}
		log.Error("Failed to upload object")
		return fmt.Errorf("%w: failed to upload object %s: %v", core.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (s *s3Store) DeleteMany(ctx context.Context, keys []string) error {
	var (
		failed []string
		cause  error
	)

	for start := 0; start < len(keys); start += deleteBatchSize {
		batch := keys[start:min(start+deleteBatchSize, len(keys))]
		objects := make([]s3types.ObjectIdentifier, 0, len(batch))
		for _, key := range batch {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := s.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			logrus.WithError(err).WithField("batch_size", len(batch)).Error("Failed to delete object batch")
			failed = append(failed, batch...)
			cause = fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
			continue
		}

		for _, e := range out.Errors {
			if aws.ToString(e.Code) == "NoSuchKey" {
				continue
			}
			key := aws.ToString(e.Key)
			logrus.WithFields(logrus.Fields{
				"storage_key": key,
				"code":        aws.ToString(e.Code),
			}).Warn("Object was not deleted")
			failed = append(failed, key)
			cause = &smithy.GenericAPIError{Code: aws.ToString(e.Code), Message: aws.ToString(e.Message)}
		}
	}

	if len(failed) > 0 {
		return &core.PartialFailureError{FailedKeys: failed, Cause: cause}
	}
	return nil
}

// Presign returns a GET link that S3 itself serves, forcing a download under
// the original file name.
func (s *s3Store) Presign(ctx context.Context, key, downloadName string, ttl time.Duration) (string, error) {
	input := &s3.GetObjectInput{
		Bucket:              aws.String(s.bucket),
		Key:                 aws.String(key),
		ResponseContentType: aws.String("application/octet-stream"),
	}
	if downloadName != "" {
		input.ResponseContentDisposition = aws.String(
			mime.FormatMediaType("attachment", map[string]string{"filename": downloadName}))
	}

	req, err := s.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%w: failed to presign object %s: %v", core.ErrStoreUnavailable, key, err)
	}
	return req.URL, nil
}
