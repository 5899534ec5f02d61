package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Uploader implements Uploader against S3 or an S3-compatible endpoint.
// Upload handles are the remote upload id as UTF-8 bytes; part handles are
// encoded with EncodePartHandle from the ETag each part upload returns.
type S3Uploader struct {
	client *s3.Client
	config *S3Config
}

var _ Uploader = (*S3Uploader)(nil)

func NewS3Uploader(client *s3.Client, cfg *S3Config) *S3Uploader {
	return &S3Uploader{
		client: client,
		config: cfg,
	}
}

// NewS3UploaderWithConfig builds the S3 client from the config: static
// credentials, tuned HTTP transport, optional endpoint override with
// path-style addressing.
func NewS3UploaderWithConfig(cfg *S3Config) (*S3Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 30 * time.Second,
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewS3Uploader(client, cfg), nil
}

func (u *S3Uploader) CreateMultipart(ctx context.Context, key string) ([]byte, error) {
	result, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: &u.config.Bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart %s: %w", key, err)
	}
	return []byte(aws.ToString(result.UploadId)), nil
}

func (u *S3Uploader) UploadPart(ctx context.Context, key string, uploadHandle []byte, partNumber int, r io.Reader, size int64) ([]byte, error) {
	if len(uploadHandle) == 0 {
		return nil, fmt.Errorf("upload part %d of %s: empty upload handle: %w", partNumber, key, ErrInvalidInput)
	}

	result, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        &u.config.Bucket,
		Key:           &key,
		UploadId:      aws.String(string(uploadHandle)),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return nil, fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
	}

	etag := strings.ReplaceAll(aws.ToString(result.ETag), "\"", "")
	return EncodePartHandle(etag, partNumber, size)
}

func (u *S3Uploader) CompleteMultipart(ctx context.Context, key string, uploadHandle []byte, partHandles map[int][]byte) (string, error) {
	if len(uploadHandle) == 0 {
		return "", fmt.Errorf("complete multipart %s: empty upload handle: %w", key, ErrInvalidInput)
	}

	completedParts := make([]types.CompletedPart, 0, len(partHandles))
	for partNumber, payload := range partHandles {
		handle, err := DecodePartHandle(payload)
		if err != nil {
			return "", fmt.Errorf("complete multipart %s: part %d: %w", key, partNumber, err)
		}
		completedParts = append(completedParts, types.CompletedPart{
			ETag:       aws.String(handle.ETag),
			PartNumber: aws.Int32(int32(handle.PartNumber)),
		})
	}
	sort.Slice(completedParts, func(i, j int) bool {
		return aws.ToInt32(completedParts[i].PartNumber) < aws.ToInt32(completedParts[j].PartNumber)
	})

	result, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   &u.config.Bucket,
		Key:      &key,
		UploadId: aws.String(string(uploadHandle)),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart %s: %w", key, err)
	}

	return strings.ReplaceAll(aws.ToString(result.ETag), "\"", ""), nil
}

func (u *S3Uploader) DeleteObject(ctx context.Context, key string) error {
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &u.config.Bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (u *S3Uploader) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := u.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &u.config.Bucket,
		CopySource: aws.String(fmt.Sprintf("%s/%s", u.config.Bucket, srcKey)),
		Key:        &dstKey,
	})
	if err != nil {
		return fmt.Errorf("copy object %s to %s: %w", srcKey, dstKey, err)
	}
	return nil
}

func (u *S3Uploader) AbortMultipart(ctx context.Context, key string, uploadHandle []byte) error {
	if len(uploadHandle) == 0 {
		return fmt.Errorf("abort multipart %s: empty upload handle: %w", key, ErrInvalidInput)
	}

	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &u.config.Bucket,
		Key:      &key,
		UploadId: aws.String(string(uploadHandle)),
	})
	if err != nil {
		return fmt.Errorf("abort multipart %s: %w", key, err)
	}
	return nil
}
