// Package awss3 implements the s3client capability set with
// aws-sdk-go-v2.
//
// This is the origin-style backing: the multipart engine and the
// replication scheduler run their transfers through it.
package awss3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dkarpele/geocdn/pkg/registry"
	"github.com/dkarpele/geocdn/pkg/s3client"
)

// region is a placeholder; MinIO and other S3-compatible stores ignore
// it but the SDK requires one.
const region = "us-east-1"

// Client is an aws-sdk-go-v2 backed s3client.Client bound to one node.
type Client struct {
	client   *s3.Client
	presign  *s3.PresignClient
	endpoint string
}

var _ s3client.Client = (*Client)(nil)

// New builds a Client for the given node. The endpoint is addressed
// path-style, as MinIO deployments expect.
func New(ctx context.Context, node registry.Node) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			node.AccessKeyID,
			node.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(node.URL())
		o.UsePathStyle = true
	})

	return &Client{
		client:   client,
		presign:  s3.NewPresignClient(client),
		endpoint: node.URL(),
	}, nil
}

// Endpoint returns the scheme-qualified endpoint this client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

// PresignGet returns a GET URL valid for s3client.PresignTTL.
func (c *Client) PresignGet(ctx context.Context, bucket, object string) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
	}, s3.WithPresignExpires(s3client.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign %q: %w", object, err)
	}
	return req.URL, nil
}

// BucketExists reports whether the bucket exists.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head bucket %q: %w", bucket, err)
	}
	return true, nil
}

// StatRange issues a ranged GET and returns the response metadata
// without consuming the body beyond closing it.
func (c *Client) StatRange(ctx context.Context, bucket, object string, offset, length int64) (*s3client.ObjectStat, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
		Range:  aws.String(s3client.RangeHeader(offset, length)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %q: %w", object, s3client.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %q: %w", object, err)
	}
	defer out.Body.Close()

	stat := &s3client.ObjectStat{
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentRange:  aws.ToString(out.ContentRange),
		ContentType:   aws.ToString(out.ContentType),
	}
	if stat.ContentRange != "" {
		total, err := s3client.ParseTotalSize(stat.ContentRange)
		if err != nil {
			return nil, err
		}
		stat.TotalSize = total
	}
	return stat, nil
}

// GetRange reads length bytes starting at offset. The tail of the
// object may yield fewer bytes.
func (c *Client) GetRange(ctx context.Context, bucket, object string, offset, length int64) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
		Range:  aws.String(s3client.RangeHeader(offset, length)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %q: %w", object, s3client.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get range of %q: %w", object, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read range of %q: %w", object, err)
	}
	return data, nil
}

// CreateMultipartUpload starts a multipart upload.
func (c *Client) CreateMultipartUpload(ctx context.Context, bucket, object, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload for %q: %w", object, err)
	}
	return aws.ToString(out.UploadId), nil
}

// ListParts returns all parts uploaded so far, following pagination.
func (c *Client) ListParts(ctx context.Context, bucket, object, uploadID string) ([]s3client.PartInfo, error) {
	var parts []s3client.PartInfo
	var marker *string
	for {
		out, err := c.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(bucket),
			Key:              aws.String(object),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("upload %q: %w", uploadID, s3client.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to list parts of %q: %w", object, err)
		}
		for _, p := range out.Parts {
			parts = append(parts, s3client.PartInfo{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	return parts, nil
}

// UploadPart uploads one part and returns its etag.
func (c *Client) UploadPart(ctx context.Context, bucket, object, uploadID string, partNumber int, data []byte) (string, error) {
	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(object),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d of %q: %w", partNumber, object, err)
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipartUpload assembles parts into the final object.
func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []s3client.PartInfo) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		}
	}
	_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(object),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %q: %w", object, err)
	}
	return nil
}

// AbortMultipartUpload cancels the upload. NoSuchUpload is swallowed so
// the operation stays idempotent.
func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(object),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to abort multipart upload %q: %w", uploadID, err)
	}
	return nil
}

// AbortAllMultipartUploads cancels every in-progress upload in the
// bucket.
func (c *Client) AbortAllMultipartUploads(ctx context.Context, bucket string) error {
	out, err := c.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to list multipart uploads in %q: %w", bucket, err)
	}
	for _, u := range out.Uploads {
		if err := c.AbortMultipartUpload(ctx, bucket, aws.ToString(u.Key), aws.ToString(u.UploadId)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveObject deletes the object. Deleting a missing object is not an
// error, matching S3 semantics.
func (c *Client) RemoveObject(ctx context.Context, bucket, object string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return fmt.Errorf("failed to remove %q: %w", object, err)
	}
	return nil
}

// isNotFound recognizes the assorted shapes S3 reports missing
// objects, buckets, and uploads in.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "NoSuchUpload":
			return true
		}
	}
	return false
}
