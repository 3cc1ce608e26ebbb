// Package minios3 implements the s3client capability set with
// minio-go.
//
// This is the edge-style backing: the placement engine uses it for
// presigning, existence probes, and deletes. The multipart operations
// go through the minio Core API so the full interface is covered.
package minios3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dkarpele/geocdn/pkg/registry"
	"github.com/dkarpele/geocdn/pkg/s3client"
)

// Client is a minio-go backed s3client.Client bound to one node.
type Client struct {
	core     *minio.Core
	endpoint string
}

var _ s3client.Client = (*Client)(nil)

// New builds a Client for the given node. Nodes are addressed without
// TLS, matching the deployment model of the node file.
func New(node registry.Node) (*Client, error) {
	core, err := minio.NewCore(node.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(node.AccessKeyID, node.SecretAccessKey, ""),
		Secure: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client for %q: %w", node.Endpoint, err)
	}
	return &Client{core: core, endpoint: node.URL()}, nil
}

// Endpoint returns the scheme-qualified endpoint this client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

// PresignGet returns a GET URL valid for s3client.PresignTTL.
func (c *Client) PresignGet(ctx context.Context, bucket, object string) (string, error) {
	u, err := c.core.Client.PresignedGetObject(ctx, bucket, object, s3client.PresignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %q: %w", object, err)
	}
	return u.String(), nil
}

// BucketExists reports whether the bucket exists.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	found, err := c.core.Client.BucketExists(ctx, bucket)
	if err != nil {
		return false, fmt.Errorf("failed to check bucket %q: %w", bucket, err)
	}
	return found, nil
}

// StatRange stats the object and reports the metadata a ranged request
// of the given offset and length would carry.
func (c *Client) StatRange(ctx context.Context, bucket, object string, offset, length int64) (*s3client.ObjectStat, error) {
	info, err := c.core.Client.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %q: %w", object, s3client.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %q: %w", object, err)
	}

	end := offset + length - 1
	if end >= info.Size {
		end = info.Size - 1
	}
	return &s3client.ObjectStat{
		ContentLength: end - offset + 1,
		ContentRange:  fmt.Sprintf("bytes %d-%d/%d", offset, end, info.Size),
		ContentType:   info.ContentType,
		TotalSize:     info.Size,
	}, nil
}

// GetRange reads length bytes of the object starting at offset.
func (c *Client) GetRange(ctx context.Context, bucket, object string, offset, length int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("invalid range for %q: %w", object, err)
	}

	obj, err := c.core.Client.GetObject(ctx, bucket, object, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get range of %q: %w", object, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %q: %w", object, s3client.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read range of %q: %w", object, err)
	}
	return data, nil
}

// CreateMultipartUpload starts a multipart upload.
func (c *Client) CreateMultipartUpload(ctx context.Context, bucket, object, contentType string) (string, error) {
	uploadID, err := c.core.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload for %q: %w", object, err)
	}
	return uploadID, nil
}

// ListParts returns the parts uploaded so far, following pagination.
func (c *Client) ListParts(ctx context.Context, bucket, object, uploadID string) ([]s3client.PartInfo, error) {
	var parts []s3client.PartInfo
	marker := 0
	for {
		result, err := c.core.ListObjectParts(ctx, bucket, object, uploadID, marker, 1000)
		if err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("upload %q: %w", uploadID, s3client.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to list parts of %q: %w", object, err)
		}
		for _, p := range result.ObjectParts {
			parts = append(parts, s3client.PartInfo{
				PartNumber: p.PartNumber,
				ETag:       p.ETag,
				Size:       p.Size,
			})
		}
		if !result.IsTruncated {
			break
		}
		marker = result.NextPartNumberMarker
	}
	return parts, nil
}

// UploadPart uploads one part and returns its etag.
func (c *Client) UploadPart(ctx context.Context, bucket, object, uploadID string, partNumber int, data []byte) (string, error) {
	part, err := c.core.PutObjectPart(ctx, bucket, object, uploadID, partNumber,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d of %q: %w", partNumber, object, err)
	}
	return part.ETag, nil
}

// CompleteMultipartUpload assembles parts into the final object.
func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []s3client.PartInfo) error {
	complete := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		complete[i] = minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		}
	}
	_, err := c.core.CompleteMultipartUpload(ctx, bucket, object, uploadID, complete, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %q: %w", object, err)
	}
	return nil
}

// AbortMultipartUpload cancels the upload. Aborting an unknown upload
// is not an error.
func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	err := c.core.AbortMultipartUpload(ctx, bucket, object, uploadID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to abort multipart upload %q: %w", uploadID, err)
	}
	return nil
}

// AbortAllMultipartUploads cancels every in-progress upload in the
// bucket.
func (c *Client) AbortAllMultipartUploads(ctx context.Context, bucket string) error {
	result, err := c.core.ListMultipartUploads(ctx, bucket, "", "", "", "", 1000)
	if err != nil {
		return fmt.Errorf("failed to list multipart uploads in %q: %w", bucket, err)
	}
	for _, u := range result.Uploads {
		if err := c.AbortMultipartUpload(ctx, bucket, u.Key, u.UploadID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveObject deletes the object.
func (c *Client) RemoveObject(ctx context.Context, bucket, object string) error {
	if err := c.core.Client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %q: %w", object, err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchUpload":
		return true
	}
	return resp.StatusCode == 404
}
