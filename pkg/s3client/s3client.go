// Package s3client defines the capability set the CDN core needs from an
// S3-compatible object store.
//
// Two concrete backings implement it: awss3 (aws-sdk-go-v2, used for
// multipart transfers and ranged reads) and minios3 (minio-go, used for
// presigning and existence probes). Both cover the full interface so the
// wiring layer is free to choose either per node.
package s3client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkarpele/geocdn/pkg/registry"
)

// PresignTTL is the lifetime of generated download URLs.
const PresignTTL = time.Hour

// MinPartSize is the S3 minimum for all multipart parts except the last.
const MinPartSize = 5 * 1024 * 1024

// ErrNotFound indicates a missing object, bucket, or multipart upload.
var ErrNotFound = errors.New("s3: not found")

// PartInfo describes one uploaded part of a multipart upload.
type PartInfo struct {
	PartNumber int
	ETag       string
	Size       int64
}

// ObjectStat is the result of a ranged stat/read probe.
//
// TotalSize is the full object size parsed from the Content-Range
// suffix, not the length of the returned range.
type ObjectStat struct {
	ContentLength int64
	ContentRange  string
	ContentType   string
	TotalSize     int64
}

// Client is the S3 capability set used by the core.
//
// Every operation returns ErrNotFound (possibly wrapped) for missing
// objects or buckets; all other failures are backend errors.
type Client interface {
	// PresignGet returns a time-limited GET URL for the object.
	PresignGet(ctx context.Context, bucket, object string) (string, error)

	// BucketExists reports whether the bucket exists and is reachable.
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// StatRange reads object metadata via a ranged request of the given
	// offset and length.
	StatRange(ctx context.Context, bucket, object string, offset, length int64) (*ObjectStat, error)

	// GetRange returns length bytes of the object starting at offset.
	// Fewer bytes are returned when the range extends past the object end.
	GetRange(ctx context.Context, bucket, object string, offset, length int64) ([]byte, error)

	// CreateMultipartUpload starts a multipart upload and returns its id.
	CreateMultipartUpload(ctx context.Context, bucket, object, contentType string) (string, error)

	// ListParts returns the parts uploaded so far, ordered by part number.
	ListParts(ctx context.Context, bucket, object, uploadID string) ([]PartInfo, error)

	// UploadPart uploads one part and returns its etag.
	UploadPart(ctx context.Context, bucket, object, uploadID string, partNumber int, data []byte) (string, error)

	// CompleteMultipartUpload assembles the uploaded parts into the object.
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []PartInfo) error

	// AbortMultipartUpload cancels an upload. Aborting an unknown upload
	// is not an error.
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error

	// AbortAllMultipartUploads cancels every in-progress upload in the
	// bucket.
	AbortAllMultipartUploads(ctx context.Context, bucket string) error

	// RemoveObject deletes the object.
	RemoveObject(ctx context.Context, bucket, object string) error
}

// Factory builds a Client for a node. The placement engine and the
// scheduler hold separate factories so each path keeps its preferred
// backing.
type Factory func(node registry.Node) (Client, error)

// ParseTotalSize extracts the full object size from a Content-Range
// header value such as "bytes 0-0/1048576".
func ParseTotalSize(contentRange string) (int64, error) {
	idx := strings.LastIndex(contentRange, "/")
	if idx < 0 || idx == len(contentRange)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", contentRange)
	}
	total, err := strconv.ParseInt(contentRange[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", contentRange, err)
	}
	return total, nil
}

// RangeHeader formats an HTTP Range header value for offset and length.
func RangeHeader(offset, length int64) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}
