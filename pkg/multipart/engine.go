// Package multipart implements the resumable multipart upload engine.
//
// The engine drives both client-to-origin ingest and origin-to-edge
// replication: the difference is only the chunk source feeding it. Part
// uploads are strictly sequential by part number, which keeps resume
// semantics trivial: per-part state is persisted to the cache after
// every successful part, so an interrupted upload continues from the
// last recorded part.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkarpele/geocdn/internal/logger"
	"github.com/dkarpele/geocdn/pkg/cache"
	"github.com/dkarpele/geocdn/pkg/metrics"
	"github.com/dkarpele/geocdn/pkg/s3client"
)

// ErrAlreadyUploaded is returned when an upload targets a key whose
// record is already finished. The object must be deleted first.
var ErrAlreadyUploaded = errors.New("object was already uploaded")

// ErrSizeMismatch is returned on resume when a local chunk length
// disagrees with the size recorded for the same part remotely. It means
// the source stream diverged from the remote history and the upload
// cannot safely continue.
var ErrSizeMismatch = errors.New("part size mismatch on resume")

// Engine is the resumable multipart upload driver.
type Engine struct {
	cache    cache.Cache
	bucket   string
	partSize int64
	metrics  *metrics.Metrics
}

// NewEngine creates the engine. partSize must exceed the S3 part
// minimum; S3 rejects smaller parts with EntityTooSmall.
func NewEngine(c cache.Cache, bucket string, partSize int64, m *metrics.Metrics) (*Engine, error) {
	if partSize <= s3client.MinPartSize {
		return nil, fmt.Errorf("part size must exceed %d bytes, got %d", int64(s3client.MinPartSize), partSize)
	}
	return &Engine{cache: c, bucket: bucket, partSize: partSize, metrics: m}, nil
}

// PartSize returns the configured part size in bytes.
func (e *Engine) PartSize() int64 { return e.partSize }

// Bucket returns the bucket the engine uploads into.
func (e *Engine) Bucket() string { return e.bucket }

// Upload streams src into bucket/object on target as a multipart
// upload, resuming a prior attempt when the cache holds an in-flight
// record for the composite key.
//
// endpoint is the target node's URL and forms the record key together
// with collection and object. status is the label written to in-flight
// records; the finished state is written only after a successful
// complete call.
func (e *Engine) Upload(
	ctx context.Context,
	target s3client.Client,
	endpoint, object, contentType string,
	totalSize int64,
	src ChunkSource,
	collection Collection,
	status Status,
) error {
	key := Key(collection, object, endpoint)

	rec, err := LoadRecord(ctx, e.cache, key)
	if err != nil {
		return err
	}

	var mpuID string
	var prior map[int]s3client.PartInfo

	switch {
	case rec != nil && rec.Status == StatusFinished:
		return fmt.Errorf("%q at %s: %w", object, endpoint, ErrAlreadyUploaded)

	case rec != nil && rec.Status.InFlight() && rec.MPUID != "":
		mpuID = rec.MPUID
		logger.Info("resuming multipart upload",
			"object", object, "endpoint", endpoint, "mpu_id", mpuID)

		listed, err := target.ListParts(ctx, e.bucket, object, mpuID)
		if err != nil {
			return err
		}
		prior = make(map[int]s3client.PartInfo, len(listed))
		for _, p := range listed {
			prior[p.PartNumber] = p
		}

	default:
		mpuID, err = target.CreateMultipartUpload(ctx, e.bucket, object, contentType)
		if err != nil {
			return err
		}
		logger.Info("starting multipart upload",
			"object", object, "endpoint", endpoint, "mpu_id", mpuID)
	}

	var parts []s3client.PartInfo
	var uploaded int64

	for partNumber := 1; ; partNumber++ {
		data, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}

		if p, ok := prior[partNumber]; ok {
			// Uploaded in a previous attempt. The local chunk must match
			// the recorded size, or the stream diverged from the remote
			// history.
			if int64(len(data)) != p.Size {
				return fmt.Errorf("part %d of %q: local %d bytes, remote %d: %w",
					partNumber, object, len(data), p.Size, ErrSizeMismatch)
			}
			parts = append(parts, s3client.PartInfo{PartNumber: partNumber, ETag: p.ETag})
			uploaded += int64(len(data))
			continue
		}

		etag, err := target.UploadPart(ctx, e.bucket, object, mpuID, partNumber, data)
		if err != nil {
			return err
		}
		parts = append(parts, s3client.PartInfo{PartNumber: partNumber, ETag: etag})
		uploaded += int64(len(data))
		e.metrics.RecordPart(string(collection), len(data))

		err = StoreRecord(ctx, e.cache, key, &Record{
			MPUID:        mpuID,
			PartNumber:   partNumber,
			ETag:         etag,
			Uploaded:     uploaded,
			Size:         totalSize,
			LastModified: time.Now().UTC(),
			Status:       status,
		})
		if err != nil {
			return err
		}

		logger.Debug("part uploaded",
			"object", object, "part", partNumber,
			"uploaded", uploaded, "total", totalSize)
	}

	if err := target.CompleteMultipartUpload(ctx, e.bucket, object, mpuID, parts); err != nil {
		return err
	}

	if err := MarkFinished(ctx, e.cache, key); err != nil {
		return err
	}
	e.metrics.RecordUploadFinished(string(collection))

	logger.Info("multipart upload completed",
		"object", object, "endpoint", endpoint, "parts", len(parts), "bytes", uploaded)
	return nil
}
