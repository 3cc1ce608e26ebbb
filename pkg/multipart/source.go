package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dkarpele/geocdn/pkg/s3client"
)

// ChunkSource yields the byte chunks of an upload, one part at a time.
//
// Next returns an empty slice once the source is exhausted. Chunks are
// exactly the configured part size except possibly the last.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// streamSource reads sequential chunks from a request body stream.
type streamSource struct {
	r        io.Reader
	partSize int64
}

// NewStreamSource wraps a client upload stream as a ChunkSource with
// the given part size.
func NewStreamSource(r io.Reader, partSize int64) ChunkSource {
	return &streamSource{r: r, partSize: partSize}
}

func (s *streamSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, s.partSize)
	n, err := io.ReadFull(s.r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read upload stream: %w", err)
	}
	return buf[:n], nil
}

// rangeSource pulls chunks from an object on another node via ranged
// GETs. Exhaustion is detected by offset, not by a short read, so the
// source never issues a request past the object end.
type rangeSource struct {
	client    s3client.Client
	bucket    string
	object    string
	partSize  int64
	totalSize int64
	offset    int64
}

// NewRangeSource builds a ChunkSource streaming bucket/object from
// client in partSize ranges. totalSize is the full object size learned
// from a prior stat.
func NewRangeSource(client s3client.Client, bucket, object string, partSize, totalSize int64) ChunkSource {
	return &rangeSource{
		client:    client,
		bucket:    bucket,
		object:    object,
		partSize:  partSize,
		totalSize: totalSize,
	}
}

func (s *rangeSource) Next(ctx context.Context) ([]byte, error) {
	if s.offset >= s.totalSize {
		return nil, nil
	}

	data, err := s.client.GetRange(ctx, s.bucket, s.object, s.offset, s.partSize)
	if err != nil {
		return nil, err
	}
	s.offset += int64(len(data))
	return data, nil
}
