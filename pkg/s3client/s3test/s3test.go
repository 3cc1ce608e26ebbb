// Package s3test provides an in-memory Client implementation for tests.
//
// The fake keeps whole objects and multipart sessions in maps, records
// destructive calls, and supports simple fault injection so callers can
// exercise resume and abort paths without a live object store.
package s3test

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkarpele/geocdn/pkg/registry"
	"github.com/dkarpele/geocdn/pkg/s3client"
)

type upload struct {
	bucket      string
	object      string
	contentType string
	parts       map[int]s3client.PartInfo
	data        map[int][]byte
}

// Fake is an in-memory s3client.Client.
//
// The zero value is not usable; create instances with New. All methods
// are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	buckets      map[string]bool
	objects      map[string][]byte
	contentTypes map[string]string
	uploads      map[string]*upload
	nextUpload   int

	// Endpoint prefixes presigned URLs, letting tests tell apart which
	// node minted a URL.
	Endpoint string

	// FailPartsAfter makes UploadPart fail once more than this many
	// parts were uploaded in total. Zero disables the fault.
	FailPartsAfter int
	partCalls      int

	// Aborted collects the upload ids passed to AbortMultipartUpload.
	Aborted []string
	// Removed collects "bucket/object" keys passed to RemoveObject.
	Removed []string
}

// New creates a fake with the given bucket pre-provisioned.
func New(bucket string) *Fake {
	return &Fake{
		buckets:      map[string]bool{bucket: true},
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
		uploads:      make(map[string]*upload),
	}
}

// Factory returns an s3client.Factory handing out this fake for every
// node.
func (f *Fake) Factory() s3client.Factory {
	return func(registry.Node) (s3client.Client, error) {
		return f, nil
	}
}

// PutObject seeds bucket/object with data outside the multipart path.
func (f *Fake) PutObject(bucket, object string, data []byte, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bucket + "/" + object
	f.objects[key] = append([]byte(nil), data...)
	f.contentTypes[key] = contentType
}

// Object returns the stored bytes for bucket/object, nil when absent.
func (f *Fake) Object(bucket, object string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}

// PartCalls returns how many times UploadPart was invoked, including
// failed calls.
func (f *Fake) PartCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partCalls
}

// OpenUploads returns the number of in-progress multipart sessions.
func (f *Fake) OpenUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *Fake) PresignGet(_ context.Context, bucket, object string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[bucket+"/"+object]; !ok {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, object, s3client.ErrNotFound)
	}
	return fmt.Sprintf("%s/%s/%s?signed=1", f.Endpoint, bucket, object), nil
}

func (f *Fake) BucketExists(_ context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *Fake) StatRange(ctx context.Context, bucket, object string, offset, length int64) (*s3client.ObjectStat, error) {
	data, contentType, err := f.rangeData(bucket, object, offset, length)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	total := int64(len(f.objects[bucket+"/"+object]))
	f.mu.Unlock()
	return &s3client.ObjectStat{
		ContentLength: int64(len(data)),
		ContentRange:  fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(data))-1, total),
		ContentType:   contentType,
		TotalSize:     total,
	}, nil
}

func (f *Fake) GetRange(_ context.Context, bucket, object string, offset, length int64) ([]byte, error) {
	data, _, err := f.rangeData(bucket, object, offset, length)
	return data, err
}

func (f *Fake) rangeData(bucket, object string, offset, length int64) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bucket + "/" + object
	data, ok := f.objects[key]
	if !ok || offset >= int64(len(data)) {
		return nil, "", fmt.Errorf("%s/%s: %w", bucket, object, s3client.ErrNotFound)
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), f.contentTypes[key], nil
}

func (f *Fake) CreateMultipartUpload(_ context.Context, bucket, object, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUpload++
	id := fmt.Sprintf("mpu-%d", f.nextUpload)
	f.uploads[id] = &upload{
		bucket:      bucket,
		object:      object,
		contentType: contentType,
		parts:       make(map[int]s3client.PartInfo),
		data:        make(map[int][]byte),
	}
	return id, nil
}

func (f *Fake) ListParts(_ context.Context, _, _, uploadID string) ([]s3client.PartInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", uploadID, s3client.ErrNotFound)
	}
	parts := make([]s3client.PartInfo, 0, len(up.parts))
	for _, p := range up.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (f *Fake) UploadPart(_ context.Context, _, _, uploadID string, partNumber int, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("upload %s: %w", uploadID, s3client.ErrNotFound)
	}
	f.partCalls++
	if f.FailPartsAfter > 0 && f.partCalls > f.FailPartsAfter {
		return "", fmt.Errorf("upload %s part %d: injected failure", uploadID, partNumber)
	}
	etag := fmt.Sprintf("etag-%s-%d", uploadID, partNumber)
	up.parts[partNumber] = s3client.PartInfo{PartNumber: partNumber, ETag: etag, Size: int64(len(data))}
	up.data[partNumber] = append([]byte(nil), data...)
	return etag, nil
}

func (f *Fake) CompleteMultipartUpload(_ context.Context, bucket, object, uploadID string, parts []s3client.PartInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[uploadID]
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, s3client.ErrNotFound)
	}

	var assembled []byte
	for _, p := range parts {
		stored, ok := up.parts[p.PartNumber]
		if !ok || stored.ETag != p.ETag {
			return fmt.Errorf("upload %s part %d: etag mismatch", uploadID, p.PartNumber)
		}
		assembled = append(assembled, up.data[p.PartNumber]...)
	}

	key := bucket + "/" + object
	f.objects[key] = assembled
	f.contentTypes[key] = up.contentType
	delete(f.uploads, uploadID)
	return nil
}

func (f *Fake) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, uploadID)
	f.Aborted = append(f.Aborted, uploadID)
	return nil
}

func (f *Fake) AbortAllMultipartUploads(_ context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, up := range f.uploads {
		if up.bucket == bucket {
			delete(f.uploads, id)
			f.Aborted = append(f.Aborted, id)
		}
	}
	return nil
}

func (f *Fake) RemoveObject(_ context.Context, bucket, object string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bucket + "/" + object
	if _, ok := f.objects[key]; !ok {
		return fmt.Errorf("%s/%s: %w", bucket, object, s3client.ErrNotFound)
	}
	delete(f.objects, key)
	delete(f.contentTypes, key)
	f.Removed = append(f.Removed, key)
	return nil
}
