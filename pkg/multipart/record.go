package multipart

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dkarpele/geocdn/pkg/cache"
)

// Collection distinguishes the two upload paths sharing the engine.
type Collection string

const (
	// CollectionAPI is client-to-origin ingest.
	CollectionAPI Collection = "api"
	// CollectionCDN is origin-to-edge replication.
	CollectionCDN Collection = "cdn"
)

// Status is the lifecycle state of an upload record.
type Status string

const (
	StatusInProgress          Status = "in_progress"
	StatusSchedulerInProgress Status = "scheduler_in_progress"
	StatusFinished            Status = "finished"
)

// InFlight reports whether the status denotes an upload that may still
// be resumed.
func (s Status) InFlight() bool {
	return s == StatusInProgress || s == StatusSchedulerInProgress
}

// Record is the cached state of one multipart upload, keyed by
// (collection, object, endpoint).
type Record struct {
	MPUID        string
	PartNumber   int
	ETag         string
	Uploaded     int64
	Size         int64
	LastModified time.Time
	Status       Status
}

// Key builds the composite cache key for an upload record. The endpoint
// is the scheme-qualified node URL.
func Key(collection Collection, object, endpoint string) string {
	return fmt.Sprintf("%s^%s^%s", collection, object, endpoint)
}

// ObjectFromKey extracts the object name from a composite key produced
// by Key. The object name sits between the first and last separator, so
// names containing the separator survive the round trip only when the
// endpoint does not.
func ObjectFromKey(key string) (string, error) {
	first := -1
	last := -1
	for i, c := range key {
		if c == '^' {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 || first == last {
		return "", fmt.Errorf("malformed upload record key %q", key)
	}
	return key[first+1 : last], nil
}

// LoadRecord reads the record at key. A missing key yields (nil, nil).
func LoadRecord(ctx context.Context, c cache.Cache, key string) (*Record, error) {
	fields, err := c.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &Record{
		MPUID:  fields["mpu_id"],
		ETag:   fields["etag"],
		Status: Status(fields["status"]),
	}
	if v := fields["part_number"]; v != "" {
		if rec.PartNumber, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("record %q: bad part_number: %w", key, err)
		}
	}
	if v := fields["uploaded"]; v != "" {
		if rec.Uploaded, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("record %q: bad uploaded: %w", key, err)
		}
	}
	if v := fields["size"]; v != "" {
		if rec.Size, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("record %q: bad size: %w", key, err)
		}
	}
	if v := fields["last_modified"]; v != "" {
		if rec.LastModified, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("record %q: bad last_modified: %w", key, err)
		}
	}
	return rec, nil
}

// StoreRecord writes the record at key. Records carry no TTL: they must
// survive until the reconciliation sweep decides their fate.
func StoreRecord(ctx context.Context, c cache.Cache, key string, rec *Record) error {
	return c.HSet(ctx, key, map[string]string{
		"mpu_id":        rec.MPUID,
		"part_number":   strconv.Itoa(rec.PartNumber),
		"etag":          rec.ETag,
		"uploaded":      strconv.FormatInt(rec.Uploaded, 10),
		"size":          strconv.FormatInt(rec.Size, 10),
		"last_modified": rec.LastModified.UTC().Format(time.RFC3339Nano),
		"status":        string(rec.Status),
	}, 0)
}

// MarkFinished replaces the record at key with the terminal finished
// state. The old fields are cleared; finished is the single commit
// point observers rely on.
func MarkFinished(ctx context.Context, c cache.Cache, key string) error {
	if err := c.Del(ctx, key); err != nil {
		return err
	}
	return c.HSet(ctx, key, map[string]string{
		"last_modified": time.Now().UTC().Format(time.RFC3339Nano),
		"status":        string(StatusFinished),
	}, 0)
}
