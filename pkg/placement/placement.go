// Package placement decides which node serves an object request.
//
// For each request it picks the geographically closest active node,
// probes it for the object, and falls back to the origin. When the
// closest edge is missing the object, a background replication is
// scheduled and the origin's credentials are returned so the client
// immediately gets a working URL.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkarpele/geocdn/internal/logger"
	"github.com/dkarpele/geocdn/pkg/cache"
	"github.com/dkarpele/geocdn/pkg/geo"
	"github.com/dkarpele/geocdn/pkg/multipart"
	"github.com/dkarpele/geocdn/pkg/registry"
	"github.com/dkarpele/geocdn/pkg/s3client"
)

// ErrObjectNotFound is returned when the object exists neither on the
// probed node nor on the origin.
var ErrObjectNotFound = errors.New("object not found")

// Replicator is the scheduler-invocation surface the engine depends
// on. Keeping it an interface here breaks the helper/scheduler cycle of
// the ancestor design: the scheduler depends on the multipart engine,
// and placement depends only on this.
type Replicator interface {
	EnqueueCopy(object string, origin, edge registry.Node, status multipart.Status) error
}

// Resolution names the node whose credentials mint the presigned URL.
type Resolution struct {
	Node   registry.Node
	Client s3client.Client
}

// Engine implements object placement and redirection.
type Engine struct {
	registry   *registry.Registry
	router     *geo.Router
	cache      cache.Cache
	clients    s3client.Factory
	replicator Replicator
	bucket     string
}

// New creates the engine. clients builds the probe/presign-style S3
// client for a node.
func New(reg *registry.Registry, router *geo.Router, c cache.Cache, clients s3client.Factory, replicator Replicator, bucket string) *Engine {
	return &Engine{
		registry:   reg,
		router:     router,
		cache:      c,
		clients:    clients,
		replicator: replicator,
		bucket:     bucket,
	}
}

// Resolve picks the node that serves object for the client at clientIP.
//
// The closest healthy node hosting the object wins. When the closest
// edge lacks the object but the origin has it, a replication to that
// edge is scheduled (best-effort, single-flight) and the origin is
// returned, so the URL handed out never 404s.
func (e *Engine) Resolve(ctx context.Context, clientIP, object string) (*Resolution, error) {
	nodes, err := e.registry.ActiveNodes()
	if err != nil {
		return nil, err
	}
	origin, err := registry.Origin(nodes)
	if err != nil {
		return nil, err
	}

	closest, ok := e.router.FindClosest(ctx, clientIP, nodes)
	if !ok {
		closest = origin
	}

	if e.objectExists(ctx, closest, object) {
		return e.resolution(closest)
	}

	if closest.IsOrigin() {
		return nil, fmt.Errorf("%q in bucket %q: %w", object, e.bucket, ErrObjectNotFound)
	}

	if !e.objectExists(ctx, origin, object) {
		return nil, fmt.Errorf("%q in bucket %q: %w", object, e.bucket, ErrObjectNotFound)
	}

	e.scheduleReplication(ctx, object, origin, closest)

	// Origin serves until the edge catches up.
	return e.resolution(origin)
}

// Delete removes object from every active node holding it and erases
// the upload records for both collections. Returns the endpoints the
// object was deleted from, or ErrObjectNotFound when no node held it.
func (e *Engine) Delete(ctx context.Context, object string) ([]string, error) {
	nodes, err := e.registry.ActiveNodes()
	if err != nil {
		return nil, err
	}

	var endpoints []string
	for _, alias := range registry.SortedAliases(nodes) {
		node := nodes[alias]
		if !e.objectExists(ctx, node, object) {
			logger.Info("object not present, skipping delete",
				"object", object, "endpoint", node.Endpoint)
			continue
		}

		client, err := e.clients(node)
		if err != nil {
			return nil, err
		}
		if err := client.RemoveObject(ctx, e.bucket, object); err != nil {
			return nil, err
		}

		endpoint := node.URL()
		err = e.cache.Del(ctx,
			multipart.Key(multipart.CollectionAPI, object, endpoint),
			multipart.Key(multipart.CollectionCDN, object, endpoint),
		)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
		logger.Info("object removed", "object", object, "endpoint", node.Endpoint)
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%q on any node: %w", object, ErrObjectNotFound)
	}
	return endpoints, nil
}

// Status returns the ingest upload record for object on the origin.
func (e *Engine) Status(ctx context.Context, object string) (*multipart.Record, string, error) {
	nodes, err := e.registry.ActiveNodes()
	if err != nil {
		return nil, "", err
	}
	origin, err := registry.Origin(nodes)
	if err != nil {
		return nil, "", err
	}

	endpoint := origin.URL()
	rec, err := multipart.LoadRecord(ctx, e.cache, multipart.Key(multipart.CollectionAPI, object, endpoint))
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return nil, "", fmt.Errorf("status of %q: %w", object, ErrObjectNotFound)
	}
	return rec, endpoint, nil
}

// objectExists probes node for object: the bucket must exist and a
// one-byte ranged read must succeed. Probe failures count as absence.
func (e *Engine) objectExists(ctx context.Context, node registry.Node, object string) bool {
	client, err := e.clients(node)
	if err != nil {
		logger.Warn("probe client failed", "endpoint", node.Endpoint, "error", err)
		return false
	}

	found, err := client.BucketExists(ctx, e.bucket)
	if err != nil || !found {
		if err != nil {
			logger.Warn("bucket probe failed", "endpoint", node.Endpoint, "error", err)
		}
		return false
	}

	if _, err := client.GetRange(ctx, e.bucket, object, 0, 1); err != nil {
		if !errors.Is(err, s3client.ErrNotFound) {
			logger.Warn("object probe failed",
				"object", object, "endpoint", node.Endpoint, "error", err)
		}
		return false
	}

	logger.Debug("object found", "object", object, "endpoint", node.Endpoint)
	return true
}

// scheduleReplication enqueues a copy of object to edge unless an
// attempt is already in flight. An in-progress marker is written before
// enqueuing so concurrent requests for the same missing object produce
// one job. Enqueue failures are logged, never surfaced: the client
// still gets the origin URL, and the finish sweep retries off the
// marker.
func (e *Engine) scheduleReplication(ctx context.Context, object string, origin, edge registry.Node) {
	key := multipart.Key(multipart.CollectionCDN, object, edge.URL())
	rec, err := multipart.LoadRecord(ctx, e.cache, key)
	if err != nil {
		logger.Error("replication state check failed", "key", key, "error", err)
		return
	}
	if rec != nil && rec.Status.InFlight() {
		logger.Debug("replication already in flight", "object", object, "edge", edge.Endpoint)
		return
	}

	err = multipart.StoreRecord(ctx, e.cache, key, &multipart.Record{
		LastModified: time.Now().UTC(),
		Status:       multipart.StatusInProgress,
	})
	if err != nil {
		logger.Error("replication marker write failed", "key", key, "error", err)
		return
	}

	if err := e.replicator.EnqueueCopy(object, origin, edge, multipart.StatusInProgress); err != nil {
		logger.Error("replication enqueue failed",
			"object", object, "edge", edge.Endpoint, "error", err)
	}
}

func (e *Engine) resolution(node registry.Node) (*Resolution, error) {
	client, err := e.clients(node)
	if err != nil {
		return nil, err
	}
	return &Resolution{Node: node, Client: client}, nil
}
