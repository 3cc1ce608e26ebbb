// Package scheduler runs background replication of objects from the
// origin to edge nodes and reconciles interrupted uploads.
//
// A bounded worker pool consumes one-shot copy jobs. Two periodic
// sweeps keep the upload state converging: recently-touched in-flight
// replications are re-enqueued until they finish, and uploads untouched
// past the staleness threshold are aborted and their records dropped.
//
// Jobs never propagate errors to callers; they log and rely on the
// sweeps for retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkarpele/geocdn/internal/logger"
	"github.com/dkarpele/geocdn/pkg/cache"
	"github.com/dkarpele/geocdn/pkg/metrics"
	"github.com/dkarpele/geocdn/pkg/multipart"
	"github.com/dkarpele/geocdn/pkg/registry"
	"github.com/dkarpele/geocdn/pkg/s3client"
)

// Config tunes the scheduler.
type Config struct {
	// Workers is the size of the job worker pool.
	Workers int
	// QueueSize bounds the pending job queue. Enqueue fails when full.
	QueueSize int
	// FinishInterval is the period of the finish-in-progress sweep.
	FinishInterval time.Duration
	// AbortInterval is the period of the stale-abort sweep.
	AbortInterval time.Duration
	// StaleAfter separates resumable uploads from stale ones.
	StaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.FinishInterval <= 0 {
		c.FinishInterval = 2 * time.Minute
	}
	if c.AbortInterval <= 0 {
		c.AbortInterval = 30 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 6 * time.Hour
	}
}

type job struct {
	object string
	origin registry.Node
	edge   registry.Node
	status multipart.Status
}

// Scheduler owns the replication job queue and the periodic sweeps.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	cache    cache.Cache
	engine   *multipart.Engine
	clients  s3client.Factory
	metrics  *metrics.Metrics

	jobs    chan job
	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates a scheduler. clients builds the transfer-style S3 client
// used for both the origin reads and the edge writes.
func New(cfg Config, reg *registry.Registry, c cache.Cache, engine *multipart.Engine, clients s3client.Factory, m *metrics.Metrics) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		cache:    c,
		engine:   engine,
		clients:  clients,
		metrics:  m,
		jobs:     make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker pool and the periodic sweeps. The scheduler
// starts at most once per process; repeated calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		logger.Debug("scheduler already running")
		return
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(2)
	go s.sweep(ctx, s.cfg.FinishInterval, s.FinishInProgress)
	go s.sweep(ctx, s.cfg.AbortInterval, s.AbortStale)

	logger.Info("replication scheduler started",
		"workers", s.cfg.Workers,
		"finish_interval", s.cfg.FinishInterval.String(),
		"abort_interval", s.cfg.AbortInterval.String())
}

// Wait blocks until all workers and sweeps have exited after context
// cancellation.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// EnqueueCopy schedules a one-shot replication of object from origin to
// edge. The job records its in-flight state under the cdn collection
// with the given status label. Returns an error when the queue is full.
func (s *Scheduler) EnqueueCopy(object string, origin, edge registry.Node, status multipart.Status) error {
	select {
	case s.jobs <- job{object: object, origin: origin, edge: edge, status: status}:
		logger.Debug("replication enqueued",
			"object", object, "edge", edge.Endpoint, "status", string(status))
		return nil
	default:
		return fmt.Errorf("replication queue full, dropping copy of %q to %s", object, edge.Endpoint)
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.runCopy(ctx, j)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// runCopy executes one replication job: it re-checks the record (the
// object may have been copied while the job sat in the queue), streams
// the object from origin in part-size ranges, and uploads it to the
// edge through the multipart engine.
func (s *Scheduler) runCopy(ctx context.Context, j job) {
	key := multipart.Key(multipart.CollectionCDN, j.object, j.edge.URL())

	rec, err := multipart.LoadRecord(ctx, s.cache, key)
	if err != nil {
		logger.Error("replication state check failed", "key", key, "error", err)
		s.metrics.RecordReplication("failed")
		return
	}
	if rec != nil && rec.Status == multipart.StatusFinished {
		logger.Debug("replication skipped, already finished",
			"object", j.object, "edge", j.edge.Endpoint)
		s.metrics.RecordReplication("skipped")
		return
	}

	originClient, err := s.clients(j.origin)
	if err != nil {
		logger.Error("replication origin client failed", "error", err)
		s.metrics.RecordReplication("failed")
		return
	}
	edgeClient, err := s.clients(j.edge)
	if err != nil {
		logger.Error("replication edge client failed", "error", err)
		s.metrics.RecordReplication("failed")
		return
	}

	bucket := s.engine.Bucket()
	stat, err := originClient.StatRange(ctx, bucket, j.object, 0, 1)
	if err != nil {
		logger.Error("replication stat on origin failed",
			"object", j.object, "error", err)
		s.metrics.RecordReplication("failed")
		return
	}

	logger.Info("replicating object",
		"object", j.object,
		"from", j.origin.Endpoint,
		"to", j.edge.Endpoint,
		"bytes", stat.TotalSize)

	src := multipart.NewRangeSource(originClient, bucket, j.object, s.engine.PartSize(), stat.TotalSize)
	err = s.engine.Upload(ctx, edgeClient, j.edge.URL(), j.object, stat.ContentType,
		stat.TotalSize, src, multipart.CollectionCDN, j.status)
	switch {
	case err == nil:
		s.metrics.RecordReplication("completed")
	case errors.Is(err, multipart.ErrAlreadyUploaded):
		s.metrics.RecordReplication("skipped")
	default:
		// The sweeps will resume or abort this upload later.
		logger.Error("replication failed",
			"object", j.object, "edge", j.edge.Endpoint, "error", err)
		s.metrics.RecordReplication("failed")
	}
}

// FinishInProgress re-enqueues replications that are in flight and were
// touched within the staleness window. Exported for tests; normally
// driven by the periodic sweep.
func (s *Scheduler) FinishInProgress(ctx context.Context) {
	nodes, err := s.registry.ActiveNodes()
	if err != nil {
		logger.Error("finish sweep: node load failed", "error", err)
		return
	}
	origin, err := registry.Origin(nodes)
	if err != nil {
		logger.Error("finish sweep: no active origin", "error", err)
		return
	}

	threshold := time.Now().Add(-s.cfg.StaleAfter)
	for _, alias := range registry.SortedAliases(nodes) {
		node := nodes[alias]
		if node.IsOrigin() {
			continue
		}
		pattern := string(multipart.CollectionCDN) + "^*^" + node.URL()
		keys, err := s.cache.Keys(ctx, pattern)
		if err != nil {
			logger.Error("finish sweep: key scan failed", "pattern", pattern, "error", err)
			continue
		}
		for _, key := range keys {
			rec, err := multipart.LoadRecord(ctx, s.cache, key)
			if err != nil || rec == nil {
				continue
			}
			if !rec.Status.InFlight() || !rec.LastModified.After(threshold) {
				continue
			}
			object, err := multipart.ObjectFromKey(key)
			if err != nil {
				logger.Error("finish sweep: bad record key", "key", key, "error", err)
				continue
			}
			if err := s.EnqueueCopy(object, origin, node, multipart.StatusSchedulerInProgress); err != nil {
				logger.Warn("finish sweep: enqueue failed", "error", err)
			}
		}
	}
}

// AbortStale aborts uploads untouched past the staleness threshold on
// every active node and drops their records. Exported for tests.
func (s *Scheduler) AbortStale(ctx context.Context) {
	nodes, err := s.registry.ActiveNodes()
	if err != nil {
		logger.Error("abort sweep: node load failed", "error", err)
		return
	}

	threshold := time.Now().Add(-s.cfg.StaleAfter)
	for _, alias := range registry.SortedAliases(nodes) {
		node := nodes[alias]
		pattern := "*^*^" + node.URL()
		keys, err := s.cache.Keys(ctx, pattern)
		if err != nil {
			logger.Error("abort sweep: key scan failed", "pattern", pattern, "error", err)
			continue
		}
		for _, key := range keys {
			rec, err := multipart.LoadRecord(ctx, s.cache, key)
			if err != nil || rec == nil {
				continue
			}
			if !rec.Status.InFlight() || !rec.LastModified.Before(threshold) {
				continue
			}
			object, err := multipart.ObjectFromKey(key)
			if err != nil {
				logger.Error("abort sweep: bad record key", "key", key, "error", err)
				continue
			}

			client, err := s.clients(node)
			if err != nil {
				logger.Error("abort sweep: client failed", "endpoint", node.Endpoint, "error", err)
				continue
			}
			if err := client.AbortMultipartUpload(ctx, s.engine.Bucket(), object, rec.MPUID); err != nil {
				logger.Error("abort sweep: abort failed", "object", object, "error", err)
				continue
			}
			if err := s.cache.Del(ctx, key); err != nil {
				logger.Error("abort sweep: record delete failed", "key", key, "error", err)
				continue
			}
			logger.Info("stale upload aborted",
				"object", object, "endpoint", node.Endpoint, "mpu_id", rec.MPUID)
		}
	}
}
