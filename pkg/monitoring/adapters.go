// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianOps/pkg/cache"
	"github.com/AleutianAI/AleutianOps/pkg/health"
	"github.com/AleutianAI/AleutianOps/pkg/kvstore"
	"github.com/AleutianAI/AleutianOps/pkg/metrics"
	"github.com/AleutianAI/AleutianOps/pkg/optimization"
	"github.com/AleutianAI/AleutianOps/pkg/queue"
)

// =============================================================================
// DOWNSTREAM ADAPTERS
// =============================================================================

// DatabasePool is what a tunable connection pool must expose. *sql.DB
// satisfies the ping; a thin wrapper supplies the controller side.
type DatabasePool interface {
	health.Pinger
	optimization.PoolController
}

// RegisterDatabase installs a critical ping probe, a pool-stats
// collector, and (when optimization is enabled) the pool optimizer.
func (s *Service) RegisterDatabase(name string, db DatabasePool) error {
	if err := s.health.RegisterDatabase(name, db, health.DefaultCheckOptions()); err != nil {
		return err
	}

	gauges := map[string]string{
		"db_pool_open":             "Open connections in the pool",
		"db_pool_in_use":           "Connections currently in use",
		"db_pool_idle":             "Idle connections in the pool",
		"db_pool_wait_count":       "Cumulative waits for a connection",
		"db_pool_wait_duration_ms": "Cumulative connection wait time in milliseconds",
	}
	for metric, help := range gauges {
		if _, err := s.metrics.Register(metric, metrics.KindGauge, help, "db"); err != nil {
			return fmt.Errorf("monitoring: register %s: %w", metric, err)
		}
	}

	s.startCollector(func() {
		stats := db.Stats()
		labels := map[string]string{"db": name}
		s.metrics.Set("db_pool_open", float64(stats.Open), labels)
		s.metrics.Set("db_pool_in_use", float64(stats.InUse), labels)
		s.metrics.Set("db_pool_idle", float64(stats.Idle), labels)
		s.metrics.Set("db_pool_wait_count", float64(stats.WaitCount), labels)
		s.metrics.Set("db_pool_wait_duration_ms", float64(stats.WaitDuration.Milliseconds()), labels)
	})

	if s.optimizer != nil {
		if err := s.optimizer.Register(optimization.NewDatabasePoolOptimizer(db)); err != nil {
			return err
		}
	}
	s.logger.Info("database registered with monitoring", "name", name)
	return nil
}

// RegisterKeyValueStore installs a critical ping probe and a ping
// latency collector.
func (s *Service) RegisterKeyValueStore(name string, store kvstore.Store) error {
	if err := s.health.RegisterKeyValueStore(name, store, health.DefaultCheckOptions()); err != nil {
		return err
	}
	if _, err := s.metrics.Register("kv_ping_duration_ms", metrics.KindGauge,
		"Last KV store ping latency in milliseconds", "store"); err != nil {
		return fmt.Errorf("monitoring: register kv_ping_duration_ms: %w", err)
	}

	s.startCollector(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		start := time.Now()
		if err := store.Ping(ctx); err != nil {
			return
		}
		s.metrics.Set("kv_ping_duration_ms",
			float64(time.Since(start).Milliseconds()), map[string]string{"store": name})
	})
	s.logger.Info("kv store registered with monitoring", "name", name)
	return nil
}

// RegisterQueueSystem installs a store-ping probe, a per-queue job
// count collector, and wires the backlog rule's sampling. The optional
// controller additionally registers the queue optimizer.
func (s *Service) RegisterQueueSystem(name string, manager *queue.Manager, controller optimization.QueueController) error {
	opts := health.DefaultCheckOptions()
	err := s.health.Register("queue_"+name, func(ctx context.Context) (map[string]any, error) {
		if err := manager.Store().Ping(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"queues": len(manager.Names())}, nil
	}, opts)
	if err != nil {
		return err
	}

	if _, err := s.metrics.Register("queue_jobs", metrics.KindGauge,
		"Jobs per queue by status", "system", "queue", "status"); err != nil {
		return fmt.Errorf("monitoring: register queue_jobs: %w", err)
	}

	s.mu.Lock()
	s.queueManagers[name] = manager
	s.mu.Unlock()

	s.startCollector(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, qname := range manager.Names() {
			q, err := manager.Get(qname)
			if err != nil {
				continue
			}
			counts, err := q.Status(ctx)
			if err != nil {
				continue
			}
			for status, value := range map[string]int{
				"waiting":   counts.Waiting,
				"delayed":   counts.Delayed,
				"active":    counts.Active,
				"completed": counts.Completed,
				"failed":    counts.Failed,
			} {
				s.metrics.Set("queue_jobs", float64(value),
					map[string]string{"system": name, "queue": qname, "status": status})
			}
		}
	})

	if s.optimizer != nil && controller != nil {
		if err := s.optimizer.Register(optimization.NewQueueOptimizer(controller)); err != nil {
			return err
		}
	}
	s.logger.Info("queue system registered with monitoring", "name", name)
	return nil
}

// cacheControl adapts a cache service plus warmer to the optimizer's
// controller shape.
type cacheControl struct {
	svc    *cache.Service
	warmer *cache.Warmer
}

func (c cacheControl) Stats() optimization.CacheStats {
	stats := c.svc.Stats()
	return optimization.CacheStats{Hits: stats.Hits, Misses: stats.Misses}
}

func (c cacheControl) ScaleTTL(factor float64) { c.svc.ScaleTTL(factor) }

func (c cacheControl) Prewarm(ctx context.Context) error {
	if c.warmer == nil {
		return nil
	}
	return c.warmer.Prewarm(ctx)
}

// RegisterCacheService installs a hit-rate collector and wires the
// low-hit-rate rule's sampling. The warmer may be nil; with
// optimization enabled it also registers the cache optimizer.
func (s *Service) RegisterCacheService(name string, svc *cache.Service, warmer *cache.Warmer) error {
	gauges := map[string]string{
		"cache_hits":             "Cumulative cache hits",
		"cache_misses":           "Cumulative cache misses",
		"cache_hit_rate_percent": "Cache hit rate in percent",
	}
	for metric, help := range gauges {
		if _, err := s.metrics.Register(metric, metrics.KindGauge, help, "cache"); err != nil {
			return fmt.Errorf("monitoring: register %s: %w", metric, err)
		}
	}

	s.mu.Lock()
	s.caches[name] = svc
	s.mu.Unlock()

	s.startCollector(func() {
		stats := svc.Stats()
		labels := map[string]string{"cache": name}
		s.metrics.Set("cache_hits", float64(stats.Hits), labels)
		s.metrics.Set("cache_misses", float64(stats.Misses), labels)
		s.metrics.Set("cache_hit_rate_percent", svc.HitRate()*100, labels)
	})

	if s.optimizer != nil {
		if err := s.optimizer.Register(optimization.NewCacheOptimizer(cacheControl{svc: svc, warmer: warmer})); err != nil {
			return err
		}
	}
	s.logger.Info("cache service registered with monitoring", "name", name)
	return nil
}

// startCollector runs collect immediately and then on every tick until
// shutdown.
func (s *Service) startCollector(collect func()) {
	stop := make(chan struct{})
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.adapterStops = append(s.adapterStops, stop)
	s.mu.Unlock()

	go func() {
		collect()
		ticker := time.NewTicker(s.cfg.CollectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				collect()
			}
		}
	}()
}
