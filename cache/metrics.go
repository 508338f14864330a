// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("taskengine.cache")

// Metrics for index operations.
var (
	indexHits      metric.Int64Counter
	indexMisses    metric.Int64Counter
	pressureClears metric.Int64Counter
	indexedTasks   metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
// Failures degrade observability only; cache behavior is unaffected.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		indexHits, err = meter.Int64Counter(
			"task_index_hits_total",
			metric.WithDescription("Total number of index read hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		indexMisses, err = meter.Int64Counter(
			"task_index_misses_total",
			metric.WithDescription("Total number of index read misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pressureClears, err = meter.Int64Counter(
			"task_cache_pressure_clears_total",
			metric.WithDescription("Cache clears triggered by memory pressure"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		indexedTasks, err = meter.Int64UpDownCounter(
			"task_index_entries",
			metric.WithDescription("Number of tasks currently indexed"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context, index string) {
	if indexHits != nil {
		indexHits.Add(ctx, 1, metric.WithAttributes(attribute.String("index", index)))
	}
}

func recordMiss(ctx context.Context, index string) {
	if indexMisses != nil {
		indexMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("index", index)))
	}
}

func recordPressureClear(ctx context.Context) {
	if pressureClears != nil {
		pressureClears.Add(ctx, 1)
	}
}
