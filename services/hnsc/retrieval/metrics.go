// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("hnsc.retrieval")

// Metrics for retrieval operations.
var (
	retrievalLatency metric.Float64Histogram
	hitsTotal        metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		retrievalLatency, err = meter.Float64Histogram(
			"retrieval.latency_seconds",
			metric.WithDescription("End-to-end retrieval pipeline latency"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		hitsTotal, err = meter.Int64Counter(
			"retrieval.hits_total",
			metric.WithDescription("Documents emitted by retrieval"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordRetrieval records one pipeline run.
func recordRetrieval(ctx context.Context, elapsed time.Duration, hits int, degraded bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("degraded", degraded))
	retrievalLatency.Record(ctx, elapsed.Seconds(), attrs)
	if hits > 0 {
		hitsTotal.Add(ctx, int64(hits))
	}
}
