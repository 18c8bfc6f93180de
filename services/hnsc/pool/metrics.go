// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("hnsc.pool")

// Metrics for pool occupancy.
var (
	inUseGauge   metric.Int64UpDownCounter
	waitingGauge metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		inUseGauge, err = meter.Int64UpDownCounter(
			"pool.in_use",
			metric.WithDescription("Connections currently checked out"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		waitingGauge, err = meter.Int64UpDownCounter(
			"pool.waiting",
			metric.WithDescription("Acquires currently blocked waiting for a connection"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordInUse(ctx context.Context, name string, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	inUseGauge.Add(ctx, delta, metric.WithAttributes(attribute.String("pool", name)))
}

func recordWaiting(ctx context.Context, name string, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	waitingGauge.Add(ctx, delta, metric.WithAttributes(attribute.String("pool", name)))
}
