// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("hnsc.breaker")

// Metrics for circuit breaker transitions.
var (
	stateGauge       metric.Int64Gauge
	transitionsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		stateGauge, err = meter.Int64Gauge(
			"breaker.state",
			metric.WithDescription("Circuit state per key (0=closed, 1=open, 2=half_open)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transitionsTotal, err = meter.Int64Counter(
			"breaker.transitions_total",
			metric.WithDescription("Total circuit breaker state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordStateChange emits the state gauge and transition counter for a key.
func recordStateChange(ctx context.Context, key string, to State) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("key", key))
	stateGauge.Record(ctx, int64(to), attrs)
	transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("key", key),
		attribute.String("to", to.String()),
	))
}
